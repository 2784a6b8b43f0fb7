// ABOUTME: Redis pub/sub transport for the relay channel
// ABOUTME: Connection is verified with a bounded PING before it is chosen

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisTransport struct {
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

// dialRedis connects and verifies the broker within timeout.
func dialRedis(ctx context.Context, url string, timeout time.Duration) (*redisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = timeout
	opts.MaxRetries = 0

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &redisTransport{client: client}, nil
}

func (r *redisTransport) Name() string { return ModeRedis }

func (r *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *redisTransport) Subscribe(ctx context.Context, channel string, deliver func([]byte)) error {
	pubsub := r.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so a publish right after
	// Subscribe returns is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("confirming subscription: %w", err)
	}

	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, pubsub)
	r.mu.Unlock()

	msgs := pubsub.Channel()
	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				deliver([]byte(msg.Payload))
			case <-ctx.Done():
				pubsub.Close()
				return
			}
		}
	}()
	return nil
}

func (r *redisTransport) Close() error {
	r.mu.Lock()
	pubsubs := r.pubsubs
	r.pubsubs = nil
	r.mu.Unlock()

	for _, ps := range pubsubs {
		ps.Close()
	}
	return r.client.Close()
}
