// ABOUTME: Transport abstraction for the relay channel and the in-process fallback
// ABOUTME: Local transport fans payloads out to subscribers in publish order

package relay

import (
	"context"
	"errors"
	"sync"
)

// Transport carries opaque payloads on named channels.
type Transport interface {
	// Name is ModeRedis or ModeLocal.
	Name() string
	// Publish sends one payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe arranges for deliver to be called for each payload on channel
	// until ctx is done or the transport is closed. The subscription is
	// active when Subscribe returns.
	Subscribe(ctx context.Context, channel string, deliver func([]byte)) error
	Close() error
}

var errTransportClosed = errors.New("transport closed")

const localQueueSize = 256

// localTransport is an in-process pub/sub scoped by channel name.
type localTransport struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	closed bool
	done   chan struct{}
}

func newLocalTransport() *localTransport {
	return &localTransport{
		subs: make(map[string][]chan []byte),
		done: make(chan struct{}),
	}
}

func (l *localTransport) Name() string { return ModeLocal }

func (l *localTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return errTransportClosed
	}
	targets := append([]chan []byte(nil), l.subs[channel]...)
	l.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return errTransportClosed
		}
	}
	return nil
}

func (l *localTransport) Subscribe(ctx context.Context, channel string, deliver func([]byte)) error {
	ch := make(chan []byte, localQueueSize)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errTransportClosed
	}
	l.subs[channel] = append(l.subs[channel], ch)
	l.mu.Unlock()

	go func() {
		defer l.remove(channel, ch)
		for {
			select {
			case payload := <-ch:
				deliver(payload)
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

func (l *localTransport) remove(channel string, target chan []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.subs[channel]
	for i, ch := range subs {
		if ch == target {
			l.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[channel]) == 0 {
		delete(l.subs, channel)
	}
}

func (l *localTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}
