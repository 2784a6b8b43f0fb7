// ABOUTME: Bounded per-bridge table of outstanding worker round trips
// ABOUTME: Correlates responses by monotonically increasing id with refreshable timeouts

package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/2389/hive/internal/store"
)

type requestKind int

const (
	kindTask requestKind = iota
	kindChat
)

// defaultMaxPending bounds outstanding requests per bridge.
const defaultMaxPending = 256

type outcome struct {
	value json.RawMessage
	err   error
}

type pendingRequest struct {
	id       uint64
	kind     requestKind
	task     *store.Task // set for kindTask
	timeout  time.Duration
	deadline time.Time
	timer    *time.Timer
	done     chan outcome // buffered 1, written once
}

// pendingTable is owned by one bridge. Ids are never reused.
type pendingTable struct {
	mu      sync.Mutex
	next    uint64
	limit   int
	entries map[uint64]*pendingRequest
	onSize  func(int)
}

func newPendingTable(limit int, onSize func(int)) *pendingTable {
	if limit <= 0 {
		limit = defaultMaxPending
	}
	if onSize == nil {
		onSize = func(int) {}
	}
	return &pendingTable{
		limit:   limit,
		entries: make(map[uint64]*pendingRequest),
		onSize:  onSize,
	}
}

// add registers a request that fails with timeoutErr unless resolved or
// refreshed within timeout.
func (t *pendingTable) add(kind requestKind, task *store.Task, timeout time.Duration, timeoutErr error) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.limit {
		return nil, ErrTooManyPending
	}

	t.next++
	req := &pendingRequest{
		id:       t.next,
		kind:     kind,
		task:     task,
		timeout:  timeout,
		deadline: time.Now().Add(timeout),
		done:     make(chan outcome, 1),
	}
	id := req.id
	req.timer = time.AfterFunc(timeout, func() { t.expire(id, timeoutErr) })
	t.entries[id] = req
	t.onSize(len(t.entries))
	return req, nil
}

// expire rejects a request whose deadline has passed. A refresh that raced
// the timer moves the deadline, in which case the reset timer fires again.
func (t *pendingTable) expire(id uint64, err error) {
	t.mu.Lock()
	req, ok := t.entries[id]
	if !ok || time.Now().Before(req.deadline) {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.onSize(len(t.entries))
	t.mu.Unlock()

	req.done <- outcome{err: err}
}

// resolve completes a request. Returns false for unknown (or already timed
// out) ids.
func (t *pendingTable) resolve(id uint64, value json.RawMessage, err error) bool {
	t.mu.Lock()
	req, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.onSize(len(t.entries))
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	req.timer.Stop()
	req.done <- outcome{value: value, err: err}
	return true
}

// refresh pushes out the deadline of one request.
func (t *pendingTable) refresh(id uint64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	t.refreshLocked(req)
	return req, true
}

// refreshKind pushes out the deadline of every outstanding request of a kind.
func (t *pendingTable) refreshKind(kind requestKind) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var refreshed []*pendingRequest
	for _, req := range t.entries {
		if req.kind == kind {
			t.refreshLocked(req)
			refreshed = append(refreshed, req)
		}
	}
	return refreshed
}

func (t *pendingTable) refreshLocked(req *pendingRequest) {
	req.deadline = time.Now().Add(req.timeout)
	req.timer.Reset(req.timeout)
}

// rejectAll fails every outstanding request with err and returns how many.
func (t *pendingTable) rejectAll(err error) int {
	t.mu.Lock()
	reqs := make([]*pendingRequest, 0, len(t.entries))
	for id, req := range t.entries {
		reqs = append(reqs, req)
		delete(t.entries, id)
	}
	t.onSize(0)
	t.mu.Unlock()

	for _, req := range reqs {
		req.timer.Stop()
		req.done <- outcome{err: err}
	}
	return len(reqs)
}

// cancel removes a request without completing it.
func (t *pendingTable) cancel(id uint64) {
	t.mu.Lock()
	req, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.onSize(len(t.entries))
	}
	t.mu.Unlock()

	if ok {
		req.timer.Stop()
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
