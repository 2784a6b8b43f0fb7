package agent

import "errors"

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrTimeout is returned when a worker does not answer a task in time.
var ErrTimeout = errors.New("Python task timeout") //nolint:staticcheck // message is part of the persisted task error contract

// ErrConnectionClosed is returned for outstanding requests when the worker exits.
var ErrConnectionClosed = errors.New("Connection closed") //nolint:staticcheck // message is part of the persisted task error contract

// ErrNotRunning indicates the worker process is not running or its stdin is closed.
var ErrNotRunning = errors.New("worker not running")

// ErrMailboxFull indicates a worker is not keeping up with relayed messages.
var ErrMailboxFull = errors.New("agent mailbox full")

// ErrTooManyPending indicates the per-agent request table is full.
var ErrTooManyPending = errors.New("too many pending requests")

// WorkerError is a failure reported by the worker itself in a response envelope.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return e.Message
}
