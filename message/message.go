// Package message implements the registry that turns outbound reports into
// trackable handles: it allocates monotonic handles, holds in-flight state,
// and lets callers poll or block on a handle until it reaches a terminal
// status.
package message

import (
	"sync"
	"time"

	"github.com/isomet/ims-sdk/report"
)

// Handle is an opaque identifier for an in-flight outbound report.
type Handle uint64

// NullMessage is returned when Enqueue cannot allocate a handle, e.g. the
// registry has been closed. It is never a valid in-flight handle.
const NullMessage Handle = 0

// Status is the lifecycle state of a Message.
type Status uint8

const (
	StatusUnsent Status = iota
	StatusSent
	StatusRxPartial
	StatusComplete
	StatusSendError
	StatusTimeoutOnSend
	StatusTimeoutOnReceive
	StatusCrcError
	StatusInterrupt
)

// IsTerminal reports whether s is a status from which a Message will never
// transition further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusSendError, StatusTimeoutOnSend, StatusTimeoutOnReceive, StatusCrcError, StatusInterrupt:
		return true
	default:
		return false
	}
}

// Message is the in-flight record for one outbound report.
type Message struct {
	Handle    Handle
	Bytes     []byte
	Request   report.Report
	SentAt    time.Time
	FreeAfter time.Time

	mu       sync.Mutex
	status   Status
	response report.Report
	waitCh   chan struct{}
}

func newMessage(h Handle, req report.Report, bytes []byte) *Message {
	return &Message{
		Handle:  h,
		Bytes:   bytes,
		Request: req,
		status:  StatusUnsent,
		waitCh:  make(chan struct{}),
	}
}

// Status returns the message's current status.
func (m *Message) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Response returns the parsed response report, empty until one arrives.
func (m *Message) Response() report.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response
}

// setStatus transitions the message to a new status, waking any blocked
// waiter exactly once when the new status is terminal.
func (m *Message) setStatus(s Status) {
	m.mu.Lock()
	wasTerminal := m.status.IsTerminal()
	m.status = s
	terminalNow := s.IsTerminal()
	m.mu.Unlock()
	if terminalNow && !wasTerminal {
		close(m.waitCh)
	}
}

func (m *Message) setResponse(r report.Report) {
	m.mu.Lock()
	m.response = r
	m.mu.Unlock()
}

// wait blocks until the message is terminal or the timeout elapses. Returns
// true if the message reached a terminal status in time.
func (m *Message) wait(timeout time.Duration) bool {
	select {
	case <-m.waitCh:
		return true
	case <-time.After(timeout):
		return m.Status().IsTerminal()
	}
}
