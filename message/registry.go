package message

import (
	"sync"
	"time"

	"github.com/isomet/ims-sdk/report"
)

// Registry enforces that at any moment a handle is in exactly one of:
// the outbound queue, the in-flight set, or freed. It is the
// single source of truth the sender, parser/dispatcher, and caller-facing
// SendMsg/SendMsgBlocking wrappers all share for one connection.
type Registry struct {
	mu         sync.Mutex
	cond       *sync.Cond
	outbound   []*Message
	inflight   map[Handle]*Message
	nextHandle uint64
	closed     bool

	autoFree time.Duration
}

// NewRegistry creates a registry whose retired messages, whatever their
// terminal status, are kept around for autoFree before being
// garbage-collected.
func NewRegistry(autoFree time.Duration) *Registry {
	r := &Registry{
		inflight: make(map[Handle]*Message),
		autoFree: autoFree,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Enqueue allocates a handle for req, serialises it, and places it on the
// outbound queue. Returns NullMessage if the registry is closed.
func (r *Registry) Enqueue(req report.Report) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NullMessage
	}
	r.nextHandle++
	h := Handle(r.nextHandle)
	bytes := report.Serialize(req)
	msg := newMessage(h, req, bytes)
	r.outbound = append(r.outbound, msg)
	r.cond.Signal()
	return h
}

// Dequeue blocks until a message is available, the registry closes, or
// timeout elapses. Returns nil if nothing was dequeued.
func (r *Registry) Dequeue(timeout time.Duration) *Message {
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.outbound) == 0 && !r.closed {
		if !time.Now().Before(deadline) {
			return nil
		}
		r.cond.Wait()
	}
	if len(r.outbound) == 0 {
		return nil
	}
	msg := r.outbound[0]
	r.outbound = r.outbound[1:]
	return msg
}

// MarkInFlight moves a dequeued message into the in-flight set. The sender
// calls it once transmission has been attempted and then records the
// outcome with MarkSent or Retire (SendError or TimeoutOnSend).
func (r *Registry) MarkInFlight(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[msg.Handle] = msg
	r.cond.Broadcast()
}

// MarkSent transitions msg to StatusSent without retiring it; call after
// MarkInFlight once the sender has successfully transmitted its bytes.
func (r *Registry) MarkSent(msg *Message) {
	msg.setStatus(StatusSent)
}

// Get returns the queued, in-flight or just-retired message for h, or nil.
func (r *Registry) Get(h Handle) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.inflight[h]; ok {
		return msg
	}
	for _, msg := range r.outbound {
		if msg.Handle == h {
			return msg
		}
	}
	return nil
}

// GetStatus returns the status of h, or StatusSendError if h is unknown
// (already garbage collected or never issued).
func (r *Registry) GetStatus(h Handle) Status {
	msg := r.Get(h)
	if msg == nil {
		return StatusSendError
	}
	return msg.Status()
}

// GetResponse returns the response report associated with h.
func (r *Registry) GetResponse(h Handle) report.Report {
	msg := r.Get(h)
	if msg == nil {
		return report.Report{}
	}
	return msg.Response()
}

// WaitBlocking blocks on h until it reaches a terminal status or timeout
// elapses, then returns its response report.
func (r *Registry) WaitBlocking(h Handle, timeout time.Duration) report.Report {
	msg := r.Get(h)
	if msg == nil {
		return report.Report{}
	}
	msg.wait(timeout)
	return msg.Response()
}

// ForEach invokes fn for every in-flight message. fn must not block and
// must not call back into the registry.
func (r *Registry) ForEach(fn func(*Message)) {
	r.mu.Lock()
	msgs := make([]*Message, 0, len(r.inflight))
	for _, m := range r.inflight {
		msgs = append(msgs, m)
	}
	r.mu.Unlock()
	for _, m := range msgs {
		fn(m)
	}
}

// Retire completes h with the given status and response, setting its
// auto-free deadline from now.
func (r *Registry) Retire(h Handle, status Status, resp report.Report) {
	msg := r.Get(h)
	if msg == nil {
		return
	}
	msg.setResponse(resp)
	msg.setStatus(status)
	r.mu.Lock()
	msg.FreeAfter = time.Now().Add(r.autoFree)
	r.mu.Unlock()
}

// Sweep garbage-collects every in-flight message that is terminal and past
// its auto-free deadline. Called by the parser task between frames.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, m := range r.inflight {
		st := m.Status()
		if st.IsTerminal() && !m.FreeAfter.IsZero() && now.After(m.FreeAfter) {
			delete(r.inflight, h)
		}
	}
}

// AddSynthetic allocates a handle outside the normal enqueue/dequeue flow
// and immediately retires it with status and resp. Used for device-
// originated frames that were never requested by the host, e.g. interrupts
//.
func (r *Registry) AddSynthetic(status Status, resp report.Report) *Message {
	r.mu.Lock()
	r.nextHandle++
	h := Handle(r.nextHandle)
	r.mu.Unlock()

	msg := newMessage(h, report.Report{}, nil)
	msg.setResponse(resp)
	msg.setStatus(status)

	r.mu.Lock()
	msg.FreeAfter = time.Now().Add(r.autoFree)
	r.inflight[h] = msg
	r.mu.Unlock()
	return msg
}

// OldestPendingInFlight returns the non-terminal in-flight message whose
// request kind is reqKind with the earliest SentAt, or nil if none are
// pending. The parser/dispatcher task uses this to match a response frame
// to the request it answers, so a synth response never retires a
// controller request (or vice versa) that merely happens to be older.
func (r *Registry) OldestPendingInFlight(reqKind report.Kind) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *Message
	for _, m := range r.inflight {
		if m.Status().IsTerminal() {
			continue
		}
		if m.Request.Fields.ID != reqKind {
			continue
		}
		if oldest == nil || m.SentAt.Before(oldest.SentAt) {
			oldest = m
		}
	}
	return oldest
}

// ReapTimedOut retires every non-terminal in-flight message sent more than
// recvTimeout ago with StatusTimeoutOnReceive, so a request whose response
// never arrives still reaches a terminal status and becomes eligible for
// Sweep. Returns the handles retired this call.
func (r *Registry) ReapTimedOut(now time.Time, recvTimeout time.Duration) []Handle {
	r.mu.Lock()
	var timedOut []Handle
	for h, m := range r.inflight {
		if m.Status().IsTerminal() {
			continue
		}
		if m.SentAt.IsZero() || now.Sub(m.SentAt) < recvTimeout {
			continue
		}
		timedOut = append(timedOut, h)
	}
	r.mu.Unlock()

	for _, h := range timedOut {
		r.Retire(h, StatusTimeoutOnReceive, report.Report{})
	}
	return timedOut
}

// OutboundLen returns the number of messages still queued for send.
func (r *Registry) OutboundLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbound)
}

// PendingInFlight returns handles for in-flight messages that have not yet
// reached a terminal status.
func (r *Registry) PendingInFlight() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []Handle
	for h, m := range r.inflight {
		if !m.Status().IsTerminal() {
			pending = append(pending, h)
		}
	}
	return pending
}

// Close stops Dequeue from blocking further and wakes any waiter; existing
// in-flight messages are left for the caller (normally Disconnect) to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
