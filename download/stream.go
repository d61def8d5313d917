package download

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/report"
)

// DefaultWatermarkMessages and DefaultWatermarkBytes pause producing new
// reports when more than a configurable watermark (~16 messages / 1 KiB)
// are in flight.
const (
	DefaultWatermarkMessages = 16
	DefaultWatermarkBytes    = 1024
)

// WriteStream sends a sequence of small write reports, each addressed by
// the fields its caller supplies, pausing when more than a configurable
// watermark of bytes/messages are outstanding and resuming as responses
// retire them.
type WriteStream struct {
	conn            *engine.Connection
	watermarkMsgs   int
	watermarkBytes  int
	running         int32

	mu               sync.Mutex
	cond             *sync.Cond
	outstandingBytes map[message.Handle]int

	cancels []event.Cancel
}

// NewWriteStream creates a stream bound to conn. watermarkMsgs/watermarkBytes
// <= 0 use the package defaults.
func NewWriteStream(conn *engine.Connection, watermarkMsgs, watermarkBytes int) *WriteStream {
	if watermarkMsgs <= 0 {
		watermarkMsgs = DefaultWatermarkMessages
	}
	if watermarkBytes <= 0 {
		watermarkBytes = DefaultWatermarkBytes
	}
	s := &WriteStream{
		conn:             conn,
		watermarkMsgs:    watermarkMsgs,
		watermarkBytes:   watermarkBytes,
		running:          1,
		outstandingBytes: make(map[message.Handle]int),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, kind := range []event.Kind{
		event.ResponseReceived,
		event.ResponseErrorValid,
		event.ResponseErrorCRC,
		event.ResponseErrorInvalid,
		event.ResponseTimedOut,
		event.SendError,
		event.TimedOutOnSend,
	} {
		s.cancels = append(s.cancels, conn.Bus().Subscribe(kind, s.onTerminal))
	}
	return s
}

// Close unsubscribes the stream from the connection's event bus.
func (s *WriteStream) Close() {
	for _, c := range s.cancels {
		c()
	}
}

// Stop tells Write to return immediately on its next wait iteration,
// cooperating with disconnect by checking a shared running flag.
func (s *WriteStream) Stop() {
	atomic.StoreInt32(&s.running, 0)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *WriteStream) onTerminal(sender any, kind event.Kind, payload any) {
	h, ok := payload.(message.Handle)
	if !ok {
		return
	}
	s.mu.Lock()
	if _, tracked := s.outstandingBytes[h]; tracked {
		delete(s.outstandingBytes, h)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *WriteStream) pending() (msgs, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs = len(s.outstandingBytes)
	for _, n := range s.outstandingBytes {
		bytes += n
	}
	return
}

// Write blocks until there is room under the watermark, then sends one
// write report built from fields/payload and tracks it as outstanding.
// Returns an error if the stream was stopped before room became available.
func (s *WriteStream) Write(fields report.Fields, payload []byte) (message.Handle, error) {
	s.mu.Lock()
	for atomic.LoadInt32(&s.running) != 0 {
		msgs := len(s.outstandingBytes)
		bytes := 0
		for _, n := range s.outstandingBytes {
			bytes += n
		}
		if msgs < s.watermarkMsgs && bytes+len(payload) <= s.watermarkBytes {
			break
		}
		s.cond.Wait()
	}
	if atomic.LoadInt32(&s.running) == 0 {
		s.mu.Unlock()
		return message.NullMessage, fmt.Errorf("download: stream stopped")
	}
	h := s.conn.SendMsg(report.New(fields, payload))
	s.outstandingBytes[h] = len(payload)
	s.mu.Unlock()
	return h, nil
}

// Drain blocks until every outstanding write has reached a terminal
// status or the stream is stopped.
func (s *WriteStream) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.outstandingBytes) > 0 && atomic.LoadInt32(&s.running) != 0 {
		s.cond.Wait()
	}
}
