// Package verify implements the bulk-transfer verifier: it
// accumulates read-back chunks from a verify pass, compares each against
// the payload originally sent, and reports success or a first-error offset
// plus total mismatch count.
package verify

import (
	"sync"

	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
)

// DefaultCapacity is the typical device inbound buffer capacity the
// verifier paces a producer against.
const DefaultCapacity = 1024

// Chunk is one expected byte range awaiting its read-back response.
type Chunk struct {
	Expected   []byte
	StartAddr  uint32
	ReadHandle message.Handle
}

// Verifier compares read-back responses against the bytes a producer sent,
// bounded by a configurable in-flight byte capacity.
type Verifier struct {
	bus      *event.Bus
	registry *message.Registry
	capacity int

	mu          sync.Mutex
	cond        *sync.Cond
	pending     map[message.Handle]Chunk
	inFlight    int
	errorCount  int
	firstOffset int64
	hasError    bool
	finalized   bool

	cancels []event.Cancel
}

// New creates a Verifier subscribed to bus for responses matching the read
// handles submitted via SubmitChunk. capacity <= 0 uses DefaultCapacity.
func New(bus *event.Bus, registry *message.Registry, capacity int) *Verifier {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	v := &Verifier{
		bus:      bus,
		registry: registry,
		capacity: capacity,
		pending:  make(map[message.Handle]Chunk),
	}
	v.cond = sync.NewCond(&v.mu)

	for _, kind := range []event.Kind{
		event.ResponseReceived,
		event.ResponseErrorValid,
		event.ResponseErrorCRC,
		event.ResponseErrorInvalid,
		event.ResponseTimedOut,
		event.SendError,
		event.TimedOutOnSend,
	} {
		v.cancels = append(v.cancels, bus.Subscribe(kind, v.onResponse(kind)))
	}
	return v
}

// Close unsubscribes the verifier from the bus. Call once no more chunks
// will be submitted.
func (v *Verifier) Close() {
	for _, c := range v.cancels {
		c()
	}
}

// SubmitChunk registers one expected byte range to be matched against the
// response that eventually arrives for chunk.ReadHandle.
func (v *Verifier) SubmitChunk(chunk Chunk) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending[chunk.ReadHandle] = chunk
	v.inFlight += len(chunk.Expected)
}

// WaitUntilBufferClear blocks until in-flight bytes drop at or below
// capacity, letting a producer pace itself against device inbound buffer
// space.
func (v *Verifier) WaitUntilBufferClear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for v.inFlight > v.capacity {
		v.cond.Wait()
	}
}

// ErrorCount returns the number of mismatching bytes observed so far.
func (v *Verifier) ErrorCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.errorCount
}

// FirstErrorOffset returns the absolute address of the first mismatching
// byte, or -1 if none has been observed.
func (v *Verifier) FirstErrorOffset() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasError {
		return -1
	}
	return v.firstOffset
}

// Finalize triggers VerifySuccess if no mismatches were recorded, or
// VerifyFail(error_count) otherwise. Call once every submitted chunk has
// resolved.
func (v *Verifier) Finalize() {
	v.mu.Lock()
	errCount := v.errorCount
	v.finalized = true
	v.mu.Unlock()

	if errCount == 0 {
		v.bus.Trigger(v, event.VerifySuccess, nil)
	} else {
		v.bus.Trigger(v, event.VerifyFail, errCount)
	}
}

func (v *Verifier) onResponse(kind event.Kind) event.Handler {
	return func(sender any, _ event.Kind, payload any) {
		h, ok := payload.(message.Handle)
		if !ok {
			return
		}
		v.mu.Lock()
		chunk, tracked := v.pending[h]
		if !tracked {
			v.mu.Unlock()
			return
		}
		delete(v.pending, h)
		v.inFlight -= len(chunk.Expected)
		v.mu.Unlock()
		v.cond.Broadcast()

		if kind != event.ResponseReceived {
			v.recordMismatch(chunk.StartAddr, 0, len(chunk.Expected))
			return
		}
		v.compare(chunk)
	}
}

func (v *Verifier) compare(chunk Chunk) {
	actual := v.registry.GetResponse(chunk.ReadHandle).Payload
	n := len(chunk.Expected)
	if len(actual) < n {
		n = len(actual)
	}
	firstBad := -1
	mismatches := 0
	for i := 0; i < n; i++ {
		if chunk.Expected[i] != actual[i] {
			mismatches++
			if firstBad == -1 {
				firstBad = i
			}
		}
	}
	// A short response covers the remaining expected bytes as mismatches
	// too: the device answered with fewer bytes than requested.
	if len(actual) < len(chunk.Expected) {
		mismatches += len(chunk.Expected) - len(actual)
		if firstBad == -1 {
			firstBad = len(actual)
		}
	}
	if mismatches > 0 {
		v.recordMismatch(chunk.StartAddr, firstBad, mismatches)
	}
}

func (v *Verifier) recordMismatch(startAddr uint32, offsetInChunk int, count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errorCount += count
	if !v.hasError {
		v.hasError = true
		v.firstOffset = int64(startAddr) + int64(offsetInChunk)
	}
}
