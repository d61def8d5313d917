package verify

import (
	"testing"
	"time"

	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enqueueInFlight enqueues req and immediately moves it into the in-flight
// set, standing in for the sender task a real connection would run.
func enqueueInFlight(t *testing.T, r *message.Registry, req report.Report) message.Handle {
	t.Helper()
	h := r.Enqueue(req)
	msg := r.Dequeue(100 * time.Millisecond)
	require.NotNil(t, msg)
	require.Equal(t, h, msg.Handle)
	r.MarkInFlight(msg)
	return h
}

func TestVerifySuccessOnExactMatch(t *testing.T) {
	bus := event.NewBus()
	registry := message.NewRegistry(time.Minute)
	v := New(bus, registry, 0)
	defer v.Close()

	var success bool
	bus.Subscribe(event.VerifySuccess, func(sender any, kind event.Kind, payload any) {
		success = true
	})

	h := enqueueInFlight(t, registry, report.Report{})
	registry.Retire(h, message.StatusComplete, report.New(report.Fields{}, []byte{1, 2, 3}))

	v.SubmitChunk(Chunk{Expected: []byte{1, 2, 3}, StartAddr: 0x100, ReadHandle: h})
	bus.Trigger(nil, event.ResponseReceived, h)
	v.Finalize()

	assert.True(t, success)
	assert.Equal(t, 0, v.ErrorCount())
	assert.Equal(t, int64(-1), v.FirstErrorOffset())
}

func TestVerifyFailRecordsFirstOffset(t *testing.T) {
	bus := event.NewBus()
	registry := message.NewRegistry(time.Minute)
	v := New(bus, registry, 0)
	defer v.Close()

	var failCount int
	bus.Subscribe(event.VerifyFail, func(sender any, kind event.Kind, payload any) {
		failCount = payload.(int)
	})

	h := enqueueInFlight(t, registry, report.Report{})
	registry.Retire(h, message.StatusComplete, report.New(report.Fields{}, []byte{1, 9, 3}))

	v.SubmitChunk(Chunk{Expected: []byte{1, 2, 3}, StartAddr: 0x200, ReadHandle: h})
	bus.Trigger(nil, event.ResponseReceived, h)
	v.Finalize()

	assert.Equal(t, 1, failCount)
	assert.Equal(t, 1, v.ErrorCount())
	assert.Equal(t, int64(0x201), v.FirstErrorOffset())
}

func TestVerifyCRCErrorCountsWholeChunkAsMismatch(t *testing.T) {
	bus := event.NewBus()
	registry := message.NewRegistry(time.Minute)
	v := New(bus, registry, 0)
	defer v.Close()

	h := enqueueInFlight(t, registry, report.Report{})

	v.SubmitChunk(Chunk{Expected: []byte{1, 2, 3, 4}, StartAddr: 0x300, ReadHandle: h})
	bus.Trigger(nil, event.ResponseErrorCRC, h)

	assert.Equal(t, 4, v.ErrorCount())
	assert.Equal(t, int64(0x300), v.FirstErrorOffset())
}

func TestWaitUntilBufferClearUnblocksAfterResolution(t *testing.T) {
	bus := event.NewBus()
	registry := message.NewRegistry(time.Minute)
	v := New(bus, registry, 2)
	defer v.Close()

	h := enqueueInFlight(t, registry, report.Report{})
	v.SubmitChunk(Chunk{Expected: []byte{1, 2, 3}, StartAddr: 0, ReadHandle: h})

	cleared := make(chan struct{})
	go func() {
		v.WaitUntilBufferClear()
		close(cleared)
	}()

	select {
	case <-cleared:
		t.Fatal("should still be blocked above capacity")
	case <-time.After(50 * time.Millisecond):
	}

	registry.Retire(h, message.StatusComplete, report.New(report.Fields{}, []byte{1, 2, 3}))
	bus.Trigger(nil, event.ResponseReceived, h)

	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for buffer to clear")
	}
}
