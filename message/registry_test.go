package message

import (
	"sync"
	"testing"
	"time"

	"github.com/isomet/ims-sdk/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueHandlesAreMonotonicAndDistinct(t *testing.T) {
	reg := NewRegistry(time.Second)
	seen := map[Handle]bool{}
	var prev Handle
	for i := 0; i < 50; i++ {
		h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
		require.NotEqual(t, NullMessage, h)
		assert.False(t, seen[h])
		assert.Greater(t, h, prev)
		seen[h] = true
		prev = h
	}
}

func TestEnqueueAfterCloseReturnsNullMessage(t *testing.T) {
	reg := NewRegistry(time.Second)
	reg.Close()
	h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
	assert.Equal(t, NullMessage, h)
}

func TestDequeueFIFO(t *testing.T) {
	reg := NewRegistry(time.Second)
	h1 := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth, Addr: 1}, nil))
	h2 := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth, Addr: 2}, nil))

	m1 := reg.Dequeue(time.Second)
	require.NotNil(t, m1)
	assert.Equal(t, h1, m1.Handle)

	m2 := reg.Dequeue(time.Second)
	require.NotNil(t, m2)
	assert.Equal(t, h2, m2.Handle)
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	reg := NewRegistry(time.Second)
	start := time.Now()
	msg := reg.Dequeue(30 * time.Millisecond)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitBlockingReturnsOnTerminalTransition(t *testing.T) {
	reg := NewRegistry(time.Second)
	h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
	msg := reg.Dequeue(time.Second)
	require.NotNil(t, msg)
	msg.setStatus(StatusSent)
	reg.MarkInFlight(msg)

	resp := report.New(report.Fields{ID: report.KindDeviceSynth, Hdr: 0x40}, []byte{1, 2})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		reg.Retire(h, StatusComplete, resp)
	}()

	got := reg.WaitBlocking(h, time.Second)
	wg.Wait()
	assert.Equal(t, resp.Payload, got.Payload)
	assert.Equal(t, StatusComplete, reg.GetStatus(h))
}

func TestSweepRemovesAgedTerminalEntries(t *testing.T) {
	reg := NewRegistry(10 * time.Millisecond)
	h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
	msg := reg.Dequeue(time.Second)
	msg.setStatus(StatusSent)
	reg.MarkInFlight(msg)
	reg.Retire(h, StatusComplete, report.Report{})

	assert.NotNil(t, reg.Get(h))
	time.Sleep(20 * time.Millisecond)
	reg.Sweep(time.Now())
	assert.Nil(t, reg.Get(h))
}

func TestReapTimedOutRetiresStaleInFlightMessage(t *testing.T) {
	reg := NewRegistry(time.Second)
	h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
	msg := reg.Dequeue(time.Second)
	require.NotNil(t, msg)
	msg.SentAt = time.Now().Add(-time.Second)
	msg.setStatus(StatusSent)
	reg.MarkInFlight(msg)

	timedOut := reg.ReapTimedOut(time.Now(), 100*time.Millisecond)
	require.Len(t, timedOut, 1)
	assert.Equal(t, h, timedOut[0])
	assert.Equal(t, StatusTimeoutOnReceive, reg.GetStatus(h))
}

func TestReapTimedOutLeavesFreshMessagesPending(t *testing.T) {
	reg := NewRegistry(time.Second)
	h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
	msg := reg.Dequeue(time.Second)
	require.NotNil(t, msg)
	msg.SentAt = time.Now()
	msg.setStatus(StatusSent)
	reg.MarkInFlight(msg)

	timedOut := reg.ReapTimedOut(time.Now(), time.Second)
	assert.Empty(t, timedOut)
	assert.False(t, reg.GetStatus(h).IsTerminal())
}

func TestForEachVisitsEveryInFlightMessage(t *testing.T) {
	reg := NewRegistry(time.Second)
	for i := 0; i < 5; i++ {
		h := reg.Enqueue(report.New(report.Fields{ID: report.KindHostSynth}, nil))
		msg := reg.Dequeue(time.Second)
		reg.MarkInFlight(msg)
		_ = h
	}
	count := 0
	reg.ForEach(func(m *Message) { count++ })
	assert.Equal(t, 5, count)
}
