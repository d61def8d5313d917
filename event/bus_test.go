package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriggerInvokesHandlersInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var order []int
	b.Subscribe(InterruptReceived, func(sender any, kind Kind, payload any) { order = append(order, 1) })
	b.Subscribe(InterruptReceived, func(sender any, kind Kind, payload any) { order = append(order, 2) })
	b.Subscribe(InterruptReceived, func(sender any, kind Kind, payload any) { order = append(order, 3) })

	b.Trigger(nil, InterruptReceived, nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnsubscribeBeforeTriggerSkipsHandler(t *testing.T) {
	b := NewBus()
	var called bool
	cancel := b.Subscribe(SendError, func(sender any, kind Kind, payload any) { called = true })
	cancel()
	b.Trigger(nil, SendError, nil)
	assert.False(t, called)
}

func TestDoubleSubscribeRegistersTwice(t *testing.T) {
	b := NewBus()
	count := 0
	h := func(sender any, kind Kind, payload any) { count++ }
	b.Subscribe(VerifySuccess, h)
	b.Subscribe(VerifySuccess, h)
	b.Trigger(nil, VerifySuccess, nil)
	assert.Equal(t, 2, count)
}

func TestBackpressureOnOneKindDoesNotAffectOthers(t *testing.T) {
	b := NewBus()
	slowDone := make(chan struct{})
	b.Subscribe(DownloadProgress, func(sender any, kind Kind, payload any) {
		<-slowDone
	})
	fastCalled := false
	b.Subscribe(VerifySuccess, func(sender any, kind Kind, payload any) { fastCalled = true })

	done := make(chan struct{})
	go func() {
		b.Trigger(nil, DownloadProgress, nil)
		close(done)
	}()

	b.Trigger(nil, VerifySuccess, nil)
	assert.True(t, fastCalled)

	close(slowDone)
	<-done
}

func TestUnsubscribeMidDispatchAppliesNextTrigger(t *testing.T) {
	b := NewBus()
	var cancel Cancel
	calls := 0
	cancel = b.Subscribe(ResponseReceived, func(sender any, kind Kind, payload any) {
		calls++
		cancel()
	})
	b.Trigger(nil, ResponseReceived, nil)
	assert.Equal(t, 1, calls)
	b.Trigger(nil, ResponseReceived, nil)
	assert.Equal(t, 1, calls)
}
