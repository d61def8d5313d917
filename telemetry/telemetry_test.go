package telemetry

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/transport/mock"
)

type fakePublisher struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakePublisher) Publish(message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, message)
	return nil
}

func (f *fakePublisher) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.lines...)
}

func newConn(t *testing.T) (*engine.Connection, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	registry := message.NewRegistry(time.Minute)
	conn := engine.New(mock.New(), registry, bus)
	require.NoError(t, conn.Start())
	t.Cleanup(func() { conn.Disconnect(time.Second) })
	return conn, bus
}

func TestMirrorPublishesTrackedKind(t *testing.T) {
	conn, bus := newConn(t)
	fp := &fakePublisher{}

	unsubscribe := Mirror(bus, conn, fp, "ims-0001")
	defer unsubscribe()

	bus.Trigger(conn, event.DeviceClosed, nil)

	lines := fp.snapshot()
	require.Len(t, lines, 1)
	assert.True(t, strings.Contains(lines[0], "ims-0001"))
	assert.True(t, strings.Contains(lines[0], "device_closed"))
}

func TestMirrorIgnoresOtherSenders(t *testing.T) {
	conn, bus := newConn(t)
	fp := &fakePublisher{}

	unsubscribe := Mirror(bus, conn, fp, "ims-0001")
	defer unsubscribe()

	bus.Trigger(&engine.Connection{}, event.DeviceOpened, nil)
	assert.Empty(t, fp.snapshot())
}

func TestUnsubscribeStopsFurtherPublishes(t *testing.T) {
	conn, bus := newConn(t)
	fp := &fakePublisher{}

	unsubscribe := Mirror(bus, conn, fp, "ims-0001")
	unsubscribe()

	bus.Trigger(conn, event.DeviceClosed, nil)
	assert.Empty(t, fp.snapshot())
}
