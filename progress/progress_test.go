package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/transport/mock"
)

func newConn(t *testing.T) (*engine.Connection, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	registry := message.NewRegistry(time.Minute)
	conn := engine.New(mock.New(), registry, bus)
	require.NoError(t, conn.Start())
	t.Cleanup(func() { conn.Disconnect(time.Second) })
	return conn, bus
}

func TestTrackDownloadCompletesOnFinished(t *testing.T) {
	conn, bus := newConn(t)
	r := New()

	unsubscribe := r.TrackDownload(bus, conn, "image", 100)
	bus.Trigger(conn, event.DownloadProgress, 50)
	bus.Trigger(conn, event.DownloadFinished, nil)
	unsubscribe()

	done := make(chan struct{})
	go func() { r.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter never completed after DownloadFinished")
	}
}

func TestTrackDownloadAbortsOnError(t *testing.T) {
	conn, bus := newConn(t)
	r := New()

	unsubscribe := r.TrackDownload(bus, conn, "image", 100)
	bus.Trigger(conn, event.DownloadError, nil)
	unsubscribe()

	done := make(chan struct{})
	go func() { r.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter never completed after an aborted bar")
	}
}
