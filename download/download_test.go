package download

import (
	"strings"
	"testing"
	"time"

	"github.com/isomet/ims-sdk/capabilities"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/transport"
	"github.com/isomet/ims-sdk/transport/mock"
	"github.com/isomet/ims-sdk/uuidtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIntelHexSingleDataRecord(t *testing.T) {
	// :10 0000 00 0102030405060708090A0B0C0D0E0F10 CHK
	src := ":10000000" + "0102030405060708090A0B0C0D0E0F10" + "00\n"
	blocks, err := DecodeIntelHex(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(0), blocks[0].Addr)
	assert.Len(t, blocks[0].Data, 16)
	assert.Equal(t, byte(0x01), blocks[0].Data[0])
	assert.Equal(t, byte(0x10), blocks[0].Data[15])
}

func TestDecodeIntelHexRejectsMissingColon(t *testing.T) {
	_, err := DecodeIntelHex(strings.NewReader("10000000FF\n"))
	assert.Error(t, err)
}

func TestPadTo16(t *testing.T) {
	assert.Len(t, PadTo16(make([]byte, 16)), 16)
	padded := PadTo16(make([]byte, 10))
	assert.Len(t, padded, 16)
	assert.Len(t, PadTo16(nil), 0)
}

func alwaysOKResponder(buf []byte, sink transport.ByteSink) {
	p := report.NewParser()
	for _, b := range buf {
		p.Feed(b)
	}
	req := p.Result()
	resp := report.New(report.Fields{ID: report.KindDeviceController, Hdr: report.FlagDataOK, Context: req.Fields.Context}, nil)
	sink.PushBytes(report.Serialize(resp))
}

func newConnWithResponder(t *testing.T, responder func(buf []byte, sink transport.ByteSink)) *engine.Connection {
	t.Helper()
	adapter := mock.New()
	adapter.Responder = responder
	registry := message.NewRegistry(time.Minute)
	bus := event.NewBus()
	conn := engine.New(adapter, registry, bus)
	require.NoError(t, conn.Start())
	t.Cleanup(func() { conn.Disconnect(time.Second) })
	return conn
}

func TestToneBufferDownloadHappyPath(t *testing.T) {
	conn := newConnWithResponder(t, alwaysOKResponder)
	var finished bool
	conn.Bus().Subscribe(event.DownloadFinished, func(sender any, kind event.Kind, payload any) {
		finished = true
	})

	d := NewToneBufferDownloader(conn, capabilities.Capabilities{SimultaneousPlayback: true})
	entries := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}
	err := d.Download(entries, 3)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestToneBufferDownloadFailsPreconditionWithoutSimultaneousPlayback(t *testing.T) {
	conn := newConnWithResponder(t, alwaysOKResponder)
	d := NewToneBufferDownloader(conn, capabilities.Capabilities{})
	err := d.Download([][]byte{{1, 2, 3, 4}}, 0)
	assert.Error(t, err)
}

func TestFirmwareUpgradeFailsPreconditionWithoutRemoteUpgrade(t *testing.T) {
	conn := newConnWithResponder(t, alwaysOKResponder)
	f := NewFirmwareUpgrader(conn, capabilities.Capabilities{})
	err := f.Upgrade(strings.NewReader(""))
	assert.Error(t, err)
}

func TestWriteStreamBacksOffAtWatermark(t *testing.T) {
	blocked := make(chan struct{}, 1)
	responded := make(chan struct{})
	var count int
	conn := newConnWithResponder(t, func(buf []byte, sink transport.ByteSink) {
		count++
		if count == 1 {
			// hold the first response until the test signals it should
			// proceed, simulating a slow device.
			<-responded
		}
		alwaysOKResponder(buf, sink)
	})

	stream := NewWriteStream(conn, 1, 1024)
	defer stream.Close()

	go func() {
		_, _ = stream.Write(report.Fields{ID: report.KindHostController}, []byte{1})
		_, _ = stream.Write(report.Fields{ID: report.KindHostController}, []byte{2})
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("second write should have blocked on the watermark")
	case <-time.After(100 * time.Millisecond):
	}

	close(responded)
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("second write never unblocked")
	}
}

func TestImageDownloadFallsBackToReportsWithoutFastTransfer(t *testing.T) {
	conn := newConnWithResponder(t, alwaysOKResponder)
	d := NewImageDownloader(conn, capabilities.Capabilities{})
	entry, err := d.Download(make([]byte, 8), uuidtag.Tag{}, 10)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestSequenceDownloadFallsBackToReportsWithoutDMA(t *testing.T) {
	conn := newConnWithResponder(t, alwaysOKResponder)
	d := NewSequenceDownloader(conn, capabilities.Capabilities{})
	err := d.Download(make([]byte, 16), 16, uuidtag.Tag{}, TerminationDescriptor{Action: TerminationHalt})
	require.NoError(t, err)
}

func TestPreconditionsCheckReportsFirstUnmet(t *testing.T) {
	err := Preconditions{RequireFastTransfer: true}.Check(capabilities.Capabilities{})
	assert.Error(t, err)
	assert.NoError(t, Preconditions{}.Check(capabilities.Capabilities{}))
}
