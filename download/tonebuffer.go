package download

import (
	"fmt"

	"github.com/isomet/ims-sdk/capabilities"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
)

// Tone-buffer command opcodes (device register map, external collaborator).
const (
	ctxWriteProgTone uint8 = 0x20
	ctxIndexLTBSlot  uint8 = 0x21
)

// ToneBufferDownloader writes tone-buffer entries into the synth's "prog
// tone" register and indexes them into an LTB slot. Each entry is already rendered by an external renderer to
// its 4-channel x {freq,ampl,phase} wire form.
type ToneBufferDownloader struct {
	conn *engine.Connection
	caps capabilities.Capabilities
}

func NewToneBufferDownloader(conn *engine.Connection, caps capabilities.Capabilities) *ToneBufferDownloader {
	return &ToneBufferDownloader{conn: conn, caps: caps}
}

// Download writes entries in order, then indexes them into slot.
func (d *ToneBufferDownloader) Download(entries [][]byte, slot uint16) error {
	if err := (Preconditions{RequireSimultaneousPlayback: true}).Check(d.caps); err != nil {
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return err
	}

	stream := NewWriteStream(d.conn, 0, 0)
	defer stream.Close()

	for i, entry := range entries {
		if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxWriteProgTone, Addr: uint16(i)}, entry); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return err
		}
		d.conn.Bus().Trigger(d.conn, event.DownloadProgress, i+1)
	}
	stream.Drain()

	slotBuf := []byte{byte(slot), byte(slot >> 8)}
	if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxIndexLTBSlot}, slotBuf), d.conn.GetTimeouts().Receive); !resp.Done() {
		err := fmt.Errorf("download: tonebuffer: index LTB slot failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return err
	}
	d.conn.Bus().Trigger(d.conn, event.DownloadFinished, len(entries))
	return nil
}
