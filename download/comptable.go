package download

import (
	"fmt"

	"github.com/isomet/ims-sdk/capabilities"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
)

// Compensation-table command opcodes (device register map, external
// collaborator; see the comment on the image download opcodes).
const (
	ctxSelectLUTScope uint8 = 0x10 // payload: 0=global, 1=channel
	ctxWriteLUTEntry  uint8 = 0x11
)

// LUTScope selects whether a compensation table applies to all channels or
// one specific channel.
type LUTScope struct {
	Global  bool
	Channel uint8 // meaningful only when !Global
}

// CompTableDownloader writes an 8-byte-per-entry compensation lookup table
//.
type CompTableDownloader struct {
	conn *engine.Connection
	caps capabilities.Capabilities
}

func NewCompTableDownloader(conn *engine.Connection, caps capabilities.Capabilities) *CompTableDownloader {
	return &CompTableDownloader{conn: conn, caps: caps}
}

// Download writes entries (each already rendered to its 8-byte wire form
// by an external renderer) under scope.
func (d *CompTableDownloader) Download(entries [][8]byte, scope LUTScope) error {
	pre := Preconditions{RequireChannelScopeLUT: !scope.Global}
	if err := pre.Check(d.caps); err != nil {
		return err
	}

	scopeByte := byte(0)
	if !scope.Global {
		scopeByte = 1
	}
	if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxSelectLUTScope, Addr: uint16(scope.Channel)}, []byte{scopeByte}), d.conn.GetTimeouts().Receive); !resp.Done() {
		err := fmt.Errorf("download: comptable: select scope failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return err
	}

	stream := NewWriteStream(d.conn, 0, 0)
	defer stream.Close()
	for i, entry := range entries {
		buf := entry[:]
		if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxWriteLUTEntry, Addr: uint16(i)}, buf); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return err
		}
		d.conn.Bus().Trigger(d.conn, event.DownloadProgress, i+1)
	}
	stream.Drain()
	d.conn.Bus().Trigger(d.conn, event.DownloadFinished, len(entries))
	return nil
}
