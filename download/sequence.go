package download

import (
	"encoding/binary"
	"fmt"

	"github.com/isomet/ims-sdk/capabilities"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/transport"
	"github.com/isomet/ims-sdk/uuidtag"
)

// Sequence command opcodes (device register map, external collaborator).
const (
	ctxWriteSeqEntry uint8 = 0x30
	ctxCommitSeq     uint8 = 0x31
)

// TerminationAction is what the device does when sequence playback reaches
// the end of the list.
type TerminationAction uint8

const (
	TerminationDiscard TerminationAction = iota
	TerminationHalt
	TerminationRepeat
	TerminationInsertBefore
)

// TerminationDescriptor commits a downloaded sequence with its end-of-list
// behaviour. Value is the loop count for TerminationRepeat or the entry
// index for TerminationInsertBefore; InsertUUID names the sequence to
// splice in for TerminationInsertBefore and is otherwise ignored.
type TerminationDescriptor struct {
	Action     TerminationAction
	Value      uint32
	InsertUUID uuidtag.Tag
}

func (t TerminationDescriptor) encode() []byte {
	buf := make([]byte, 1+4+16)
	buf[0] = byte(t.Action)
	binary.LittleEndian.PutUint32(buf[1:5], t.Value)
	copy(buf[5:], t.InsertUUID[:])
	return buf
}

// SequenceDownloader serialises a list of already-rendered sequence entries
// into a byte buffer and ships it either via the bulk channel (fast
// sequence DMA) or as a stream of per-entry write reports, then commits
// with a TerminationDescriptor.
type SequenceDownloader struct {
	conn *engine.Connection
	caps capabilities.Capabilities
}

func NewSequenceDownloader(conn *engine.Connection, caps capabilities.Capabilities) *SequenceDownloader {
	return &SequenceDownloader{conn: conn, caps: caps}
}

// Download ships entries (already-rendered fixed-size sequence records
// concatenated into one buffer) under id, then commits with term.
func (d *SequenceDownloader) Download(entries []byte, entrySize int, id uuidtag.Tag, term TerminationDescriptor) error {
	if d.caps.SequenceDMA && d.caps.SequenceBufferLength > 0 {
		if err := (Preconditions{RequireSequenceDMA: true}).Check(d.caps); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return err
		}
		if err := d.downloadViaDMA(entries, id); err != nil {
			return err
		}
	} else if err := d.downloadByReports(entries, entrySize); err != nil {
		return err
	}

	if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxCommitSeq}, term.encode()), d.conn.GetTimeouts().Receive); !resp.Done() {
		err := fmt.Errorf("download: sequence: commit failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return err
	}
	d.conn.Bus().Trigger(d.conn, event.DownloadFinished, len(entries))
	return nil
}

// downloadViaDMA chunks entries to the device's advertised DMA buffer
// length and transfers each chunk over the
// bulk channel in turn.
func (d *SequenceDownloader) downloadViaDMA(entries []byte, id uuidtag.Tag) error {
	chunkLen := int(d.caps.SequenceBufferLength)
	sent := 0
	for off := 0; off < len(entries); off += chunkLen {
		end := off + chunkLen
		if end > len(entries) {
			end = len(entries)
		}
		done := make(chan transport.BulkResult, 1)
		job := engine.BulkJob{
			Direction: transport.DirectionDownload,
			Buf:       entries[off:end],
			UUID:      [16]byte(id),
			Done:      func(r transport.BulkResult) { done <- r },
		}
		if err := d.conn.SubmitBulkJob(job); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return err
		}
		result := <-done
		if result.Err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, result.Err)
			return result.Err
		}
		sent += end - off
		d.conn.Bus().Trigger(d.conn, event.DownloadProgress, sent)
	}
	return nil
}

func (d *SequenceDownloader) downloadByReports(entries []byte, entrySize int) error {
	stream := NewWriteStream(d.conn, 0, 0)
	defer stream.Close()

	sent := 0
	for off, idx := 0, uint16(0); off < len(entries); off, idx = off+entrySize, idx+1 {
		end := off + entrySize
		if end > len(entries) {
			end = len(entries)
		}
		if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxWriteSeqEntry, Addr: idx}, entries[off:end]); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return err
		}
		sent++
		d.conn.Bus().Trigger(d.conn, event.DownloadProgress, sent)
	}
	stream.Drain()
	return nil
}
