package download

import (
	"encoding/binary"
	"fmt"

	"github.com/isomet/ims-sdk/capabilities"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/store"
	"github.com/isomet/ims-sdk/transport"
	"github.com/isomet/ims-sdk/uuidtag"
)

// Image command opcodes, carried in Fields.Context. Exact values are
// assigned by the device register map, an external collaborator this SDK
// only consumes through MemoryDownload/write-report addressing; these are the host-side symbols that map onto them.
const (
	ctxQueryMSBMode    uint8 = 0x01
	ctxEnableMSBMode   uint8 = 0x02
	ctxAddImageEntry   uint8 = 0x03
	ctxWriteImageWord  uint8 = 0x04
	ctxSetCommonChans  uint8 = 0x05
	ctxSetNumPts       uint8 = 0x06
	ctxWriteImageUUID  uint8 = 0x07
)

// ImageEntry is the local mirror record produced after a successful image
// download, over either the fast-transfer or the per-report path.
type ImageEntry struct {
	UUID  uuidtag.Tag
	Index uint16
	Addr  uint32
}

// ImageDownloader programs one image onto a connected device, choosing the
// bulk channel when the device and payload size qualify, else falling back
// to per-point write reports.
type ImageDownloader struct {
	conn  *engine.Connection
	caps  capabilities.Capabilities
	store *store.Store
}

func NewImageDownloader(conn *engine.Connection, caps capabilities.Capabilities) *ImageDownloader {
	return &ImageDownloader{conn: conn, caps: caps}
}

// WithStore attaches a local image-table mirror; every successful Download
// is recorded there so it survives process restarts.
func (d *ImageDownloader) WithStore(s *store.Store) *ImageDownloader {
	d.store = s
	return d
}

func (d *ImageDownloader) record(entry *ImageEntry) {
	if d.store == nil {
		return
	}
	if err := d.store.PutImage(entry.UUID, entry.Index, entry.Addr); err != nil {
		d.conn.Bus().Trigger(d.conn, event.DownloadError, fmt.Errorf("download: image: mirror to store: %w", err))
	}
}

// Download sends wire (already rendered by an external unit-conversion
// renderer) as one image, tagged by id. points is the point count wire
// encodes, used for the fast-transfer size/capability gate and sent as
// the NumPts value on the per-report path.
func (d *ImageDownloader) Download(wire []byte, id uuidtag.Tag, points uint32) (*ImageEntry, error) {
	d.conn.Bus().Trigger(d.conn, event.DownloadProgress, 0)

	if d.caps.SupportsFastTransferFor(points) {
		if err := (Preconditions{RequireFastTransfer: true}).Check(d.caps); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return nil, err
		}
		return d.downloadFastTransfer(wire, id)
	}
	return d.downloadByReports(wire, id, points)
}

func (d *ImageDownloader) downloadFastTransfer(wire []byte, id uuidtag.Tag) (*ImageEntry, error) {
	_, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxQueryMSBMode}, nil), d.conn.GetTimeouts().Receive)
	if !resp.Done() {
		err := fmt.Errorf("download: image: MSB-mode query failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return nil, err
	}
	if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxEnableMSBMode}, []byte{1}), d.conn.GetTimeouts().Receive); !resp.Done() {
		err := fmt.Errorf("download: image: enable MSB mode failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return nil, err
	}

	addEntryReq := make([]byte, 2)
	binary.LittleEndian.PutUint16(addEntryReq, uint16(len(wire)))
	_, resp = d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxAddImageEntry}, addEntryReq), d.conn.GetTimeouts().Receive)
	if !resp.Done() || len(resp.Payload) < 6 {
		err := fmt.Errorf("download: image: AddEntry failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return nil, err
	}
	index := binary.LittleEndian.Uint16(resp.Payload[0:2])
	addr := binary.LittleEndian.Uint32(resp.Payload[2:6])

	done := make(chan transport.BulkResult, 1)
	job := engine.BulkJob{
		Direction: transport.DirectionDownload,
		Buf:       wire,
		Addr:      addr,
		UUID:      [16]byte(id),
		Done:      func(r transport.BulkResult) { done <- r },
	}
	if err := d.conn.SubmitBulkJob(job); err != nil {
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return nil, err
	}
	result := <-done
	if result.Err != nil {
		d.conn.Bus().Trigger(d.conn, event.DownloadError, result.Err)
		return nil, result.Err
	}

	entry := &ImageEntry{UUID: id, Index: index, Addr: addr}
	d.record(entry)
	d.conn.Bus().Trigger(d.conn, event.DownloadFinished, entry)
	return entry, nil
}

func (d *ImageDownloader) downloadByReports(wire []byte, id uuidtag.Tag, points uint32) (*ImageEntry, error) {
	stream := NewWriteStream(d.conn, 0, 0)
	defer stream.Close()

	const wordLen = 8 // 4 channels x {freq,ampl,phase} packed externally into 8-byte words
	allCommon := pointsShareAllChannels(wire, wordLen)
	if allCommon {
		if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxSetCommonChans}, []byte{1}), d.conn.GetTimeouts().Receive); !resp.Done() {
			err := fmt.Errorf("download: image: set CommonChannels failed")
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return nil, err
		}
	}

	var addr uint32
	sent := 0
	for off := 0; off < len(wire); off += wordLen {
		end := off + wordLen
		if end > len(wire) {
			end = len(wire)
		}
		if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxWriteImageWord, Addr: uint16(addr)}, wire[off:end]); err != nil {
			d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
			return nil, err
		}
		addr++
		sent++
		d.conn.Bus().Trigger(d.conn, event.DownloadProgress, sent)
	}
	stream.Drain()

	numPtsBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(numPtsBuf, points)
	if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxSetNumPts}, numPtsBuf), d.conn.GetTimeouts().Receive); !resp.Done() {
		err := fmt.Errorf("download: image: set NumPts failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return nil, err
	}
	if _, resp := d.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxWriteImageUUID}, id[:]), d.conn.GetTimeouts().Receive); !resp.Done() {
		err := fmt.Errorf("download: image: write UUID failed")
		d.conn.Bus().Trigger(d.conn, event.DownloadError, err)
		return nil, err
	}

	entry := &ImageEntry{UUID: id, Addr: 0}
	d.record(entry)
	d.conn.Bus().Trigger(d.conn, event.DownloadFinished, entry)
	return entry, nil
}

// pointsShareAllChannels reports whether every wordLen-byte point in wire
// is identical, the condition under which CommonChannels mode applies
//.
func pointsShareAllChannels(wire []byte, wordLen int) bool {
	if len(wire) < wordLen {
		return true
	}
	first := wire[:wordLen]
	for off := wordLen; off+wordLen <= len(wire); off += wordLen {
		for i := 0; i < wordLen; i++ {
			if wire[off+i] != first[i] {
				return false
			}
		}
	}
	return true
}
