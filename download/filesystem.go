package download

import (
	"fmt"
	"strings"

	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
)

// File-system-table command opcodes (device register map, external
// collaborator; see the comment on the image download opcodes).
const (
	ctxFSTMagic uint8 = 0x50 // read the 2-byte magic number guarding the table
	ctxFSTRead  uint8 = 0x51 // read table bytes, Addr = byte offset
	ctxFSTWrite uint8 = 0x52 // write table bytes, Addr = byte offset
	ctxFSTExec  uint8 = 0x53 // run the script held by the entry at Addr
)

// MaxFSTEntries bounds the on-device file-system table: a device with more
// compensation tables, tone buffers, DDS scripts and user files than this
// has no more room for additional entries.
const MaxFSTEntries = 32

// entryNameLength is the fixed, space-padded name field width carried in
// the wire encoding of every FSTEntry.
const entryNameLength = 8

// entryWireLength is one FSTEntry's encoded size: 1 type/default byte + 3
// address bytes + 3 length bytes + an 8-byte name.
const entryWireLength = 1 + 3 + 3 + entryNameLength

// fstHeaderLength is the table header: magic + entry count + version + 4
// reserved bytes, preceding the entry array.
const fstHeaderLength = 2 + 2 + 4

// fstTableWireLength is the table's own footprint in device memory; file
// data is always allocated starting at or after this address so a new
// file can never overlap the table that indexes it.
const fstTableWireLength = fstHeaderLength + MaxFSTEntries*entryWireLength

// FSTEntryType names the kind of on-device file an FSTEntry describes.
type FSTEntryType uint8

const (
	FSTNone              FSTEntryType = 0
	FSTCompensationTable FSTEntryType = 1
	FSTToneBuffer        FSTEntryType = 2
	FSTDDSScript         FSTEntryType = 3
	FSTUserData          FSTEntryType = 15
)

func (t FSTEntryType) String() string {
	switch t {
	case FSTNone:
		return "none"
	case FSTCompensationTable:
		return "comptable"
	case FSTToneBuffer:
		return "tonebuffer"
	case FSTDDSScript:
		return "ddsscript"
	case FSTUserData:
		return "userdata"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// FSTEntry is one row of the on-device file-system table: a byte range of
// device memory holding a compensation table, tone buffer, DDS script or
// user-data blob.
type FSTEntry struct {
	Type    FSTEntryType
	Addr    uint32 // 24-bit device address, low 3 bytes significant
	Length  uint32 // 24-bit byte length, low 3 bytes significant
	Default bool
	Name    string
}

func (e FSTEntry) nameBytes() [entryNameLength]byte {
	var buf [entryNameLength]byte
	name := e.Name
	if len(name) > entryNameLength {
		name = name[:entryNameLength]
	}
	copy(buf[:], name)
	for i := len(name); i < entryNameLength; i++ {
		buf[i] = ' '
	}
	return buf
}

func (e FSTEntry) encode() []byte {
	buf := make([]byte, entryWireLength)
	typeByte := byte(e.Type)
	if e.Default {
		typeByte |= 0x80
	}
	buf[0] = typeByte
	buf[1] = byte(e.Addr)
	buf[2] = byte(e.Addr >> 8)
	buf[3] = byte(e.Addr >> 16)
	buf[4] = byte(e.Length)
	buf[5] = byte(e.Length >> 8)
	buf[6] = byte(e.Length >> 16)
	name := e.nameBytes()
	copy(buf[7:], name[:])
	return buf
}

func decodeFSTEntry(buf []byte) FSTEntry {
	e := FSTEntry{
		Type:    FSTEntryType(buf[0] & 0x0F),
		Default: buf[0]&0x80 != 0,
		Addr:    uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16,
		Length:  uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16,
	}
	e.Name = strings.TrimRight(string(buf[7:7+entryNameLength]), " \x00")
	return e
}

// FSTable is the decoded on-device file-system table.
type FSTable struct {
	Version uint8
	Entries []FSTEntry // always len() == MaxFSTEntries; unused slots are FSTNone
}

func newFSTable() FSTable {
	return FSTable{Entries: make([]FSTEntry, MaxFSTEntries)}
}

// CheckNewEntry reports whether fste's address range overlaps no existing,
// occupied entry in t.
func (t FSTable) CheckNewEntry(fste FSTEntry) bool {
	if fste.Length == 0 {
		return true
	}
	refFirst, refLast := fste.Addr, fste.Addr+fste.Length-1
	for _, e := range t.Entries {
		if e.Type == FSTNone {
			continue
		}
		first, last := e.Addr, e.Addr+e.Length-1
		if last < refFirst || first > refLast {
			continue
		}
		return false
	}
	return true
}

// NextFreeEntry returns the index of the first unoccupied slot, or -1 if
// the table is full.
func (t FSTable) NextFreeEntry() int {
	for i, e := range t.Entries {
		if e.Type == FSTNone {
			return i
		}
	}
	return -1
}

// FindFreeSpace finds the first address at or after base large enough for
// size contiguous bytes without overlapping an occupied entry.
func (t FSTable) FindFreeSpace(base uint32, size uint32) (uint32, bool) {
	refFirst, refLast := base, base+size-1
	for i := 0; i <= len(t.Entries); {
		if i == len(t.Entries) {
			return refFirst, true
		}
		e := t.Entries[i]
		if e.Type == FSTNone {
			i++
			continue
		}
		first, last := e.Addr, e.Addr+e.Length-1
		if last < refFirst || first > refLast {
			i++
			continue
		}
		refFirst = last + 1
		refLast = refFirst + size - 1
		i = 0
	}
	return 0, false
}

// IndexByName returns the index of the entry named name, or -1 if none
// matches.
func (t FSTable) IndexByName(name string) int {
	for i, e := range t.Entries {
		if e.Type != FSTNone && e.Name == name {
			return i
		}
	}
	return -1
}

// FileSystem manages the on-device file-system table: listing, adding,
// deleting and running the compensation-table/tone-buffer/DDS-script/
// user-data entries it indexes.
type FileSystem struct {
	conn *engine.Connection
}

func NewFileSystem(conn *engine.Connection) *FileSystem {
	return &FileSystem{conn: conn}
}

func (fs *FileSystem) fail(err error) error {
	fs.conn.Bus().Trigger(fs.conn, event.DownloadError, err)
	return err
}

func (fs *FileSystem) magic() (uint16, error) {
	_, resp := fs.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxFSTMagic}, nil), fs.conn.GetTimeouts().Receive)
	if !resp.Done() || len(resp.Payload) < 2 {
		return 0, fmt.Errorf("download: filesystem: magic number read failed")
	}
	return uint16(resp.Payload[0]) | uint16(resp.Payload[1])<<8, nil
}

// Read reads the on-device file-system table back, validating its header
// magic number against the device; the version byte is kept as read.
func (fs *FileSystem) Read() (FSTable, error) {
	magic, err := fs.magic()
	if err != nil {
		return FSTable{}, fs.fail(err)
	}

	raw := make([]byte, 0, fstTableWireLength)
	for off := 0; off < fstTableWireLength; off += report.PayloadMaxLength {
		end := off + report.PayloadMaxLength
		if end > fstTableWireLength {
			end = fstTableWireLength
		}
		_, resp := fs.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxFSTRead, Addr: uint16(off)}, nil), fs.conn.GetTimeouts().Receive)
		if !resp.Done() {
			return FSTable{}, fs.fail(fmt.Errorf("download: filesystem: table read failed at offset %d", off))
		}
		raw = append(raw, resp.Payload[:min(len(resp.Payload), end-off)]...)
	}
	if len(raw) < fstHeaderLength {
		return FSTable{}, fs.fail(fmt.Errorf("download: filesystem: short table read"))
	}
	if uint16(raw[0])|uint16(raw[1])<<8 != magic {
		return FSTable{}, fs.fail(fmt.Errorf("download: filesystem: magic number mismatch"))
	}

	nEntries := int(raw[2])
	if nEntries > MaxFSTEntries {
		nEntries = MaxFSTEntries
	}
	version := raw[3]

	t := newFSTable()
	t.Version = version
	body := raw[fstHeaderLength:]
	for i := 0; i < nEntries; i++ {
		off := i * entryWireLength
		if off+entryWireLength > len(body) {
			break
		}
		t.Entries[i] = decodeFSTEntry(body[off : off+entryWireLength])
	}
	return t, nil
}

// Program writes t back to the device, recomputing its entry count from
// the last non-empty slot.
func (fs *FileSystem) Program(t FSTable) error {
	buf := make([]byte, 0, fstTableWireLength)
	magic, err := fs.magic()
	if err != nil {
		return fs.fail(err)
	}
	buf = append(buf, byte(magic), byte(magic>>8))
	buf = append(buf, byte(len(t.nonEmptyPrefix())), t.Version)
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF)
	for _, e := range t.Entries {
		buf = append(buf, e.encode()...)
	}

	stream := NewWriteStream(fs.conn, 0, 0)
	defer stream.Close()
	for off := 0; off < len(buf); off += report.PayloadMaxLength {
		end := off + report.PayloadMaxLength
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxFSTWrite, Addr: uint16(off)}, buf[off:end]); err != nil {
			return fs.fail(err)
		}
	}
	stream.Drain()
	fs.conn.Bus().Trigger(fs.conn, event.DownloadFinished, t)
	return nil
}

func (t FSTable) nonEmptyPrefix() []FSTEntry {
	last := -1
	for i, e := range t.Entries {
		if e.Type != FSTNone {
			last = i
		}
	}
	return t.Entries[:last+1]
}

// Delete clears the entry at index, freeing its slot.
func (fs *FileSystem) Delete(index int) error {
	t, err := fs.Read()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(t.Entries) || t.Entries[index].Type == FSTNone {
		return fs.fail(fmt.Errorf("download: filesystem: no entry at index %d", index))
	}
	t.Entries[index] = FSTEntry{}
	return fs.Program(t)
}

// DeleteNamed deletes the entry named name.
func (fs *FileSystem) DeleteNamed(name string) error {
	t, err := fs.Read()
	if err != nil {
		return err
	}
	idx := t.IndexByName(name)
	if idx < 0 {
		return fs.fail(fmt.Errorf("download: filesystem: no entry named %q", name))
	}
	return fs.Delete(idx)
}

// SetDefault marks the entry at index as the default of its type.
func (fs *FileSystem) SetDefault(index int) error {
	return fs.setDefault(index, true)
}

// ClearDefault clears the default flag on the entry at index.
func (fs *FileSystem) ClearDefault(index int) error {
	return fs.setDefault(index, false)
}

func (fs *FileSystem) setDefault(index int, isDefault bool) error {
	t, err := fs.Read()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(t.Entries) || t.Entries[index].Type == FSTNone {
		return fs.fail(fmt.Errorf("download: filesystem: no entry at index %d", index))
	}
	t.Entries[index].Default = isDefault
	return fs.Program(t)
}

// FindSpace returns an address with enough free room for size bytes.
func (fs *FileSystem) FindSpace(baseAddr uint32, size uint32) (uint32, error) {
	t, err := fs.Read()
	if err != nil {
		return 0, err
	}
	addr, ok := t.FindFreeSpace(baseAddr, size)
	if !ok {
		return 0, fs.fail(fmt.Errorf("download: filesystem: no free space for %d bytes", size))
	}
	return addr, nil
}

// Execute runs the script held by the entry at index (a DDS-script
// entry), reporting the device's general-error flag as failure.
func (fs *FileSystem) Execute(index int) error {
	t, err := fs.Read()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(t.Entries) || t.Entries[index].Type == FSTNone {
		return fs.fail(fmt.Errorf("download: filesystem: no entry at index %d", index))
	}
	_, resp := fs.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxFSTExec, Addr: uint16(index)}, nil), fs.conn.GetTimeouts().Receive)
	if !resp.Done() || resp.GeneralError() {
		return fs.fail(fmt.Errorf("download: filesystem: execute index %d failed", index))
	}
	return nil
}

// ExecuteNamed runs the script named name.
func (fs *FileSystem) ExecuteNamed(name string) error {
	t, err := fs.Read()
	if err != nil {
		return err
	}
	idx := t.IndexByName(name)
	if idx < 0 {
		return fs.fail(fmt.Errorf("download: filesystem: no entry named %q", name))
	}
	return fs.Execute(idx)
}

// ReadFile reads back the raw bytes of the entry at index, validating the
// per-file magic number guarding its first two bytes.
func (fs *FileSystem) ReadFile(index int) ([]byte, error) {
	t, err := fs.Read()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(t.Entries) || t.Entries[index].Type == FSTNone {
		return nil, fs.fail(fmt.Errorf("download: filesystem: no entry at index %d", index))
	}
	entry := t.Entries[index]

	magic, err := fs.magic()
	if err != nil {
		return nil, err
	}

	_, resp := fs.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxFSTRead, Addr: uint16(entry.Addr)}, nil), fs.conn.GetTimeouts().Receive)
	if !resp.Done() || len(resp.Payload) < 2 {
		return nil, fs.fail(fmt.Errorf("download: filesystem: file magic read failed"))
	}
	if uint16(resp.Payload[0])|uint16(resp.Payload[1])<<8 != magic {
		return nil, fs.fail(fmt.Errorf("download: filesystem: file magic mismatch at index %d", index))
	}

	fileLen := entry.Length - 2
	data := make([]byte, 0, int(fileLen))
	for off := uint32(0); off < fileLen; off += report.PayloadMaxLength {
		end := off + report.PayloadMaxLength
		if end > fileLen {
			end = fileLen
		}
		_, resp := fs.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxFSTRead, Addr: uint16(entry.Addr + 2 + off)}, nil), fs.conn.GetTimeouts().Receive)
		if !resp.Done() {
			return nil, fs.fail(fmt.Errorf("download: filesystem: file data read failed at offset %d", off))
		}
		data = append(data, resp.Payload[:min(len(resp.Payload), int(end-off))]...)
	}
	return data, nil
}

// WriteFile writes data as a new entry of the given type and name,
// allocating its address with FindSpace and placing it in the table's
// first free slot.
func (fs *FileSystem) WriteFile(entryType FSTEntryType, name string, data []byte) (int, error) {
	t, err := fs.Read()
	if err != nil {
		return -1, err
	}

	addr, err := fs.FindSpace(fstTableWireLength, uint32(len(data))+2)
	if err != nil {
		return -1, err
	}
	candidate := FSTEntry{Type: entryType, Addr: addr, Length: uint32(len(data)) + 2, Name: name}
	if !t.CheckNewEntry(candidate) {
		return -1, fs.fail(fmt.Errorf("download: filesystem: new entry overlaps an existing one"))
	}
	idx := t.NextFreeEntry()
	if idx < 0 {
		return -1, fs.fail(fmt.Errorf("download: filesystem: table is full"))
	}

	magic, err := fs.magic()
	if err != nil {
		return -1, err
	}

	stream := NewWriteStream(fs.conn, 0, 0)
	magicBuf := []byte{byte(magic), byte(magic >> 8)}
	if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxFSTWrite, Addr: uint16(addr)}, magicBuf); err != nil {
		stream.Close()
		return -1, fs.fail(err)
	}
	for off := 0; off < len(data); off += report.PayloadMaxLength {
		end := off + report.PayloadMaxLength
		if end > len(data) {
			end = len(data)
		}
		if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxFSTWrite, Addr: uint16(addr) + 2 + uint16(off)}, data[off:end]); err != nil {
			stream.Close()
			return -1, fs.fail(err)
		}
	}
	stream.Drain()
	stream.Close()

	t.Entries[idx] = candidate
	if err := fs.Program(t); err != nil {
		return -1, err
	}
	return idx, nil
}
