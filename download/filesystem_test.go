package download

import (
	"testing"

	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFSTDevice backs a mock responder with a flat byte-addressable memory
// large enough to hold the file-system table and a handful of file entries,
// mimicking the on-device EEPROM region the table and its files share.
type fakeFSTDevice struct {
	magic uint16
	mem   []byte
}

func newFakeFSTDevice() *fakeFSTDevice {
	d := &fakeFSTDevice{magic: 0xBEEF, mem: make([]byte, 4096)}
	d.mem[0] = byte(d.magic)
	d.mem[1] = byte(d.magic >> 8)
	d.mem[4] = 0xFF // 4 reserved bytes, as the real header leaves them
	d.mem[5] = 0xFF
	d.mem[6] = 0xFF
	d.mem[7] = 0xFF
	return d
}

func (d *fakeFSTDevice) respond(buf []byte, sink transport.ByteSink) {
	p := report.NewParser()
	for _, b := range buf {
		p.Feed(b)
	}
	req := p.Result()

	switch req.Fields.Context {
	case ctxFSTMagic:
		payload := []byte{byte(d.magic), byte(d.magic >> 8)}
		resp := report.New(report.Fields{ID: report.KindDeviceController, Hdr: report.FlagDataOK, Context: req.Fields.Context}, payload)
		sink.PushBytes(report.Serialize(resp))
	case ctxFSTRead:
		off := int(req.Fields.Addr)
		end := off + report.PayloadMaxLength
		if end > len(d.mem) {
			end = len(d.mem)
		}
		resp := report.New(report.Fields{ID: report.KindDeviceController, Hdr: report.FlagDataOK, Context: req.Fields.Context}, d.mem[off:end])
		sink.PushBytes(report.Serialize(resp))
	case ctxFSTWrite:
		off := int(req.Fields.Addr)
		copy(d.mem[off:], req.Payload)
		resp := report.New(report.Fields{ID: report.KindDeviceController, Hdr: report.FlagDataOK, Context: req.Fields.Context}, nil)
		sink.PushBytes(report.Serialize(resp))
	case ctxFSTExec:
		idx := int(req.Fields.Addr)
		entryOff := fstHeaderLength + idx*entryWireLength
		hdr := report.FlagDataOK
		if d.mem[entryOff]&0x0F == 0 {
			hdr |= report.FlagErrorGeneral
		}
		resp := report.New(report.Fields{ID: report.KindDeviceController, Hdr: hdr, Context: req.Fields.Context}, nil)
		sink.PushBytes(report.Serialize(resp))
	default:
		resp := report.New(report.Fields{ID: report.KindDeviceController, Hdr: report.FlagDataOK, Context: req.Fields.Context}, nil)
		sink.PushBytes(report.Serialize(resp))
	}
}

func TestFileSystemReadEmptyTable(t *testing.T) {
	device := newFakeFSTDevice()
	conn := newConnWithResponder(t, device.respond)

	fs := NewFileSystem(conn)
	table, err := fs.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, table.NextFreeEntry())
	assert.Equal(t, -1, table.IndexByName("anything"))
}

func TestFileSystemWriteFileThenReadBack(t *testing.T) {
	device := newFakeFSTDevice()
	conn := newConnWithResponder(t, device.respond)
	fs := NewFileSystem(conn)

	data := []byte("hello, synth user data")
	idx, err := fs.WriteFile(FSTUserData, "notes", data)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, 0)

	table, err := fs.Read()
	require.NoError(t, err)
	assert.Equal(t, idx, table.IndexByName("notes"))
	assert.Equal(t, FSTUserData, table.Entries[idx].Type)

	readBack, err := fs.ReadFile(idx)
	require.NoError(t, err)
	assert.Equal(t, data, readBack)
}

func TestFileSystemDeleteFreesSlot(t *testing.T) {
	device := newFakeFSTDevice()
	conn := newConnWithResponder(t, device.respond)
	fs := NewFileSystem(conn)

	idx, err := fs.WriteFile(FSTUserData, "scratch", []byte{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, fs.Delete(idx))

	table, err := fs.Read()
	require.NoError(t, err)
	assert.Equal(t, FSTNone, table.Entries[idx].Type)
	assert.Equal(t, -1, table.IndexByName("scratch"))
}

func TestFileSystemSetAndClearDefault(t *testing.T) {
	device := newFakeFSTDevice()
	conn := newConnWithResponder(t, device.respond)
	fs := NewFileSystem(conn)

	idx, err := fs.WriteFile(FSTDDSScript, "boot", []byte{0xAA, 0xBB})
	require.NoError(t, err)

	require.NoError(t, fs.SetDefault(idx))
	table, err := fs.Read()
	require.NoError(t, err)
	assert.True(t, table.Entries[idx].Default)

	require.NoError(t, fs.ClearDefault(idx))
	table, err = fs.Read()
	require.NoError(t, err)
	assert.False(t, table.Entries[idx].Default)
}

func TestFileSystemExecuteFailsOnEmptySlot(t *testing.T) {
	device := newFakeFSTDevice()
	conn := newConnWithResponder(t, device.respond)
	fs := NewFileSystem(conn)

	err := fs.Execute(3)
	assert.Error(t, err)
}

func TestFileSystemExecuteNamedRunsOccupiedSlot(t *testing.T) {
	device := newFakeFSTDevice()
	conn := newConnWithResponder(t, device.respond)
	fs := NewFileSystem(conn)

	_, err := fs.WriteFile(FSTDDSScript, "startup", []byte{1})
	require.NoError(t, err)

	assert.NoError(t, fs.ExecuteNamed("startup"))
}

func TestFSTableCheckNewEntryRejectsOverlap(t *testing.T) {
	table := newFSTable()
	table.Entries[0] = FSTEntry{Type: FSTToneBuffer, Addr: 1000, Length: 100, Name: "tb0"}

	assert.False(t, table.CheckNewEntry(FSTEntry{Addr: 1050, Length: 10}))
	assert.True(t, table.CheckNewEntry(FSTEntry{Addr: 1100, Length: 10}))
}

func TestFSTableFindFreeSpaceSkipsOccupiedRanges(t *testing.T) {
	table := newFSTable()
	table.Entries[0] = FSTEntry{Type: FSTToneBuffer, Addr: 0, Length: 50}

	addr, ok := table.FindFreeSpace(0, 20)
	require.True(t, ok)
	assert.Equal(t, uint32(50), addr)
}
