package download

import (
	"fmt"
	"io"
	"time"

	"github.com/isomet/ims-sdk/capabilities"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/store"
)

// Firmware-upgrade command opcodes (device register map, external
// collaborator).
const (
	ctxFwInitialize   uint8 = 0x40
	ctxFwCheckID      uint8 = 0x41
	ctxFwEnterUpgrade uint8 = 0x42
	ctxFwStatus       uint8 = 0x43
	ctxFwWritePage    uint8 = 0x44
	ctxFwVerify       uint8 = 0x45
	ctxFwLeaveUpgrade uint8 = 0x46
)

// Firmware status register bits.
const (
	fwStatusEraseOK   uint8 = 0x01
	fwStatusProgramOK uint8 = 0x02
)

// Granular firmware-upgrade progress events, a subsystem-specific
// extension of the core event kinds.
const (
	FirmwareStarted event.Kind = event.KindUserBase + iota
	FirmwareInitializeOK
	FirmwareCheckIDOK
	FirmwareEnterUpgradeMode
	FirmwareEraseOK
	FirmwareProgramOK
	FirmwareVerifyOK
	FirmwareLeaveUpgradeMode
	FirmwareDone
	FirmwareError
)

const erasePollInterval = 100 * time.Millisecond

// FirmwareUpgrader drives the device through a full firmware upgrade
// sequence, decoding an Intel-hex-like input stream and emitting one
// progress event per stage.
type FirmwareUpgrader struct {
	conn            *engine.Connection
	caps            capabilities.Capabilities
	erasePollBudget time.Duration
	store           *store.Store
	deviceIdent     string
}

func NewFirmwareUpgrader(conn *engine.Connection, caps capabilities.Capabilities) *FirmwareUpgrader {
	return &FirmwareUpgrader{conn: conn, caps: caps, erasePollBudget: 10 * time.Second}
}

// WithCheckpoint attaches a resume checkpoint keyed by deviceIdent: Upgrade
// records bytes sent as it goes and clears the checkpoint on success, so a
// process restart mid-upgrade can be detected (LastCheckpoint) even though
// the upgrade itself always restarts the device-side staged sequence from
// Initialize.
func (f *FirmwareUpgrader) WithCheckpoint(s *store.Store, deviceIdent string) *FirmwareUpgrader {
	f.store = s
	f.deviceIdent = deviceIdent
	return f
}

// LastCheckpoint returns the most recent resume checkpoint for this
// upgrader's device, if one was left behind by an interrupted upgrade.
func (f *FirmwareUpgrader) LastCheckpoint() (*store.FirmwareCheckpoint, bool, error) {
	if f.store == nil {
		return nil, false, nil
	}
	return f.store.LoadFirmwareCheckpoint(f.deviceIdent)
}

func (f *FirmwareUpgrader) saveProgress(bytesSent int, done bool) {
	if f.store == nil {
		return
	}
	err := f.store.SaveFirmwareCheckpoint(store.FirmwareCheckpoint{
		DeviceIdent: f.deviceIdent,
		BytesSent:   bytesSent,
		Done:        done,
	})
	if err != nil {
		f.conn.Bus().Trigger(f.conn, FirmwareError, fmt.Errorf("download: firmware: save checkpoint: %w", err))
	}
}

func (f *FirmwareUpgrader) fail(err error) error {
	f.conn.Bus().Trigger(f.conn, FirmwareError, err)
	return err
}

func (f *FirmwareUpgrader) step(ctx uint8, payload []byte, kind event.Kind) error {
	_, resp := f.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctx}, payload), f.conn.GetTimeouts().Receive)
	if !resp.Done() {
		return f.fail(fmt.Errorf("download: firmware: step 0x%02x failed", ctx))
	}
	f.conn.Bus().Trigger(f.conn, kind, nil)
	return nil
}

// Upgrade reads hexStream (Intel-hex-like, type 0x00 records) and runs the
// full upgrade sequence.
func (f *FirmwareUpgrader) Upgrade(hexStream io.Reader) error {
	if err := (Preconditions{RequireRemoteUpgrade: true}).Check(f.caps); err != nil {
		return f.fail(err)
	}

	f.conn.Bus().Trigger(f.conn, FirmwareStarted, nil)

	if err := f.step(ctxFwInitialize, nil, FirmwareInitializeOK); err != nil {
		return err
	}
	if err := f.step(ctxFwCheckID, nil, FirmwareCheckIDOK); err != nil {
		return err
	}
	if err := f.step(ctxFwEnterUpgrade, nil, FirmwareEnterUpgradeMode); err != nil {
		return err
	}
	if err := f.waitEraseOK(); err != nil {
		return err
	}

	blocks, err := DecodeIntelHex(hexStream)
	if err != nil {
		return f.fail(err)
	}

	stream := NewWriteStream(f.conn, 0, 0)
	defer stream.Close()
	sent := 0
	for _, block := range blocks {
		padded := PadTo16(block.Data)
		for off := 0; off < len(padded); off += report.PayloadMaxLength {
			end := off + report.PayloadMaxLength
			if end > len(padded) {
				end = len(padded)
			}
			addr := block.Addr + uint32(off)
			if _, err := stream.Write(report.Fields{ID: report.KindHostController, Context: ctxFwWritePage, Addr: uint16(addr)}, padded[off:end]); err != nil {
				return f.fail(err)
			}
			sent += end - off
			f.saveProgress(sent, false)
			f.conn.Bus().Trigger(f.conn, event.DownloadProgress, sent)
		}
	}
	stream.Drain()
	f.conn.Bus().Trigger(f.conn, FirmwareProgramOK, nil)

	if err := f.step(ctxFwVerify, nil, FirmwareVerifyOK); err != nil {
		return err
	}
	if err := f.step(ctxFwLeaveUpgrade, nil, FirmwareLeaveUpgradeMode); err != nil {
		return err
	}

	f.saveProgress(sent, true)
	if f.store != nil {
		f.store.ClearFirmwareCheckpoint(f.deviceIdent)
	}
	f.conn.Bus().Trigger(f.conn, FirmwareDone, nil)
	return nil
}

// waitEraseOK polls the status register until EraseOK is set and
// ProgramOK is clear, or erasePollBudget elapses.
func (f *FirmwareUpgrader) waitEraseOK() error {
	deadline := time.Now().Add(f.erasePollBudget)
	for {
		_, resp := f.conn.SendMsgBlocking(report.New(report.Fields{ID: report.KindHostController, Context: ctxFwStatus}, nil), f.conn.GetTimeouts().Receive)
		if resp.Done() && len(resp.Payload) >= 1 {
			status := resp.Payload[0]
			if status&fwStatusEraseOK != 0 && status&fwStatusProgramOK == 0 {
				f.conn.Bus().Trigger(f.conn, FirmwareEraseOK, nil)
				return nil
			}
		}
		if !time.Now().Before(deadline) {
			return f.fail(fmt.Errorf("download: firmware: erase did not complete within budget"))
		}
		time.Sleep(erasePollInterval)
	}
}
