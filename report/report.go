// Package report implements the framed binary command/response protocol
// spoken between the host SDK and an iMS instrument: serialisation with a
// trailing CRC-16, and an incremental byte-at-a-time parser for the device's
// reply stream.
package report

import "fmt"

// Kind is the one-byte frame tag.
type Kind uint8

const (
	KindHostSynth       Kind = 1
	KindDeviceSynth     Kind = 2
	KindHostController  Kind = 4
	KindDeviceController Kind = 5
	KindInterrupt       Kind = 73
	KindNull            Kind = 255
)

func (k Kind) String() string {
	switch k {
	case KindHostSynth:
		return "host->synth"
	case KindDeviceSynth:
		return "device->synth"
	case KindHostController:
		return "host->controller"
	case KindDeviceController:
		return "device->controller"
	case KindInterrupt:
		return "interrupt"
	case KindNull:
		return "null"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsDeviceOriginated reports whether this kind can legally begin a
// device->host frame, i.e. whether the parser should leave its idle state
// on seeing this byte.
func (k Kind) IsDeviceOriginated() bool {
	switch k {
	case KindDeviceSynth, KindDeviceController, KindInterrupt:
		return true
	default:
		return false
	}
}

// RequestKind returns the host-originated kind a device-originated response
// of k answers, or KindNull if k has no request counterpart (e.g.
// KindInterrupt, which is unsolicited).
func (k Kind) RequestKind() Kind {
	switch k {
	case KindDeviceSynth:
		return KindHostSynth
	case KindDeviceController:
		return KindHostController
	default:
		return KindNull
	}
}

// Device header flag bits (device->host only).
const (
	FlagHardwareAlarm uint8 = 0x80
	FlagDataOK        uint8 = 0x40
	FlagErrorGeneral  uint8 = 0x20
	FlagNHFTimeout    uint8 = 0x10
)

// PayloadMaxLength and OverheadMaxLength mirror the original IOReport
// constants: at most 64 payload bytes, 9 bytes of framing overhead
// (ID, HDR, CTX, 2×LEN, 2×ADDR) plus the 2-byte trailing CRC.
const (
	PayloadMaxLength  = 64
	OverheadMaxLength = 9
	MaxFrameLength    = OverheadMaxLength + PayloadMaxLength
)

// Fields are the fixed-size header fields common to every report.
type Fields struct {
	ID      Kind
	Hdr     uint8
	Context uint8
	Addr    uint16
}

// Report is one framed command or response.
type Report struct {
	Fields  Fields
	Payload []byte
}

// New builds a Report, clamping the payload to PayloadMaxLength as the wire
// format mandates.
func New(fields Fields, payload []byte) Report {
	if len(payload) > PayloadMaxLength {
		payload = payload[:PayloadMaxLength]
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Report{Fields: fields, Payload: buf}
}

// Len is the LEN field value that will be serialised: the payload length.
func (r Report) Len() uint16 {
	return uint16(len(r.Payload))
}

// TxCRC reports whether the device flagged the error as a CRC mismatch
// rather than a general error (HDR bit 0x20 clear, data-OK bit clear).
func (r Report) TxCRC() bool {
	return r.Fields.Hdr&FlagDataOK == 0 && r.Fields.Hdr&FlagErrorGeneral == 0
}

// GeneralError reports whether the device-OK bit is clear and the frame is
// a general (non-CRC-specific) error.
func (r Report) GeneralError() bool {
	return r.Fields.Hdr&FlagDataOK == 0 && r.Fields.Hdr&FlagErrorGeneral != 0
}

// HardwareAlarm reports the alarm bit.
func (r Report) HardwareAlarm() bool {
	return r.Fields.Hdr&FlagHardwareAlarm != 0
}

// TxTimeout reports the NHF ("no host found") watchdog bit.
func (r Report) TxTimeout() bool {
	return r.Fields.Hdr&FlagNHFTimeout != 0
}

// Done reports whether the frame carries a successful, complete response:
// the device set the data-OK bit. The alarm and NHF bits are not consulted.
func (r Report) Done() bool {
	return r.Fields.Hdr&FlagDataOK != 0
}
