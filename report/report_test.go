package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, p *Parser, buf []byte) {
	t.Helper()
	for i, b := range buf {
		terminal := p.Feed(b)
		if i < len(buf)-1 {
			require.False(t, terminal, "parser terminated early at byte %d", i)
		} else {
			require.True(t, terminal, "parser did not terminate on last byte")
		}
	}
}

func TestRoundTripSmallPayload(t *testing.T) {
	r := New(Fields{ID: KindDeviceSynth, Hdr: 0x40, Context: 3, Addr: 0x1234}, []byte{0xAA, 0xBB, 0xCC})
	buf := Serialize(r)
	require.LessOrEqual(t, len(buf), MaxFrameLength)

	p := NewParser()
	feedAll(t, p, buf)
	assert.Equal(t, StateComplete, p.State())
	got := p.Result()
	assert.Equal(t, r.Fields, got.Fields)
	assert.Equal(t, r.Payload, got.Payload)
}

func TestRoundTripZeroLengthPayload(t *testing.T) {
	r := New(Fields{ID: KindDeviceController, Hdr: 0x40, Addr: 0}, nil)
	buf := Serialize(r)
	p := NewParser()
	for i, b := range buf {
		terminal := p.Feed(b)
		// Zero-length payload: parser must transition directly from
		// AddrHi to CrcLo, i.e. terminate exactly after the CRC bytes
		// with no Data state visited.
		if i == len(buf)-1 {
			assert.True(t, terminal)
		}
	}
	assert.Equal(t, StateComplete, p.State())
	assert.Empty(t, p.Result().Payload)
}

func TestPayloadTruncatedTo64(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	r := New(Fields{ID: KindDeviceSynth, Hdr: 0x40}, big)
	assert.Len(t, r.Payload, PayloadMaxLength)
	assert.Equal(t, uint16(PayloadMaxLength), r.Len())

	buf := Serialize(r)
	assert.Equal(t, MaxFrameLength, len(buf))
}

func TestSingleBitMutationCausesCRCError(t *testing.T) {
	r := New(Fields{ID: KindDeviceSynth, Hdr: 0x40, Addr: 7}, []byte{1, 2, 3, 4})
	buf := Serialize(r)
	buf[len(buf)-1] ^= 0x01

	p := NewParser()
	var terminal bool
	for _, b := range buf {
		terminal = p.Feed(b)
	}
	assert.True(t, terminal)
	assert.Equal(t, StateCrcError, p.State())
}

func TestTxCRCAndGeneralErrorPolarity(t *testing.T) {
	// DataOK clear, general-error bit clear: a CRC-specific error.
	crcReport := Report{Fields: Fields{Hdr: 0}}
	assert.True(t, crcReport.TxCRC())
	assert.False(t, crcReport.GeneralError())

	// DataOK clear, general-error bit set: a general error, not CRC-specific.
	generalReport := Report{Fields: Fields{Hdr: FlagErrorGeneral}}
	assert.False(t, generalReport.TxCRC())
	assert.True(t, generalReport.GeneralError())
}

func TestIdleUnexpectedCharIsDiscarded(t *testing.T) {
	p := NewParser()
	terminal := p.Feed(0x99) // not a known response kind
	assert.False(t, terminal)
	assert.Equal(t, StateIdleUnexpectedChar, p.State())

	// A subsequent valid kind byte recovers normal parsing.
	terminal = p.Feed(byte(KindInterrupt))
	assert.False(t, terminal)
	assert.Equal(t, StateHdr, p.State())
}

// Serialise a register read.
func TestScenarioSerialiseRegisterRead(t *testing.T) {
	r := New(Fields{ID: KindHostSynth, Hdr: 0x87, Context: 0, Addr: 0x0000}, nil)
	buf := Serialize(r)
	require.Len(t, buf, 9)
	crc := Checksum16(buf[:7])
	expected := []byte{0x01, 0x87, 0x00, 0x00, 0x00, 0x00, 0x00, byte(crc), byte(crc >> 8)}
	assert.Equal(t, expected, buf)
}

// Parse a 2-byte response.
func TestScenarioParseTwoByteResponse(t *testing.T) {
	header := []byte{0x02, 0x40, 0x00, 0x02, 0x00, 0x00, 0x00, 0xAA, 0xBB}
	crc := Checksum16(header)
	stream := append(append([]byte{}, header...), byte(crc), byte(crc>>8))

	p := NewParser()
	feedAll(t, p, stream)
	assert.Equal(t, StateComplete, p.State())
	got := p.Result()
	assert.Equal(t, KindDeviceSynth, got.Fields.ID)
	assert.Equal(t, uint8(0x40), got.Fields.Hdr)
	assert.Equal(t, uint16(0), got.Fields.Addr)
	assert.Equal(t, []byte{0xAA, 0xBB}, got.Payload)
	assert.False(t, got.GeneralError())
	assert.False(t, got.TxCRC())
}

// CRC-error path, last byte flipped.
func TestScenarioCRCErrorPath(t *testing.T) {
	header := []byte{0x02, 0x40, 0x00, 0x02, 0x00, 0x00, 0x00, 0xAA, 0xBB}
	crc := Checksum16(header)
	stream := append(append([]byte{}, header...), byte(crc), byte(crc>>8)^0xFF)

	p := NewParser()
	var terminal bool
	for _, b := range stream {
		terminal = p.Feed(b)
	}
	assert.True(t, terminal)
	assert.Equal(t, StateCrcError, p.State())
}

func TestMaxFrameLength(t *testing.T) {
	assert.Equal(t, 73, MaxFrameLength)
}
