package report

// Serialize emits the wire form of r: ID, HDR, CTX, LEN (LE), ADDR (LE),
// PAYLOAD, CRC16 (LE) computed over every preceding byte. The payload is
// clamped to PayloadMaxLength; LEN always reflects the clamped length.
func Serialize(r Report) []byte {
	payload := r.Payload
	if len(payload) > PayloadMaxLength {
		payload = payload[:PayloadMaxLength]
	}
	buf := make([]byte, 0, OverheadMaxLength+len(payload))
	buf = append(buf, byte(r.Fields.ID), r.Fields.Hdr, r.Fields.Context)
	length := uint16(len(payload))
	buf = append(buf, byte(length), byte(length>>8))
	buf = append(buf, byte(r.Fields.Addr), byte(r.Fields.Addr>>8))
	buf = append(buf, payload...)

	crc := Checksum16(buf)
	buf = append(buf, byte(crc), byte(crc>>8))
	return buf
}
