// Package uuidtag converts between the 128-bit UUID tags the device
// protocol uses to identify images, tone buffers, and sequences
// and their 32-character lowercase-hex textual form, which also doubles as
// the TFTP bulk-transfer filename.
package uuidtag

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Tag is a 16-byte device-protocol UUID.
type Tag [16]byte

// New generates a fresh random (v4) tag.
func New() Tag {
	return Tag(uuid.New())
}

// UUIDToStr renders tag as 32 lowercase hex characters, no dashes.
func UUIDToStr(tag Tag) string {
	return hex.EncodeToString(tag[:])
}

// StrToUUID parses the canonical 32-hex-character form back into a Tag.
func StrToUUID(s string) (Tag, error) {
	if len(s) != 32 {
		return Tag{}, fmt.Errorf("uuidtag: expected 32 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Tag{}, fmt.Errorf("uuidtag: %w", err)
	}
	var t Tag
	copy(t[:], raw)
	return t, nil
}
