package uuidtag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripStrToUUID(t *testing.T) {
	tag := New()
	s := UUIDToStr(tag)
	assert.Len(t, s, 32)

	back, err := StrToUUID(s)
	require.NoError(t, err)
	assert.Equal(t, tag, back)
}

func TestRoundTripUUIDToStr(t *testing.T) {
	const s = "0123456789abcdeffedcba9876543210"
	tag, err := StrToUUID(s)
	require.NoError(t, err)
	assert.Equal(t, s, UUIDToStr(tag))
}

func TestStrToUUIDRejectsWrongLength(t *testing.T) {
	_, err := StrToUUID("abcd")
	assert.Error(t, err)
}
