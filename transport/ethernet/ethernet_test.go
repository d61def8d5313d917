package ethernet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDiscoveryReply(t *testing.T) {
	buf := []byte("SNO: 12345\nMAC: aa:bb:cc:dd:ee:ff\nReqIP: 192.168.1.50\n")
	desc, ok := parseDiscoveryReply(buf)
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.50", desc.Ident)
	assert.Equal(t, "12345", desc.Extra["SNO"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", desc.Extra["MAC"])
}

func TestParseDiscoveryReplyMissingReqIPIsRejected(t *testing.T) {
	buf := []byte("SNO: 12345\n")
	_, ok := parseDiscoveryReply(buf)
	assert.False(t, ok)
}

func TestBroadcastAddr(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("192.168.1.50/24")
	assert.NoError(t, err)
	bcast := broadcastAddr(ipnet)
	assert.Equal(t, "192.168.1.255", bcast.String())
}

func TestMatchesMask(t *testing.T) {
	assert.True(t, matchesMask("192.168.1.50", nil))
	assert.True(t, matchesMask("192.168.1.50", []string{"192.168"}))
	assert.False(t, matchesMask("10.0.0.1", []string{"192.168"}))
}

func TestFilenameForIsLowercase32Hex(t *testing.T) {
	var tag [16]byte
	for i := range tag {
		tag[i] = byte(i)
	}
	name := filenameFor(tag)
	assert.Len(t, name, 32)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", name)
}
