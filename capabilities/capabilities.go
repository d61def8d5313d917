// Package capabilities holds the per-connection Capabilities record,
// queried once per connected device. It is opaque to the core beyond a
// flag source: downloader workers gate their preconditions on it, external
// renderers use it to decide register encodings.
package capabilities

// Capabilities is queried once per connection via the device's capability
// registers and cached for the lifetime of the connection.
type Capabilities struct {
	FrequencyBits uint8
	AmplitudeBits uint8
	PhaseBits     uint8
	LUTDepth      uint32

	MaxImageSizePoints uint32

	FastTransfer         bool
	SimultaneousPlayback bool
	SequenceDMA          bool
	RemoteUpgrade         bool
	ChannelScopeLUT      bool

	// ControllerLite marks the single-image variant: re-downloading an image implicitly replaces the one
	// image slot rather than adding an entry.
	ControllerLite bool

	// SequenceBufferLength is the device's advertised DMA chunk size for
	// fast sequence download, typically 16 MiB.
	SequenceBufferLength uint32
}

// SupportsFastTransferFor reports whether a payload of the given point
// count should use the bulk channel rather than per-report writes
//.
func (c Capabilities) SupportsFastTransferFor(points uint32) bool {
	return c.FastTransfer && points <= 4096
}
