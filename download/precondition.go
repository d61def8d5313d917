// Package download implements the C7 downloader/verifier workers, one per
// payload family (image, compensation table, tone buffer,
// sequence, firmware), each turning a domain object into a sequence of
// reports and/or a bulk transfer, driving the engine and surfacing
// progress events.
package download

import (
	"fmt"

	"github.com/isomet/ims-sdk/capabilities"
)

// Preconditions names the capability flags a worker requires before it
// will start.
type Preconditions struct {
	RequireFastTransfer         bool
	RequireSimultaneousPlayback bool
	RequireSequenceDMA          bool
	RequireRemoteUpgrade        bool
	RequireChannelScopeLUT      bool
}

// Check reports the first unmet requirement against caps, or nil if all
// required capabilities are present.
func (p Preconditions) Check(caps capabilities.Capabilities) error {
	switch {
	case p.RequireFastTransfer && !caps.FastTransfer:
		return fmt.Errorf("download: device does not support fast transfer")
	case p.RequireSimultaneousPlayback && !caps.SimultaneousPlayback:
		return fmt.Errorf("download: device does not support simultaneous playback")
	case p.RequireSequenceDMA && !caps.SequenceDMA:
		return fmt.Errorf("download: device does not support sequence DMA")
	case p.RequireRemoteUpgrade && !caps.RemoteUpgrade:
		return fmt.Errorf("download: device does not support remote firmware upgrade")
	case p.RequireChannelScopeLUT && !caps.ChannelScopeLUT:
		return fmt.Errorf("download: device does not support channel-scope LUTs")
	default:
		return nil
	}
}
