// Package telemetry optionally mirrors event-bus lifecycle events onto a
// Redis pub/sub channel for fleet monitoring, following the pattern
// librescoot-bluetooth-service uses to publish device state to Redis.
package telemetry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
)

// Client wraps a Redis connection used to publish connection lifecycle
// telemetry.
type Client struct {
	client  *redis.Client
	ctx     context.Context
	channel string
}

// New connects to addr and verifies reachability with a Ping, publishing
// subsequent events to channel.
func New(addr, password string, db int, channel string) (*Client, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx := context.Background()
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}

	return &Client{client: rc, ctx: ctx, channel: channel}, nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Publish sends a single telemetry line to the configured channel.
func (c *Client) Publish(message string) error {
	return c.client.Publish(c.ctx, c.channel, message).Err()
}

// trackedKinds lists the lifecycle events worth mirroring off-box: device
// open/close, out-of-band interrupts, and bulk transfer completion/error.
// Per-message response events are deliberately excluded — those fire at
// wire speed and would overwhelm a pub/sub channel meant for fleet
// monitoring, not per-frame tracing.
var trackedKinds = []event.Kind{
	event.DeviceOpened,
	event.DeviceClosed,
	event.InterruptReceived,
	event.MemoryTransferComplete,
	event.MemoryTransferError,
	event.DownloadFinished,
	event.DownloadError,
}

func kindName(k event.Kind) string {
	switch k {
	case event.DeviceOpened:
		return "device_opened"
	case event.DeviceClosed:
		return "device_closed"
	case event.InterruptReceived:
		return "interrupt_received"
	case event.MemoryTransferComplete:
		return "memory_transfer_complete"
	case event.MemoryTransferError:
		return "memory_transfer_error"
	case event.DownloadFinished:
		return "download_finished"
	case event.DownloadError:
		return "download_error"
	default:
		return "unknown"
	}
}

// Publisher is the subset of Client's surface Mirror depends on, narrow
// enough to substitute a fake in tests that don't reach a real Redis
// instance.
type Publisher interface {
	Publish(message string) error
}

// Mirror subscribes to bus's lifecycle events for conn and republishes
// each trigger as a "<deviceIdent> <kind> <payload>" line through client,
// which publishes to its own configured channel. Returns an unsubscribe
// func covering every registered handler.
func Mirror(bus *event.Bus, conn *engine.Connection, client Publisher, deviceIdent string) (unsubscribe func()) {
	var cancels []event.Cancel
	for _, kind := range trackedKinds {
		k := kind
		cancel := bus.Subscribe(k, func(sender any, kind event.Kind, payload any) {
			if sender != conn {
				return
			}
			line := fmt.Sprintf("%s %s %v", deviceIdent, kindName(kind), payload)
			_ = client.Publish(line)
		})
		cancels = append(cancels, cancel)
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
