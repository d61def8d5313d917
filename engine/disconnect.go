package engine

import (
	"fmt"
	"time"

	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/report"
)

// drainPollInterval is how often Disconnect re-checks the outbound queue
// and in-flight set while waiting for them to empty.
const drainPollInterval = 20 * time.Millisecond

// disableInterruptsContext is the sentinel CTX byte the device recognises
// as "stop sending interrupt frames", sent once at the start of a graceful
// disconnect so no more unsolicited frames arrive mid-teardown.
const disableInterruptsContext = 0xFF

// Disconnect runs the graceful disconnect protocol: send a
// disable-interrupts report, drain the outbound queue, wait for every
// in-flight message to reach a terminal status, flip DeviceIsOpen false,
// stop and join every task, then close the underlying adapter. Idempotent:
// a second call after the first completes returns nil immediately.
func (c *Connection) Disconnect(drainTimeout time.Duration) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	disableIntr := report.New(report.Fields{ID: report.KindHostController, Context: disableInterruptsContext}, nil)
	c.SendMsg(disableIntr)

	deadline := time.Now().Add(drainTimeout)
	for c.registry.OutboundLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}
	for len(c.registry.PendingInFlight()) > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}
	if pending := c.registry.PendingInFlight(); len(pending) > 0 {
		c.log.WithField("pending", len(pending)).Warn("engine: disconnect timed out with in-flight messages still pending")
	}

	c.mu.Lock()
	c.open = false
	c.closed = true
	c.mu.Unlock()

	c.registry.Close()
	close(c.stopCh)
	c.wg.Wait()

	if err := c.adapter.Disconnect(); err != nil {
		return fmt.Errorf("engine: disconnect: %w", err)
	}
	c.bus.Trigger(c, event.DeviceClosed, nil)
	return nil
}
