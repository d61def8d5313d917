package engine

import (
	"errors"
	"time"

	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/transport"
)

const senderPollInterval = 100 * time.Millisecond
const timeoutPollInterval = 100 * time.Millisecond

// senderTask dequeues outbound messages and transmits them, re-checking for
// shutdown every senderPollInterval while the registry has nothing queued
//.
func (c *Connection) senderTask() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		msg := c.registry.Dequeue(senderPollInterval)
		if msg == nil {
			continue
		}

		err := c.adapter.SendBytes(msg.Bytes)
		msg.SentAt = time.Now()
		c.registry.MarkInFlight(msg)

		switch {
		case err == nil:
			c.registry.MarkSent(msg)
		case errors.Is(err, transport.ErrWouldBlock):
			c.registry.Retire(msg.Handle, message.StatusTimeoutOnSend, report.Report{})
			c.bus.Trigger(c, event.TimedOutOnSend, msg.Handle)
		default:
			c.registry.Retire(msg.Handle, message.StatusSendError, report.Report{})
			c.bus.Trigger(c, event.SendError, msg.Handle)
		}
	}
}

// reaperTask periodically retires in-flight messages that have waited
// longer than the receive timeout without a response, so every handle
// eventually reaches a terminal status even when the device never answers.
func (c *Connection) reaperTask() {
	defer c.wg.Done()
	ticker := time.NewTicker(timeoutPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			recvTimeout := c.GetTimeouts().Receive
			for _, h := range c.registry.ReapTimedOut(time.Now(), recvTimeout) {
				c.bus.Trigger(c, event.ResponseTimedOut, h)
			}
			c.registry.Sweep(time.Now())
		}
	}
}

// bulkTask serialises bulk transfers one at a time, the "bulk-transfer
// task".
func (c *Connection) bulkTask() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.bulkCh:
			c.runBulkJob(job)
		}
	}
}

func (c *Connection) runBulkJob(job BulkJob) {
	c.mu.Lock()
	if job.Direction == transport.DirectionDownload {
		c.bulkState = BulkDownloading
	} else {
		c.bulkState = BulkUploading
	}
	c.mu.Unlock()

	done := make(chan transport.BulkResult, 1)
	var err error
	if job.Direction == transport.DirectionDownload {
		err = c.adapter.MemoryDownload(job.Buf, job.Addr, job.Index, job.UUID, func(r transport.BulkResult) { done <- r })
	} else {
		err = c.adapter.MemoryUpload(job.Buf, job.Addr, job.Length, job.Index, job.UUID, func(r transport.BulkResult) { done <- r })
	}
	if err != nil {
		c.mu.Lock()
		c.bulkState = BulkIdle
		c.mu.Unlock()
		c.bus.Trigger(c, event.MemoryTransferError, err)
		if job.Done != nil {
			job.Done(transport.BulkResult{Err: err})
		}
		return
	}

	result := <-done
	c.mu.Lock()
	c.bulkState = BulkIdle
	c.mu.Unlock()
	if result.Err != nil {
		c.bus.Trigger(c, event.MemoryTransferError, result.Err)
	} else {
		c.bus.Trigger(c, event.MemoryTransferComplete, result.BytesTransferred)
	}
	if job.Done != nil {
		job.Done(result)
	}
}
