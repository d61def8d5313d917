package engine

import (
	"encoding/binary"
	"time"

	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/report"
)

const dispatchPollInterval = 200 * time.Millisecond

// dispatchTask is the sole reader of q, feeding each byte to p and acting on
// every terminal frame: interrupt frames are turned into a synthetic
// message, everything else is matched to the oldest pending in-flight
// request.
func (c *Connection) dispatchTask(q *byteQueue, p *report.Parser) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		b, ok := q.popOne(dispatchPollInterval)
		if !ok {
			continue
		}
		if p.Feed(b) {
			c.handleFrame(p)
			p.ResetParser()
		}
	}
}

// intrDispatchTask drains the Ethernet interrupt queue through its own
// parser instance, kept independent of the message-channel dispatcher so
// the two byte streams never interleave mid-frame.
func (c *Connection) intrDispatchTask() {
	c.dispatchTask(c.intrq, c.intrParser)
}

func (c *Connection) handleFrame(p *report.Parser) {
	resp := p.Result()
	wireCRCError := p.State() == report.StateCrcError

	if resp.Fields.ID == report.KindInterrupt {
		c.dispatchInterrupt(resp)
		return
	}

	reqKind := resp.Fields.ID.RequestKind()
	msg := c.registry.OldestPendingInFlight(reqKind)
	if msg == nil {
		c.log.WithField("kind", resp.Fields.ID.String()).Debug("engine: response with no matching in-flight message")
		return
	}

	status, kind := classifyResponse(resp, wireCRCError)
	c.registry.Retire(msg.Handle, status, resp)
	c.bus.Trigger(c, kind, msg.Handle)
	c.registry.Sweep(time.Now())
}

// classifyResponse maps one terminal frame to the message status and event
// kind the dispatcher reports.
func classifyResponse(resp report.Report, wireCRCError bool) (message.Status, event.Kind) {
	switch {
	case wireCRCError:
		return message.StatusCrcError, event.ResponseErrorCRC
	case resp.Done():
		return message.StatusComplete, event.ResponseReceived
	case resp.TxCRC():
		return message.StatusCrcError, event.ResponseErrorCRC
	case resp.GeneralError():
		return message.StatusComplete, event.ResponseErrorValid
	default:
		return message.StatusComplete, event.ResponseErrorInvalid
	}
}

// dispatchInterrupt creates a synthetic, already-terminal message for an
// unsolicited device interrupt and publishes it with the encoded value
// (context<<16 | first payload word).
func (c *Connection) dispatchInterrupt(resp report.Report) {
	msg := c.registry.AddSynthetic(message.StatusInterrupt, resp)

	var low16 uint16
	if len(resp.Payload) >= 2 {
		low16 = binary.LittleEndian.Uint16(resp.Payload[:2])
	}
	encoded := uint32(resp.Fields.Context)<<16 | uint32(low16)

	c.bus.Trigger(c, event.InterruptReceived, struct {
		Handle  message.Handle
		Encoded uint32
	}{msg.Handle, encoded})
}
