// Package engine implements the per-connection engine: the
// cooperating sender, parser/dispatcher, bulk-transfer and (Ethernet only)
// interrupt-receiver tasks that sit between a transport.Adapter and the
// message registry/event bus, plus the graceful disconnect protocol.
//
// The task split mirrors a bus/network pairing: one task drives the
// adapter's frame I/O while another owns requests queued against it; here
// Connection drives one adapter's byte I/O while Registry owns the
// messages queued against it.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/report"
	"github.com/isomet/ims-sdk/transport"
	log "github.com/sirupsen/logrus"
)

// BulkState is the bulk-transfer task's current activity.
type BulkState uint8

const (
	BulkIdle BulkState = iota
	BulkDownloading
	BulkUploading
)

// BulkJob describes one bulk transfer handed to the bulk-transfer task.
type BulkJob struct {
	Direction transport.Direction
	Buf       []byte // download source / upload destination
	Addr      uint32
	Index     int
	UUID      [16]byte
	Length    int // upload only
	Done      func(transport.BulkResult)
}

// Connection wires one adapter to a message registry and event bus and
// runs its background tasks. Create with New, start with Start,
// stop with Disconnect.
type Connection struct {
	adapter  transport.Adapter
	registry *message.Registry
	bus      *event.Bus

	mu         sync.Mutex
	open       bool
	closed     bool
	timeouts   transport.Timeouts
	parser     *report.Parser
	intrParser *report.Parser
	bulkState  BulkState

	rxq    *byteQueue
	intrq  *byteQueue
	bulkCh chan BulkJob
	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *log.Entry
}

// New builds a Connection over adapter, using registry for message
// lifecycle and bus for event dispatch. The connection is not yet running;
// call Start after adapter.Connect has succeeded.
func New(adapter transport.Adapter, registry *message.Registry, bus *event.Bus) *Connection {
	return &Connection{
		adapter:    adapter,
		registry:   registry,
		bus:        bus,
		timeouts:   adapter.GetTimeouts(),
		parser:     report.NewParser(),
		intrParser: report.NewParser(),
		rxq:        newByteQueue(),
		intrq:      newByteQueue(),
		bulkCh:     make(chan BulkJob, 1),
		stopCh:     make(chan struct{}),
		log:        log.WithField("adapter", adapter.Ident()),
	}
}

// DeviceIsOpen reports the connection's open/closed invariant: false until
// Start succeeds, true until Disconnect completes, false forever after
//.
func (c *Connection) DeviceIsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Start subscribes the connection to the adapter's byte stream and launches
// the sender, parser/dispatcher and bulk-transfer tasks. The interrupt
// receiver task (Ethernet only) is driven by the adapter's own accept loop
// calling PushInterruptBytes; the interrupt dispatcher started here just
// drains whatever lands in that queue.
func (c *Connection) Start() error {
	c.mu.Lock()
	if c.open || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	c.open = true
	c.mu.Unlock()

	if err := c.adapter.Subscribe(c); err != nil {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		return fmt.Errorf("engine: subscribe: %w", err)
	}

	c.wg.Add(5)
	go c.senderTask()
	go c.dispatchTask(c.rxq, c.parser)
	go c.intrDispatchTask()
	go c.bulkTask()
	go c.reaperTask()

	c.bus.Trigger(c, event.DeviceOpened, nil)
	return nil
}

// PushBytes implements transport.ByteSink: bytes arriving on the message
// channel are queued for the parser/dispatcher task.
func (c *Connection) PushBytes(buf []byte) {
	c.rxq.push(buf)
}

// PushInterruptBytes implements transport.InterruptSink: bytes arriving on
// the Ethernet-only out-of-band interrupt channel get their own queue and
// parser so they can never interleave mid-frame with message-channel bytes
//.
func (c *Connection) PushInterruptBytes(buf []byte) {
	c.intrq.push(buf)
}

// SendMsg enqueues r for asynchronous transmission, returning the handle
// the caller polls or waits on.
func (c *Connection) SendMsg(r report.Report) message.Handle {
	return c.registry.Enqueue(r)
}

// SendMsgBlocking enqueues r and blocks until the resulting message reaches
// a terminal status or timeout elapses, then returns its response.
func (c *Connection) SendMsgBlocking(r report.Report, timeout time.Duration) (message.Handle, report.Report) {
	h := c.registry.Enqueue(r)
	resp := c.registry.WaitBlocking(h, timeout)
	return h, resp
}

// SubmitBulkJob hands one transfer to the bulk-transfer task. One job may
// wait while another transfer runs; returns transport.ErrWouldBlock if a
// job is already waiting.
func (c *Connection) SubmitBulkJob(job BulkJob) error {
	select {
	case c.bulkCh <- job:
		return nil
	default:
		return transport.ErrWouldBlock
	}
}

// Bus returns the connection's event bus, for subsystems (verify,
// download) that need to subscribe to message lifecycle events.
func (c *Connection) Bus() *event.Bus { return c.bus }

// Registry returns the connection's message registry, for subsystems that
// need to poll status/response or wait on a handle without going through
// SendMsgBlocking.
func (c *Connection) Registry() *message.Registry { return c.registry }

func (c *Connection) BulkState() BulkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bulkState
}

func (c *Connection) SetTimeouts(t transport.Timeouts) {
	c.mu.Lock()
	c.timeouts = t
	c.mu.Unlock()
	c.adapter.SetTimeouts(t)
}

func (c *Connection) GetTimeouts() transport.Timeouts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeouts
}
