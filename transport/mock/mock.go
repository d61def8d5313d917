// Package mock provides an in-memory transport.Adapter used by engine and
// downloader tests to exercise the sender/receiver/parser pipeline without
// real hardware.
package mock

import (
	"sync"

	"github.com/isomet/ims-sdk/transport"
)

// Adapter is a loopback-capable fake: bytes written via SendBytes are
// handed to a test-installed Responder, which may push bytes back via
// PushBytes on the subscribed sink.
type Adapter struct {
	mu        sync.Mutex
	open      bool
	sink      transport.ByteSink
	timeouts  transport.Timeouts
	Sent      [][]byte
	Responder func(buf []byte, sink transport.ByteSink)
	SendErr   error

	bulkResult transport.BulkResult
}

func New() *Adapter {
	return &Adapter{timeouts: transport.DefaultTimeouts()}
}

func (a *Adapter) Ident() string { return "mock" }

func (a *Adapter) Discover(portMask []string) ([]transport.Descriptor, error) {
	return []transport.Descriptor{{Adapter: "mock", Ident: "mock-0"}}, nil
}

func (a *Adapter) Connect(ident string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = true
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	return nil
}

func (a *Adapter) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *Adapter) SendBytes(buf []byte) error {
	a.mu.Lock()
	a.Sent = append(a.Sent, append([]byte{}, buf...))
	sink := a.sink
	responder := a.Responder
	sendErr := a.SendErr
	a.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if responder != nil && sink != nil {
		responder(buf, sink)
	}
	return nil
}

func (a *Adapter) Subscribe(sink transport.ByteSink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
	return nil
}

func (a *Adapter) MemoryDownload(buf []byte, addr uint32, index int, uuid [16]byte, done func(transport.BulkResult)) error {
	go done(a.bulkResult)
	return nil
}

func (a *Adapter) MemoryUpload(out []byte, addr uint32, length int, index int, uuid [16]byte, done func(transport.BulkResult)) error {
	go done(a.bulkResult)
	return nil
}

// SetBulkResult configures the result MemoryDownload/MemoryUpload deliver.
func (a *Adapter) SetBulkResult(r transport.BulkResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bulkResult = r
}

func (a *Adapter) SetTimeouts(t transport.Timeouts) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeouts = t
}

func (a *Adapter) GetTimeouts() transport.Timeouts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeouts
}
