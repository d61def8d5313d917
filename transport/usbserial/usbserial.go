// Package usbserial implements the USB-serial transport variant: devices
// enumerate as CDC-ACM serial ports but are discovered by
// walking the raw USB device list and matching a vendor ID plus a
// serial-number prefix, walking hardware directly instead of trusting the
// OS's port-name race. Once
// identified, the actual byte stream runs over the OS serial port.
package usbserial

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/isomet/ims-sdk/transport"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

func init() {
	transport.Register("usbserial", New)
}

// DefaultVendorID is the iMS family's USB vendor ID used to filter
// discovery; New sets it on every Bus.
const DefaultVendorID = gousb.ID(0x0403) // FTDI, matching the CM_FTDI firmware family

// Bus is the USB-serial Adapter implementation.
type Bus struct {
	mu       sync.Mutex
	vendorID gousb.ID
	port     serial.Port
	portName string
	open     bool
	timeouts transport.Timeouts
	sink     transport.ByteSink
	stopCh   chan struct{}
	wg       sync.WaitGroup

	lastErr string
}

// New constructs a USB-serial adapter. channel, if non-empty, pins the
// adapter to one OS serial port path (e.g. "/dev/ttyUSB0") and skips USB
// enumeration for Connect (Discover still enumerates normally).
func New(channel string) (transport.Adapter, error) {
	return &Bus{
		vendorID: DefaultVendorID,
		portName: channel,
		timeouts: transport.DefaultTimeouts(),
		stopCh:   make(chan struct{}),
	}, nil
}

func (b *Bus) Ident() string { return "usbserial" }

// Discover enumerates USB devices matching vendorID and, for each, reads
// its serial number to filter against portMask prefixes.
func (b *Bus) Discover(portMask []string) ([]transport.Descriptor, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []transport.Descriptor
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == b.vendorID
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usbserial: discover: %w", err)
	}
	defer func() {
		for _, d := range devs {
			_ = d.Close()
		}
	}()

	for _, d := range devs {
		serialNo, err := d.SerialNumber()
		if err != nil {
			log.WithError(err).Warn("usbserial: could not read serial number, skipping device")
			continue
		}
		if !matchesMask(serialNo, portMask) {
			continue
		}
		found = append(found, transport.Descriptor{
			Adapter: b.Ident(),
			Ident:   serialNo,
			Extra:   map[string]string{"port": portPathFor(serialNo)},
		})
	}
	return found, nil
}

func matchesMask(serialNo string, mask []string) bool {
	if len(mask) == 0 {
		return true
	}
	for _, m := range mask {
		if strings.HasPrefix(serialNo, m) {
			return true
		}
	}
	return false
}

// portPathFor maps a discovered serial number to its OS serial-port path.
// Real deployments resolve this via the platform's device tree; here an
// explicit OS path can be pinned through New's channel instead.
func portPathFor(serialNo string) string {
	return "/dev/serial/by-id/" + serialNo
}

// Connect opens the serial port pinned by New's channel or, when none was
// given, the port path portPathFor derives from ident (a serial number as
// Discover reports it); ident itself is not treated as an OS path. It
// configures low-latency mode equivalent settings.
func (b *Bus) Connect(ident string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil
	}
	path := b.portName
	if path == "" {
		path = portPathFor(ident)
	}
	mode := &serial.Mode{
		BaudRate: 3000000,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return fmt.Errorf("usbserial: connect %s: %w", path, err)
	}
	_ = port.SetReadTimeout(b.timeouts.Receive)
	b.port = port
	b.open = true
	b.stopCh = make(chan struct{})
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	b.open = false
	close(b.stopCh)
	port := b.port
	b.mu.Unlock()

	b.wg.Wait()
	if port != nil {
		return port.Close()
	}
	return nil
}

func (b *Bus) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// SendBytes writes buf with the adapter's send timeout. On expiry it pads
// the current frame to the maximum report size with zero bytes so the
// device's framer resynchronises, then returns a timeout error.
func (b *Bus) SendBytes(buf []byte) error {
	b.mu.Lock()
	port := b.port
	open := b.open
	timeout := b.timeouts.Send
	b.mu.Unlock()
	if !open || port == nil {
		return fmt.Errorf("usbserial: not connected")
	}

	done := make(chan error, 1)
	go func() {
		_, err := port.Write(buf)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		pad := make([]byte, 73-len(buf))
		if len(pad) > 0 {
			_, _ = port.Write(append(bytes.Clone(buf), pad...))
		}
		return fmt.Errorf("usbserial: send timeout: %w", transport.ErrWouldBlock)
	}
}

// Subscribe starts the read-event-driven receive loop: the driver's
// data-ready signal is emulated here by a goroutine blocked on Read, which
// is how go.bug.st/serial exposes the underlying OS async-notification
// mechanism.
func (b *Bus) Subscribe(sink transport.ByteSink) error {
	b.mu.Lock()
	b.sink = sink
	open := b.open
	port := b.port
	stopCh := b.stopCh
	b.mu.Unlock()
	if !open {
		return fmt.Errorf("usbserial: not connected")
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		buf := make([]byte, 4096)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			n, err := port.Read(buf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				b.mu.Lock()
				changed := b.lastErr != err.Error()
				b.lastErr = err.Error()
				b.mu.Unlock()
				if changed {
					log.WithError(err).Warn("usbserial: receive error")
				}
				continue
			}
			if n > 0 {
				sink.PushBytes(buf[:n])
			}
		}
	}()
	return nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// MemoryDownload is not supported by the USB-serial variant: bulk transfer
// has no auxiliary channel here, only the report stream.
func (b *Bus) MemoryDownload(buf []byte, addr uint32, index int, uuid [16]byte, done func(transport.BulkResult)) error {
	return fmt.Errorf("usbserial: bulk transfer channel not supported, use report-channel programming")
}

func (b *Bus) MemoryUpload(out []byte, addr uint32, length int, index int, uuid [16]byte, done func(transport.BulkResult)) error {
	return fmt.Errorf("usbserial: bulk transfer channel not supported, use report-channel programming")
}

func (b *Bus) SetTimeouts(t transport.Timeouts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeouts = t
	if b.port != nil {
		_ = b.port.SetReadTimeout(t.Receive)
	}
}

func (b *Bus) GetTimeouts() transport.Timeouts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeouts
}
