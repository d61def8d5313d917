// Package ethernet implements the Ethernet transport variant:
// UDP broadcast discovery, a TCP message channel, a best-effort TCP
// interrupt back-channel, and a TFTP-backed bulk-transfer channel. The
// broadcast/accept-loop structure generalises a loopback test harness to
// a real multi-socket device link.
package ethernet

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/isomet/ims-sdk/transport"
	log "github.com/sirupsen/logrus"
)

func init() {
	transport.Register("ethernet", New)
}

const (
	AnnounceDestPort = 28242
	AnnounceSrcPort  = 28243
	MsgPort          = 28244
	IntrPort         = 28245

	discoveryRequest = "Discovery: Who is out there?\n"

	interruptAcceptTimeout = 4 * time.Second
	interruptPollInterval  = 250 * time.Millisecond
)

// Bus is the Ethernet Adapter implementation.
type Bus struct {
	mu        sync.Mutex
	timeouts  transport.Timeouts
	conn      net.Conn
	intrLn    net.Listener
	intrConn  net.Conn
	sink      transport.ByteSink
	open      bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	lastErr   string
	tftp      *tftpClient
	ip        string
}

// New constructs an Ethernet adapter bound to channel, the device's IPv4
// address (e.g. "192.168.1.50"). An empty channel defers the address to
// Connect's ident argument.
func New(channel string) (transport.Adapter, error) {
	return &Bus{
		ip:       channel,
		timeouts: transport.DefaultTimeouts(),
		stopCh:   make(chan struct{}),
	}, nil
}

func (b *Bus) Ident() string { return "ethernet" }

// Discover broadcasts the discovery datagram on every UP, non-loopback,
// broadcast-capable IPv4 interface and waits discoveryTimeout for replies
// carrying SNO:/MAC:/ReqIP: lines. Returns empty, not an
// error, when no such interface exists.
func (b *Bus) Discover(portMask []string) ([]transport.Descriptor, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("ethernet: discover: list interfaces: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: AnnounceSrcPort})
	if err != nil {
		return nil, fmt.Errorf("ethernet: discover: listen: %w", err)
	}
	defer conn.Close()

	timeout := b.GetTimeouts().Discovery
	if timeout == 0 {
		timeout = time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	sent := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			bcast := broadcastAddr(ipnet)
			if bcast == nil {
				continue
			}
			dst := &net.UDPAddr{IP: bcast, Port: AnnounceDestPort}
			if _, err := conn.WriteToUDP([]byte(discoveryRequest), dst); err == nil {
				sent++
			}
		}
	}
	if sent == 0 {
		return nil, nil
	}

	var found []transport.Descriptor
	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		desc, ok := parseDiscoveryReply(buf[:n])
		if !ok {
			continue
		}
		if !matchesMask(desc.Ident, portMask) {
			continue
		}
		found = append(found, desc)
	}
	return found, nil
}

func matchesMask(ident string, mask []string) bool {
	if len(mask) == 0 {
		return true
	}
	for _, m := range mask {
		if strings.Contains(ident, m) {
			return true
		}
	}
	return false
}

func broadcastAddr(n *net.IPNet) net.IP {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil
	}
	bcast := make(net.IP, len(ip4))
	for i := range ip4 {
		bcast[i] = ip4[i] | ^n.Mask[i]
	}
	return bcast
}

func parseDiscoveryReply(buf []byte) (transport.Descriptor, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	fields := map[string]string{}
	for scanner.Scan() {
		line := scanner.Text()
		for _, key := range []string{"SNO:", "MAC:", "ReqIP:"} {
			if strings.HasPrefix(line, key) {
				fields[strings.TrimSuffix(key, ":")] = strings.TrimSpace(strings.TrimPrefix(line, key))
			}
		}
	}
	ip, hasIP := fields["ReqIP"]
	if !hasIP {
		return transport.Descriptor{}, false
	}
	return transport.Descriptor{
		Adapter: "ethernet",
		Ident:   ip,
		Extra:   fields,
	}, true
}

// Connect opens a non-blocking TCP stream to ident:IMSMSG_PORT with
// TCP_NODELAY, then best-effort listens on IMSINTR_PORT for the device's
// return interrupt connection.
func (b *Bus) Connect(ident string) error {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return nil
	}
	ip := ident
	if ip == "" {
		ip = b.ip
	}
	b.mu.Unlock()

	conn, err := net.DialTimeout("tcp4", fmt.Sprintf("%s:%d", ip, MsgPort), 5*time.Second)
	if err != nil {
		return fmt.Errorf("ethernet: connect %s: %w", ip, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	ln, lnErr := net.Listen("tcp4", fmt.Sprintf(":%d", IntrPort))
	if lnErr != nil {
		log.WithError(lnErr).Warn("ethernet: could not bind interrupt listener")
	}

	b.mu.Lock()
	b.ip = ip
	b.conn = conn
	b.intrLn = ln
	b.open = true
	b.stopCh = make(chan struct{})
	b.tftp = newTFTPClient(ip)
	b.mu.Unlock()

	if ln != nil {
		go b.acceptInterruptConn(ln)
	}
	return nil
}

// acceptInterruptConn waits up to a 4s accept timeout for the device to
// dial back on IMSINTR_PORT; a miss is logged as a warning, not fatal,
// because older firmware never dials back.
func (b *Bus) acceptInterruptConn(ln net.Listener) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return
		}
		b.mu.Lock()
		b.intrConn = res.conn
		sink := b.sink
		stopCh := b.stopCh
		b.mu.Unlock()
		if sink != nil {
			b.wg.Add(1)
			go b.pollInterrupts(res.conn, sink, stopCh)
		}
	case <-time.After(interruptAcceptTimeout):
		log.Warn("ethernet: no interrupt connection from device within timeout, continuing without one")
	}
}

// pollInterrupts polls the accepted interrupt socket with a 250ms select
// timeout, logging at most once per error-identity transition.
func (b *Bus) pollInterrupts(conn net.Conn, sink transport.ByteSink, stopCh chan struct{}) {
	defer b.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(interruptPollInterval))
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			b.mu.Lock()
			changed := b.lastErr != err.Error()
			b.lastErr = err.Error()
			b.mu.Unlock()
			if changed {
				log.WithError(err).Warn("ethernet: interrupt channel error")
			}
			continue
		}
		if n > 0 {
			if is, ok := sink.(transport.InterruptSink); ok {
				is.PushInterruptBytes(buf[:n])
			} else {
				sink.PushBytes(buf[:n])
			}
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	b.open = false
	close(b.stopCh)
	conn := b.conn
	intrConn := b.intrConn
	intrLn := b.intrLn
	b.mu.Unlock()

	b.wg.Wait()
	if intrConn != nil {
		_ = intrConn.Close()
	}
	if intrLn != nil {
		_ = intrLn.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bus) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Bus) SendBytes(buf []byte) error {
	b.mu.Lock()
	conn := b.conn
	timeout := b.timeouts.Send
	open := b.open
	b.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("ethernet: not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("ethernet: send timeout: %w", transport.ErrWouldBlock)
		}
		return err
	}
	return nil
}

// Subscribe drains the message-channel socket whenever data is ready
// Receive is driven by draining a ready socket (TCP).
func (b *Bus) Subscribe(sink transport.ByteSink) error {
	b.mu.Lock()
	b.sink = sink
	conn := b.conn
	open := b.open
	stopCh := b.stopCh
	b.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("ethernet: not connected")
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
			_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
			n, err := conn.Read(buf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				b.mu.Lock()
				changed := b.lastErr != err.Error()
				b.lastErr = err.Error()
				b.mu.Unlock()
				if changed {
					log.WithError(err).Warn("ethernet: receive error")
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

func (b *Bus) SetTimeouts(t transport.Timeouts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeouts = t
}

func (b *Bus) GetTimeouts() transport.Timeouts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeouts
}
