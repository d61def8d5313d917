package ethernet

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/isomet/ims-sdk/transport"
)

// TFTP opcode/constants per the standard (RFC 1350): octet
// mode, 512-byte data blocks, per-block ACK, a short final block signals
// end of transfer. This is the one wire protocol the core implements
// directly: no TFTP client exists anywhere in the retrieval pack to wire
// instead (see DESIGN.md).
const (
	opRRQ   uint16 = 1
	opWRQ   uint16 = 2
	opDATA  uint16 = 3
	opACK   uint16 = 4
	opERROR uint16 = 5

	blockSize    = 512
	tftpPort     = 69
	packetTimeout = 2 * time.Second
)

type tftpClient struct {
	host string
}

func newTFTPClient(host string) *tftpClient {
	return &tftpClient{host: host}
}

func filenameFor(uuid [16]byte) string {
	return hex.EncodeToString(uuid[:])
}

func (c *tftpClient) dial() (*net.UDPConn, *net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", c.host, tftpPort))
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, nil, err
	}
	return conn, addr, nil
}

// send runs a full WRQ (write) transfer of buf to filename, resending the
// request or data packet once on a first timeout, giving up on the second.
func (c *tftpClient) send(filename string, buf []byte) (int, error) {
	conn, addr, err := c.dial()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	req := buildRequest(opWRQ, filename)
	peer, err := c.writeAndAwait(conn, addr, req, opACK, 0)
	if err != nil {
		return 0, err
	}

	total := 0
	block := uint16(1)
	for {
		end := total + blockSize
		last := false
		if end >= len(buf) {
			end = len(buf)
			last = true
		}
		chunk := buf[total:end]
		pkt := buildData(block, chunk)
		if _, err := c.writeAndAwait(conn, peer, pkt, opACK, block); err != nil {
			return total, err
		}
		total += len(chunk)
		if last {
			return total, nil
		}
		block++
	}
}

// recv runs a full RRQ (read) transfer of filename into a buffer, returning
// the accumulated bytes.
func (c *tftpClient) recv(filename string, maxLen int) ([]byte, error) {
	conn, addr, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := buildRequest(opRRQ, filename)
	if err := conn.SetReadDeadline(time.Now().Add(packetTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(req, addr); err != nil {
		return nil, err
	}

	out := make([]byte, 0, maxLen)
	block := uint16(1)
	buf := make([]byte, blockSize+4)
	peer := addr
	for {
		if err := conn.SetReadDeadline(time.Now().Add(packetTimeout)); err != nil {
			return nil, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			// one retry of the last ACK on first timeout
			ack := buildACK(block - 1)
			if _, werr := conn.WriteToUDP(ack, peer); werr != nil {
				return nil, err
			}
			if err := conn.SetReadDeadline(time.Now().Add(packetTimeout)); err != nil {
				return nil, err
			}
			n, from, err = conn.ReadFromUDP(buf)
			if err != nil {
				return nil, fmt.Errorf("tftp: read timeout: %w", err)
			}
		}
		peer = from
		op := binary.BigEndian.Uint16(buf[:2])
		if op == opERROR {
			return nil, fmt.Errorf("tftp: server error: %s", string(buf[4:n]))
		}
		if op != opDATA {
			return nil, fmt.Errorf("tftp: unexpected opcode %d", op)
		}
		gotBlock := binary.BigEndian.Uint16(buf[2:4])
		data := buf[4:n]
		out = append(out, data...)
		ack := buildACK(gotBlock)
		if _, err := conn.WriteToUDP(ack, peer); err != nil {
			return nil, err
		}
		if len(data) < blockSize {
			return out, nil
		}
		block = gotBlock + 1
	}
}

func (c *tftpClient) writeAndAwait(conn *net.UDPConn, addr *net.UDPAddr, pkt []byte, wantOp uint16, wantBlock uint16) (*net.UDPAddr, error) {
	if _, err := conn.WriteToUDP(pkt, addr); err != nil {
		return nil, err
	}
	buf := make([]byte, 516)
	if err := conn.SetReadDeadline(time.Now().Add(packetTimeout)); err != nil {
		return nil, err
	}
	n, peer, err := conn.ReadFromUDP(buf)
	if err != nil {
		// one retry on first timeout
		if _, werr := conn.WriteToUDP(pkt, addr); werr != nil {
			return nil, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(packetTimeout)); err != nil {
			return nil, err
		}
		n, peer, err = conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("tftp: no response after retry: %w", err)
		}
	}
	op := binary.BigEndian.Uint16(buf[:2])
	if op == opERROR {
		return nil, fmt.Errorf("tftp: server error: %s", string(buf[4:n]))
	}
	if op != wantOp {
		return nil, fmt.Errorf("tftp: unexpected opcode %d, wanted %d", op, wantOp)
	}
	if wantOp == opACK {
		gotBlock := binary.BigEndian.Uint16(buf[2:4])
		if gotBlock != wantBlock {
			return nil, fmt.Errorf("tftp: unexpected ack block %d, wanted %d", gotBlock, wantBlock)
		}
	}
	return peer, nil
}

func buildRequest(op uint16, filename string) []byte {
	pkt := make([]byte, 0, 2+len(filename)+1+len("octet")+1)
	pkt = binary.BigEndian.AppendUint16(pkt, op)
	pkt = append(pkt, filename...)
	pkt = append(pkt, 0)
	pkt = append(pkt, "octet"...)
	pkt = append(pkt, 0)
	return pkt
}

func buildData(block uint16, data []byte) []byte {
	pkt := make([]byte, 0, 4+len(data))
	pkt = binary.BigEndian.AppendUint16(pkt, opDATA)
	pkt = binary.BigEndian.AppendUint16(pkt, block)
	pkt = append(pkt, data...)
	return pkt
}

func buildACK(block uint16) []byte {
	pkt := make([]byte, 4)
	binary.BigEndian.PutUint16(pkt[:2], opACK)
	binary.BigEndian.PutUint16(pkt[2:4], block)
	return pkt
}

// MemoryDownload streams buf to the device's TFTP server under the
// hex-UUID filename, invoking done on completion/error.
func (b *Bus) MemoryDownload(buf []byte, addr uint32, index int, uuid [16]byte, done func(transport.BulkResult)) error {
	b.mu.Lock()
	tftp := b.tftp
	b.mu.Unlock()
	if tftp == nil {
		return fmt.Errorf("ethernet: not connected")
	}
	go func() {
		n, err := tftp.send(filenameFor(uuid), buf)
		done(transport.BulkResult{BytesTransferred: n, Err: err})
	}()
	return nil
}

// MemoryUpload reads length bytes from the device's TFTP server under the
// hex-UUID filename into out, invoking done on completion/error.
func (b *Bus) MemoryUpload(out []byte, addr uint32, length int, index int, uuid [16]byte, done func(transport.BulkResult)) error {
	b.mu.Lock()
	tftp := b.tftp
	b.mu.Unlock()
	if tftp == nil {
		return fmt.Errorf("ethernet: not connected")
	}
	go func() {
		data, err := tftp.recv(filenameFor(uuid), length)
		if err == nil {
			copy(out, data)
		}
		done(transport.BulkResult{BytesTransferred: len(data), Err: err})
	}()
	return nil
}
