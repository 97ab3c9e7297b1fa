package tds

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Transport is the byte pipe a Connection is built on. Production code dials
// net.Conn; tests substitute an in-process net.Pipe or a scripted fake.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialTCP opens a TCP transport to addr and tunes it the way a TDS client
// should: Nagle off (the protocol is request/response, batching hurts
// latency) and TCP keepalive on so a dead server is noticed.
func DialTCP(ctx interface{ Done() <-chan struct{} }, addr string) (Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
		tuneSocket(tc)
	}
	return conn, nil
}

// tuneSocket sets TCP_NODELAY once more through a raw setsockopt call on the
// socket; it sets no other option. Best-effort: failures are not fatal to
// the connection.
func tuneSocket(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

// PacketReader reassembles TDS packets spanning multiple physical reads into
// complete logical messages, buffering through a reader sized to
// MaxPacketSize whatever block size is negotiated.
type PacketReader struct {
	r           *bufio.Reader
	blockSize   int
	readTimeout time.Duration
	tr          Transport

	// attnWriter, if set via PairWithWriter, receives an out-of-band
	// ATTENTION when a read times out mid-message: the server is told to
	// abandon the request it was still sending a response for, rather than
	// leaving it to eventually complete on a connection the caller has
	// already given up waiting on.
	attnWriter *PacketWriter
}

func NewPacketReader(tr Transport, blockSize int) *PacketReader {
	if blockSize < MinPacketSize {
		blockSize = DefaultPacketSize
	}
	return &PacketReader{
		r:         bufio.NewReaderSize(tr, MaxPacketSize),
		blockSize: blockSize,
		tr:        tr,
	}
}

// PairWithWriter attaches the PacketWriter that shares this reader's
// connection, so a read timeout can emit a cancelling ATTENTION on it.
func (p *PacketReader) PairWithWriter(pw *PacketWriter) {
	p.attnWriter = pw
}

// SetBlockSize updates the expected packet size. Only safe between messages.
func (p *PacketReader) SetBlockSize(n int) {
	if n >= MinPacketSize && n <= MaxPacketSize {
		p.blockSize = n
	}
}

func (p *PacketReader) SetReadTimeout(d time.Duration) {
	p.readTimeout = d
}

// ReadMessage reads one complete logical message (all physical packets up to
// and including the EOM-flagged one) and returns the packet type of the
// first fragment plus the concatenated payload. On a read timeout, it first
// emits an ATTENTION on the paired writer (if any) before propagating the
// timeout, so the server doesn't keep computing a response nobody is
// waiting for.
func (p *PacketReader) ReadMessage() (PacketType, []byte, error) {
	hdr, err := p.readHeaderWithDeadline()
	if err != nil {
		return 0, nil, err
	}
	firstType := hdr.Type

	var data []byte
	payloadLen := hdr.PayloadLength()
	if payloadLen > 0 {
		chunk := make([]byte, payloadLen)
		if _, err := io.ReadFull(p.r, chunk); err != nil {
			return 0, nil, p.timeoutCancel(fmt.Errorf("reading packet payload: %w", err))
		}
		data = append(data, chunk...)
	}

	for !hdr.IsLastPacket() {
		hdr, err = p.readHeaderWithDeadline()
		if err != nil {
			return 0, nil, fmt.Errorf("reading continuation header: %w", err)
		}
		payloadLen = hdr.PayloadLength()
		if payloadLen > 0 {
			chunk := make([]byte, payloadLen)
			if _, err := io.ReadFull(p.r, chunk); err != nil {
				return 0, nil, p.timeoutCancel(fmt.Errorf("reading continuation payload: %w", err))
			}
			data = append(data, chunk...)
		}
	}

	return firstType, data, nil
}

func (p *PacketReader) readHeaderWithDeadline() (Header, error) {
	if p.readTimeout > 0 {
		p.tr.SetReadDeadline(time.Now().Add(p.readTimeout))
	}
	hdr, err := ReadHeader(p.r)
	if err != nil {
		return Header{}, p.timeoutCancel(err)
	}
	return hdr, nil
}

// timeoutCancel emits an ATTENTION on the paired writer when err looks like
// a deadline expiry, then returns err unchanged for the caller to propagate.
func (p *PacketReader) timeoutCancel(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && p.attnWriter != nil {
		p.attnWriter.WriteMessage(PacketAttention, nil)
	}
	return err
}

// PacketWriter fragments an outgoing logical message into packets no larger
// than the negotiated block size, numbering them mod 256 starting at 1.
type PacketWriter struct {
	w            *bufio.Writer
	tr           Transport
	blockSize    int
	spid         uint16
	packetID     uint8
	writeTimeout time.Duration
}

func NewPacketWriter(tr Transport, blockSize int) *PacketWriter {
	if blockSize < MinPacketSize {
		blockSize = DefaultPacketSize
	}
	return &PacketWriter{
		w:         bufio.NewWriterSize(tr, MaxPacketSize),
		tr:        tr,
		blockSize: blockSize,
		packetID:  1,
	}
}

func (p *PacketWriter) SetBlockSize(n int) {
	if n >= MinPacketSize && n <= MaxPacketSize {
		p.blockSize = n
	}
}

func (p *PacketWriter) SetWriteTimeout(d time.Duration) {
	p.writeTimeout = d
}

func (p *PacketWriter) ResetSequence() {
	p.packetID = 1
}

// WriteMessage sends data as one logical message, split across as many
// packets as needed, and flushes.
func (p *PacketWriter) WriteMessage(pktType PacketType, data []byte) error {
	if p.writeTimeout > 0 {
		p.tr.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}

	maxPayload := p.blockSize - HeaderSize
	remaining := data
	if len(remaining) == 0 {
		remaining = []byte{}
	}

	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
			remaining = remaining[maxPayload:]
		}

		status := StatusNormal
		if isLast {
			status = StatusEOM
		}

		hdr := Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     p.spid,
			PacketID: p.packetID,
		}
		if err := hdr.Write(p.w); err != nil {
			return fmt.Errorf("writing packet header: %w", err)
		}
		if _, err := p.w.Write(chunk); err != nil {
			return fmt.Errorf("writing packet payload: %w", err)
		}

		p.packetID++
		if p.packetID == 0 {
			p.packetID = 1
		}

		if isLast {
			break
		}
	}

	return p.w.Flush()
}
