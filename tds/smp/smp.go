// Package smp implements the SMP (Session Multiplexing Protocol) framing
// that carries Multiple Active Result Sets (MARS) over a single TCP
// connection: one physical Transport, many logical tds.Session values, each
// with its own SMID-framed byte stream. Window sizes travel in the SYN/ACK
// headers, but writes do not wait on the peer's window.
package smp

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ha1tch/tdsgo/tds"
)

// smid identifies an SMP control packet's purpose (MS-SMP 2.2.1).
type smid uint8

const (
	smidSyn     smid = 0x01
	smidAck     smid = 0x02
	smidFin     smid = 0x04
	smidData    smid = 0x08
	smidDataAck smid = 0x10 // not a wire value; nothing in this package sends or handles it
)

// smpHeaderSize is MS-SMP 2.2.1's fixed 16-byte header: SMID(1) + Flags(1) +
// SessionID(2) + Length(4) + SequenceNumber(4) + WindowSize(4).
const smpHeaderSize = 16

const defaultWindowSize uint32 = 4

type smpHeader struct {
	SMID      smid
	Flags     uint8
	SessionID uint16
	Length    uint32
	SeqNum    uint32
	Window    uint32
}

func (h smpHeader) encode() []byte {
	b := make([]byte, smpHeaderSize)
	b[0] = byte(h.SMID)
	b[1] = h.Flags
	binary.LittleEndian.PutUint16(b[2:4], h.SessionID)
	binary.LittleEndian.PutUint32(b[4:8], h.Length)
	binary.LittleEndian.PutUint32(b[8:12], h.SeqNum)
	binary.LittleEndian.PutUint32(b[12:16], h.Window)
	return b
}

func decodeHeader(b []byte) smpHeader {
	return smpHeader{
		SMID:      smid(b[0]),
		Flags:     b[1],
		SessionID: binary.LittleEndian.Uint16(b[2:4]),
		Length:    binary.LittleEndian.Uint32(b[4:8]),
		SeqNum:    binary.LittleEndian.Uint32(b[8:12]),
		Window:    binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Manager demultiplexes one physical tds.Transport into many logical
// sessions. All writes to the underlying transport are serialized through
// mu, mirroring the single-writer discipline the teacher's listener applies
// to its own socket via a per-connection mutex.
type Manager struct {
	mu      sync.Mutex // guards writes to tr and nextID
	tr      tds.Transport
	nextID  uint16
	packetSize int

	sessMu   sync.Mutex
	sessions map[uint16]*logicalSession

	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
}

// NewManager starts demultiplexing tr in the background. Call Close to stop
// the pump and release every open logical session.
func NewManager(tr tds.Transport, packetSize int) *Manager {
	if packetSize < smpHeaderSize+1 {
		packetSize = 4096
	}
	m := &Manager{
		tr:         tr,
		packetSize: packetSize,
		sessions:   make(map[uint16]*logicalSession),
		readDone:   make(chan struct{}),
	}
	go m.pump()
	return m
}

// OpenSession negotiates a new logical session (SYN/ACK) and returns a
// tds.Transport-conforming façade for it. The caller wraps the result in its
// own PacketReader/PacketWriter exactly as it would a bare TCP connection.
func (m *Manager) OpenSession() (tds.Transport, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	ls := &logicalSession{
		id:      id,
		mgr:     m,
		inbox:   make(chan []byte, 16),
		synAck:  make(chan struct{}),
		window:  defaultWindowSize,
		peerWin: defaultWindowSize,
	}
	m.sessMu.Lock()
	m.sessions[id] = ls
	m.sessMu.Unlock()

	if err := m.writeControl(id, smidSyn, ls.window); err != nil {
		return nil, fmt.Errorf("smp: SYN for session %d: %w", id, err)
	}

	select {
	case <-ls.synAck:
	case <-m.readDone:
		return nil, fmt.Errorf("smp: manager closed while opening session %d", id)
	}

	return ls, nil
}

func (m *Manager) writeControl(id uint16, kind smid, window uint32) error {
	hdr := smpHeader{SMID: kind, SessionID: id, Length: smpHeaderSize, Window: window}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.tr.Write(hdr.encode())
	return err
}

func (m *Manager) writeData(id uint16, seq uint32, payload []byte) error {
	hdr := smpHeader{SMID: smidData, SessionID: id, Length: uint32(smpHeaderSize + len(payload)), SeqNum: seq}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.tr.Write(hdr.encode()); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := m.tr.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// pump reads SMP frames off the physical transport and routes them to their
// logical session by SessionID until the transport closes or errors.
func (m *Manager) pump() {
	defer close(m.readDone)
	hdrBuf := make([]byte, smpHeaderSize)
	for {
		if _, err := io.ReadFull(m.tr, hdrBuf); err != nil {
			m.failAll(err)
			return
		}
		hdr := decodeHeader(hdrBuf)

		var payload []byte
		if n := int(hdr.Length) - smpHeaderSize; n > 0 {
			payload = make([]byte, n)
			if _, err := io.ReadFull(m.tr, payload); err != nil {
				m.failAll(err)
				return
			}
		}

		m.sessMu.Lock()
		ls, ok := m.sessions[hdr.SessionID]
		m.sessMu.Unlock()
		if !ok {
			continue // FIN raced with a session we already dropped locally
		}

		switch hdr.SMID {
		case smidSyn, smidAck:
			ls.markOpen(hdr.Window)
		case smidData:
			ls.deliver(payload)
		case smidFin:
			ls.markClosed()
			m.sessMu.Lock()
			delete(m.sessions, hdr.SessionID)
			m.sessMu.Unlock()
		}
	}
}

func (m *Manager) failAll(err error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	for _, ls := range m.sessions {
		ls.fail(err)
	}
}

// Close tears down every open logical session and the physical transport.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.sessMu.Lock()
		for id := range m.sessions {
			m.writeControl(id, smidFin, 0)
		}
		m.sessMu.Unlock()
		m.closeErr = m.tr.Close()
	})
	return m.closeErr
}

// logicalSession is one MARS conversation's Transport façade: reads pull
// from a channel fed by Manager.pump, writes go straight to the shared
// physical transport under Manager.mu.
type logicalSession struct {
	id  uint16
	mgr *Manager

	inbox   chan []byte
	pending []byte

	openOnce sync.Once
	synAck   chan struct{}

	seq     uint32
	window  uint32
	peerWin uint32

	closedMu sync.Mutex
	closed   bool
	closeErr error
}

func (ls *logicalSession) markOpen(peerWindow uint32) {
	ls.openOnce.Do(func() {
		close(ls.synAck)
	})
	ls.peerWin = peerWindow
}

func (ls *logicalSession) deliver(payload []byte) {
	select {
	case ls.inbox <- payload:
	default:
		// Peer outran its advertised window; drop rather than block the
		// shared pump goroutine. A well-behaved server never does this.
	}
}

func (ls *logicalSession) markClosed() {
	ls.closedMu.Lock()
	ls.closed = true
	ls.closedMu.Unlock()
	close(ls.inbox)
}

func (ls *logicalSession) fail(err error) {
	ls.closedMu.Lock()
	if !ls.closed {
		ls.closed = true
		ls.closeErr = err
		close(ls.inbox)
	}
	ls.closedMu.Unlock()
}

func (ls *logicalSession) Read(p []byte) (int, error) {
	if len(ls.pending) > 0 {
		n := copy(p, ls.pending)
		ls.pending = ls.pending[n:]
		return n, nil
	}
	chunk, ok := <-ls.inbox
	if !ok {
		ls.closedMu.Lock()
		err := ls.closeErr
		ls.closedMu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		ls.pending = chunk[n:]
	}
	return n, nil
}

func (ls *logicalSession) Write(p []byte) (int, error) {
	ls.seq++
	if err := ls.mgr.writeData(ls.id, ls.seq, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ls *logicalSession) Close() error {
	return ls.mgr.writeControl(ls.id, smidFin, 0)
}

func (ls *logicalSession) SetReadDeadline(t time.Time) error  { return nil }
func (ls *logicalSession) SetWriteDeadline(t time.Time) error { return nil }

// SessionFactory is the MARS bridge tds.Connection depends on: given a
// negotiated physical transport, it hands back independent logical
// transports on demand, one per additional *tds.Session a caller opens
// beyond the connection's primary one.
type SessionFactory interface {
	OpenSession() (tds.Transport, error)
	Close() error
}

var _ SessionFactory = (*Manager)(nil)
