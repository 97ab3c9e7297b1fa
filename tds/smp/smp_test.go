package smp

import (
	"io"
	"net"
	"testing"
	"time"
)

// scriptedPeer drives the other end of a net.Pipe as a minimal SMP server:
// it ACKs every SYN, echoes every DATA frame back to the same session, and
// answers every FIN with a FIN while it keeps serving the other sessions.
func scriptedPeer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		hdrBuf := make([]byte, smpHeaderSize)
		for {
			if _, err := io.ReadFull(conn, hdrBuf); err != nil {
				return
			}
			hdr := decodeHeader(hdrBuf)
			var payload []byte
			if n := int(hdr.Length) - smpHeaderSize; n > 0 {
				payload = make([]byte, n)
				if _, err := io.ReadFull(conn, payload); err != nil {
					return
				}
			}
			switch hdr.SMID {
			case smidSyn:
				ack := smpHeader{SMID: smidAck, SessionID: hdr.SessionID, Length: smpHeaderSize, Window: defaultWindowSize}
				conn.Write(ack.encode())
			case smidData:
				echo := smpHeader{SMID: smidData, SessionID: hdr.SessionID, Length: uint32(smpHeaderSize + len(payload))}
				conn.Write(echo.encode())
				if len(payload) > 0 {
					conn.Write(payload)
				}
			case smidFin:
				fin := smpHeader{SMID: smidFin, SessionID: hdr.SessionID, Length: smpHeaderSize}
				conn.Write(fin.encode())
			}
		}
	}()
}

func TestManagerOpenSessionNegotiatesSYNACK(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	scriptedPeer(t, serverConn)

	mgr := NewManager(clientConn, 4096)
	defer mgr.Close()

	tr, err := mgr.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if tr == nil {
		t.Fatal("OpenSession returned a nil transport")
	}
}

func TestLogicalSessionWriteReadEchoesPayload(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	scriptedPeer(t, serverConn)

	mgr := NewManager(clientConn, 4096)
	defer mgr.Close()

	tr, err := mgr.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	payload := []byte("hello mars")
	if _, err := tr.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(payload))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(tr, buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the echoed payload")
	}
	if string(buf) != "hello mars" {
		t.Fatalf("echoed payload = %q, want %q", buf, payload)
	}
}

func TestManagerDemultiplexesTwoSessions(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	scriptedPeer(t, serverConn)

	mgr := NewManager(clientConn, 4096)
	defer mgr.Close()

	trA, err := mgr.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession A: %v", err)
	}
	trB, err := mgr.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession B: %v", err)
	}

	trA.Write([]byte("A"))
	trB.Write([]byte("B"))

	readOne := func(tr interface{ Read([]byte) (int, error) }) string {
		buf := make([]byte, 1)
		io.ReadFull(tr, buf)
		return string(buf)
	}

	gotA := readOne(trA)
	gotB := readOne(trB)
	if gotA != "A" || gotB != "B" {
		t.Fatalf("got A=%q B=%q, want A=%q B=%q", gotA, gotB, "A", "B")
	}
}

func TestLogicalSessionCloseSendsFin(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	scriptedPeer(t, serverConn)

	mgr := NewManager(clientConn, 4096)
	defer mgr.Close()

	tr, err := mgr.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSmpHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := smpHeader{SMID: smidData, Flags: 0, SessionID: 7, Length: 42, SeqNum: 3, Window: 4}
	got := decodeHeader(h.encode())
	if got != h {
		t.Fatalf("decodeHeader(encode()) = %+v, want %+v", got, h)
	}
}

func TestSmpHeaderSizeConstant(t *testing.T) {
	h := smpHeader{SMID: smidSyn}
	if len(h.encode()) != smpHeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(h.encode()), smpHeaderSize)
	}
}
