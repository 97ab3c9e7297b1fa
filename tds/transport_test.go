package tds

import (
	"net"
	"testing"
	"time"
)

func TestPacketReaderWriterRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pw := NewPacketWriter(client, MinPacketSize)
	pr := NewPacketReader(server, MinPacketSize)

	payload := []byte("SELECT * FROM sys.tables")
	done := make(chan error, 1)
	go func() { done <- pw.WriteMessage(PacketSQLBatch, payload) }()

	typ, data, err := pr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if typ != PacketSQLBatch {
		t.Errorf("packet type = %v, want %v", typ, PacketSQLBatch)
	}
	if string(data) != string(payload) {
		t.Errorf("payload = %q, want %q", data, payload)
	}
}

func TestPacketWriterFragmentsLargeMessages(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pw := NewPacketWriter(client, MinPacketSize)
	pr := NewPacketReader(server, MinPacketSize)

	// Bigger than one block, so WriteMessage must split across packets and
	// ReadMessage must reassemble them into a single logical message.
	payload := make([]byte, MinPacketSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- pw.WriteMessage(PacketRPC, payload) }()

	_, data, err := pr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("reassembled length = %d, want %d", len(data), len(payload))
	}
	for i := range payload {
		if data[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, data[i], payload[i])
		}
	}
}

func TestPacketReaderReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pr := NewPacketReader(server, MinPacketSize)
	pr.SetReadTimeout(10 * time.Millisecond)

	if _, _, err := pr.ReadMessage(); err == nil {
		t.Fatal("expected a timeout error when nothing is written")
	}
}

func TestPacketWriterSequenceWraps(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pw := NewPacketWriter(client, MinPacketSize)
	pr := NewPacketReader(server, MinPacketSize)
	pw.packetID = 255

	done := make(chan error, 1)
	go func() { done <- pw.WriteMessage(PacketSQLBatch, make([]byte, MinPacketSize*2)) }()

	if _, _, err := pr.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if pw.packetID == 0 {
		t.Error("packetID should never rest at the reserved 0 value")
	}
}
