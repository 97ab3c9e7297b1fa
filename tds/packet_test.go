package tds

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: PacketLogin7, Status: StatusEOM, Length: 123, SPID: 7, PacketID: 3, Window: 0}

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("encoded header length = %d, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip = %+v, want %+v", got, h)
	}
}

func TestReadHeaderRejectsShortLength(t *testing.T) {
	buf := []byte{byte(PacketSQLBatch), byte(StatusEOM), 0x00, 0x04, 0x00, 0x00, 0x01, 0x00}
	if _, err := ReadHeader(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for length shorter than header size")
	}
}

func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		typ  PacketType
		want string
	}{
		{PacketSQLBatch, "SQL_BATCH"},
		{PacketLogin7, "LOGIN7"},
		{PacketPrelogin, "PRELOGIN"},
		{PacketType(250), "UNKNOWN(250)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("PacketType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestPacketStatusFlags(t *testing.T) {
	s := StatusEOM | StatusResetConnection
	if !s.IsLast() {
		t.Error("expected IsLast true")
	}
	if !s.IsResetConnection() {
		t.Error("expected IsResetConnection true")
	}
	if StatusNormal.IsLast() {
		t.Error("StatusNormal should not report IsLast")
	}
}
