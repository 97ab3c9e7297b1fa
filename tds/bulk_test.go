package tds

import (
	"context"
	"testing"
)

func TestEncodeBulkColMetadataShape(t *testing.T) {
	cols := []BulkColumn{
		{Name: "id", Type: TypeInfo{ID: TypeIntN, Size: 4}},
		{Name: "name", Type: TypeInfo{ID: TypeNVarChar, Size: 8000}},
	}
	body := encodeBulkColMetadata(cols)
	if body[0] != byte(TokenColMetadata) {
		t.Fatalf("first byte = %#x, want TokenColMetadata", body[0])
	}
	count := uint16(body[1]) | uint16(body[2])<<8
	if count != 2 {
		t.Fatalf("column count = %d, want 2", count)
	}
}

func TestEncodeBulkRowMatchesColumnTypes(t *testing.T) {
	cols := []BulkColumn{
		{Name: "id", Type: TypeInfo{ID: TypeIntN, Size: 4}},
		{Name: "name", Type: TypeInfo{ID: TypeNVarChar, Size: 8000}},
	}
	row, err := encodeBulkRow(cols, []any{int32(7), "ok"})
	if err != nil {
		t.Fatalf("encodeBulkRow: %v", err)
	}
	if row[0] != byte(TokenRow) {
		t.Fatalf("first byte = %#x, want TokenRow", row[0])
	}
	if row[1] != 4 {
		t.Fatalf("int column length prefix = %d, want 4", row[1])
	}
}

func TestEncodeBulkRowRejectsWrongArity(t *testing.T) {
	cols := []BulkColumn{{Name: "id", Type: TypeInfo{ID: TypeIntN, Size: 4}}}
	if _, err := encodeBulkRow(cols, []any{int32(1), int32(2)}); err == nil {
		t.Fatal("expected an error for a row with the wrong number of values")
	}
}

func TestEncodeBulkRowRejectsMismatchedValueType(t *testing.T) {
	cols := []BulkColumn{{Name: "id", Type: TypeInfo{ID: TypeIntN, Size: 4}}}
	if _, err := encodeBulkRow(cols, []any{"not an int"}); err == nil {
		t.Fatal("expected an error for a value that doesn't match its column type")
	}
}

func TestEncodeBulkDoneRowCountWidth(t *testing.T) {
	pre72 := encodeBulkDone(VerTDS70, 3)
	if len(pre72) != 1+2+2+4 {
		t.Fatalf("pre-7.2 DONE length = %d, want %d", len(pre72), 1+2+2+4)
	}
	post72 := encodeBulkDone(VerTDS74, 3)
	if len(post72) != 1+2+2+8 {
		t.Fatalf("7.2+ DONE length = %d, want %d", len(post72), 1+2+2+8)
	}
}

func TestSessionInsertBulkSendsSinglePacket(t *testing.T) {
	s, serverConn := newTestSession(t)
	defer serverConn.Close()
	s.state = StateIdle
	s.tdsVersion = VerTDS74

	serverPr := NewPacketReader(serverConn, MinPacketSize)
	serverPw := NewPacketWriter(serverConn, MinPacketSize)

	cols := []BulkColumn{{Name: "n", Type: TypeInfo{ID: TypeIntN, Size: 4}}}
	rows := [][]any{{int32(1)}, {int32(2)}}

	done := make(chan error, 1)
	go func() {
		done <- s.InsertBulk(context.Background(), cols, rows)
	}()

	typ, body, err := serverPr.ReadMessage()
	if err != nil {
		t.Fatalf("reading BULK request: %v", err)
	}
	if typ != PacketBulkLoad {
		t.Fatalf("packet type = %v, want PacketBulkLoad", typ)
	}
	if body[0] != byte(TokenColMetadata) {
		t.Fatalf("body does not start with a COLMETADATA token: %v", body[:4])
	}

	if err := serverPw.WriteMessage(PacketReply, buildDone(DoneFinal, 0, 2)); err != nil {
		t.Fatalf("writing ack DONE: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
}
