package tds

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
)

// buildColMetadata encodes a single-column COLMETADATA token (INTN/4) named
// name, matching MS-TDS 2.2.7.4.
func buildColMetadata(name string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TokenColMetadata))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // column count
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // UserType
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // Flags
	buf.WriteByte(byte(TypeIntN))
	buf.WriteByte(4) // size
	nameBytes := stringToUCS2(name)
	buf.WriteByte(byte(len(name)))
	buf.Write(nameBytes)
	return buf.Bytes()
}

func buildIntRow(v int32) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TokenRow))
	buf.WriteByte(4) // INTN length prefix
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func buildDone(status, curCmd uint16, rowCount uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TokenDone))
	binary.Write(&buf, binary.LittleEndian, status)
	binary.Write(&buf, binary.LittleEndian, curCmd)
	binary.Write(&buf, binary.LittleEndian, rowCount)
	return buf.Bytes()
}

// newTestSession wires a Session to one end of a net.Pipe and returns the
// other end for a test to script a scripted server response on.
func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	pr := NewPacketReader(clientConn, MinPacketSize)
	pw := NewPacketWriter(clientConn, MinPacketSize)
	s := newSession(pr, pw, DefaultCodecFactory)
	// buildDone writes the TDS 7.2+ DONE shape (u64 row count).
	s.tdsVersion = VerTDS74
	return s, serverConn
}

func sendServerMessage(t *testing.T, serverConn net.Conn, tokens ...[]byte) {
	t.Helper()
	pw := NewPacketWriter(serverConn, MinPacketSize)
	var payload []byte
	for _, tok := range tokens {
		payload = append(payload, tok...)
	}
	go func() {
		pw.WriteMessage(PacketReply, payload)
	}()
}

func TestSessionSingleRowQuery(t *testing.T) {
	s, serverConn := newTestSession(t)
	s.state = StatePending

	sendServerMessage(t, serverConn,
		buildColMetadata("n"),
		buildIntRow(42),
		buildDone(DoneFinal|DoneCount, 0, 1),
	)

	ctx := context.Background()
	more, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !more {
		t.Fatal("expected a row")
	}
	row := s.Row()
	if len(row) != 1 || row[0].(int64) != 42 {
		t.Fatalf("row = %v, want [42]", row)
	}
	cols := s.Columns()
	if len(cols) != 1 || cols[0].Name != "n" {
		t.Fatalf("columns = %v", cols)
	}

	more, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("Next (final): %v", err)
	}
	if more {
		t.Fatal("expected no more rows")
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
	if got := s.RowsAffected(); got != 1 {
		t.Fatalf("RowsAffected = %d, want 1", got)
	}
}

func TestSessionTransitionsRejectIllegalMoves(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.transition(StateReading); err == nil {
		t.Fatal("expected an error moving IDLE -> READING directly")
	}
}

func TestSessionSubmitBatchAutoCancelsPendingRequest(t *testing.T) {
	s, serverConn := newTestSession(t)
	defer serverConn.Close()

	s.state = StatePending
	serverPw := NewPacketWriter(serverConn, MinPacketSize)
	serverPr := NewPacketReader(serverConn, MinPacketSize)

	done := make(chan error, 1)
	go func() { done <- s.SubmitBatch(context.Background(), "SELECT 2") }()

	// The server should see an ATTENTION for the abandoned request before
	// the new batch arrives.
	typ, _, err := serverPr.ReadMessage()
	if err != nil {
		t.Fatalf("reading attention: %v", err)
	}
	if typ != PacketAttention {
		t.Fatalf("first packet type = %v, want PacketAttention", typ)
	}
	if err := serverPw.WriteMessage(PacketReply, buildDone(DoneFinal, 0, 0)); err != nil {
		t.Fatalf("writing cancel DONE: %v", err)
	}

	typ, _, err = serverPr.ReadMessage()
	if err != nil {
		t.Fatalf("reading new batch: %v", err)
	}
	if typ != PacketSQLBatch {
		t.Fatalf("second packet type = %v, want PacketSQLBatch", typ)
	}

	if err := <-done; err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if s.State() != StatePending {
		t.Fatalf("state = %v, want StatePending", s.State())
	}
}

func TestSessionSubmitBatchRejectsWhenDead(t *testing.T) {
	s, serverConn := newTestSession(t)
	defer serverConn.Close()

	s.state = StateDead
	if err := s.SubmitBatch(context.Background(), "SELECT 1"); err != ErrSessionDead {
		t.Fatalf("err = %v, want ErrSessionDead", err)
	}
}

func TestSessionNextResultSetCrossesBoundary(t *testing.T) {
	s, serverConn := newTestSession(t)
	s.state = StatePending

	sendServerMessage(t, serverConn,
		buildColMetadata("a"),
		buildIntRow(1),
		buildDone(DoneFinal|DoneMore|DoneCount, 0, 1),
		buildColMetadata("b"),
		buildIntRow(2),
		buildDone(DoneFinal, 0, 1),
	)

	ctx := context.Background()

	more, err := s.Next(ctx)
	if err != nil || !more {
		t.Fatalf("first row: more=%v err=%v", more, err)
	}
	if row := s.Row(); len(row) != 1 || row[0].(int64) != 1 {
		t.Fatalf("row = %v, want [1]", row)
	}

	more, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("end of first result set: %v", err)
	}
	if more {
		t.Fatal("expected Next to stop at the DONE boundary, not cross into the next result set")
	}
	if s.State() != StatePending {
		t.Fatalf("state after first DONE = %v, want StatePending", s.State())
	}

	hasNext, err := s.NextResultSet(ctx)
	if err != nil {
		t.Fatalf("NextResultSet: %v", err)
	}
	if !hasNext {
		t.Fatal("expected a second result set")
	}
	cols := s.Columns()
	if len(cols) != 1 || cols[0].Name != "b" {
		t.Fatalf("columns after NextResultSet = %+v", cols)
	}

	more, err = s.Next(ctx)
	if err != nil || !more {
		t.Fatalf("second set row: more=%v err=%v", more, err)
	}
	if row := s.Row(); len(row) != 1 || row[0].(int64) != 2 {
		t.Fatalf("row = %v, want [2]", row)
	}

	more, err = s.Next(ctx)
	if err != nil || more {
		t.Fatalf("end of second result set: more=%v err=%v", more, err)
	}

	hasNext, err = s.NextResultSet(ctx)
	if err != nil {
		t.Fatalf("final NextResultSet: %v", err)
	}
	if hasNext {
		t.Fatal("expected no third result set")
	}
	if s.State() != StateIdle {
		t.Fatalf("final state = %v, want StateIdle", s.State())
	}
}

func TestSessionBeginTransactionSendsTransMgrAndTracksDescriptor(t *testing.T) {
	s, serverConn := newTestSession(t)
	s.state = StateIdle

	serverPr := NewPacketReader(serverConn, MinPacketSize)
	serverPw := NewPacketWriter(serverConn, MinPacketSize)

	desc := TransactionDescriptor{1, 2, 3, 4, 5, 6, 7, 8}
	var envChg bytes.Buffer
	envChg.WriteByte(byte(TokenEnvChange))
	var envBody bytes.Buffer
	envBody.WriteByte(EnvBeginTran)
	envBody.WriteByte(8)
	envBody.Write(desc[:])
	envBody.WriteByte(0)
	binary.Write(&envChg, binary.LittleEndian, uint16(envBody.Len()))
	envChg.Write(envBody.Bytes())

	done := make(chan error, 1)
	go func() { done <- s.BeginTransaction(context.Background(), IsolationSerializable) }()

	typ, body, err := serverPr.ReadMessage()
	if err != nil {
		t.Fatalf("reading TRANS request: %v", err)
	}
	if typ != PacketTransMgr {
		t.Fatalf("packet type = %v, want PacketTransMgr", typ)
	}
	// body is ALL_HEADERS(22 bytes) + {u16 reqtype, u8 isolation, u8 nameLen}
	reqType := uint16(body[22]) | uint16(body[23])<<8
	if reqType != tmBeginXact {
		t.Fatalf("request type = %d, want %d", reqType, tmBeginXact)
	}
	if body[24] != byte(IsolationSerializable) {
		t.Fatalf("isolation = %d, want %d", body[24], IsolationSerializable)
	}

	if err := serverPw.WriteMessage(PacketReply, append(envChg.Bytes(), buildDone(DoneFinal, 0, 0)...)); err != nil {
		t.Fatalf("writing response: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
	if s.txn.Descriptor != desc {
		t.Fatalf("descriptor = %v, want %v", s.txn.Descriptor, desc)
	}
	if s.txn.Nesting != 1 {
		t.Fatalf("nesting = %d, want 1", s.txn.Nesting)
	}
}

func TestSessionErrorTokenSurfacesAsDBError(t *testing.T) {
	s, serverConn := newTestSession(t)
	s.state = StatePending

	var errTok bytes.Buffer
	errTok.WriteByte(byte(TokenError))
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, int32(547)) // number
	body.WriteByte(1)                                    // state
	body.WriteByte(16)                                   // severity
	msg := stringToUCS2("constraint violation")
	binary.Write(&body, binary.LittleEndian, uint16(len("constraint violation")))
	body.Write(msg)
	body.WriteByte(0) // server name length
	body.WriteByte(0) // proc name length
	binary.Write(&body, binary.LittleEndian, int32(0))
	binary.Write(&errTok, binary.LittleEndian, uint16(body.Len()))
	errTok.Write(body.Bytes())

	sendServerMessage(t, serverConn, errTok.Bytes(), buildDone(DoneFinal|DoneError, 0, 0))

	_, err := s.Next(context.Background())
	if err == nil {
		t.Fatal("expected a DBError")
	}
	dbErr, ok := err.(*DBError)
	if !ok {
		t.Fatalf("err = %T, want *DBError", err)
	}
	if len(dbErr.Messages) != 1 || dbErr.Messages[0].Number != 547 {
		t.Fatalf("messages = %+v", dbErr.Messages)
	}
}
