package tds

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ha1tch/tdsgo/internal/tlog"
)

// SessionState is the lifecycle state of one logical request/response
// exchange over a Session. A plain (non-MARS) Connection drives exactly one
// Session; MARS multiplexes several over one Transport via tds/smp.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateQuerying
	StatePending
	StateReading
	StateDead
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateQuerying:
		return "QUERYING"
	case StatePending:
		return "PENDING"
	case StateReading:
		return "READING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions enumerates the state machine's allowed edges. Any move
// not listed here is a programming error (ErrProtocolViolation).
var legalTransitions = map[SessionState]map[SessionState]bool{
	StateIdle:     {StateQuerying: true, StateDead: true},
	StateQuerying: {StatePending: true, StateDead: true},
	// PENDING -> IDLE happens when cancelIfPending drains a request whose
	// cancellation DONE arrives before any COLMETADATA/ROW (no result set
	// was ever opened, so there is nothing to read).
	StatePending: {StateReading: true, StateIdle: true, StateDead: true},
	StateReading: {StateIdle: true, StatePending: true, StateDead: true},
	StateDead:    {},
}

// Session drives one request/response cycle at a time: submit a batch or
// RPC, then pull rows and messages off the wire until the server's final
// DONE token closes it out. It is not safe for concurrent use by multiple
// goroutines; callers wanting concurrency open additional Sessions (plain
// connections can have only one; MARS connections many, via tds/smp).
type Session struct {
	mu sync.Mutex

	pr           *PacketReader
	pw           *PacketWriter
	codecFactory CodecFactory

	state SessionState
	txn   *TransactionState

	columns []Column
	msg     *wireReader
	dsp     *TokenDispatcher

	currentRow   []any
	lastDone     DoneStatus
	lastReturn   int32
	haveReturn   bool
	returnValues []ReturnValue
	messages     []Message
	envChanges   []EnvChange
	loginAck     *LoginAck
	sspiBlob     []byte

	cancelRequested bool
	err             error

	// onCharset, if set, is called with an ENVCHANGE subtype-3 new value so
	// Connection can keep its resolved server codec current.
	onCharset func(name string)

	logger *tlog.Logger

	// tdsVersion governs version-dependent wire details, currently the
	// width of the DONE token's row count (u32 pre-7.2, u64 from 7.2 on).
	// It starts at the version this session is about to offer in PRELOGIN
	// and is corrected to the server's actual LOGINACK.TDSVersion once that
	// arrives, covering the rare case a server negotiates down.
	tdsVersion uint32
}

// SetCharsetListener registers a callback invoked whenever the server sends
// an ENVCHANGE charset change on this session.
func (s *Session) SetCharsetListener(fn func(name string)) { s.onCharset = fn }

// SetLogger attaches a logger the Session uses to report server
// ERROR/INFO messages as they arrive.
func (s *Session) SetLogger(l *tlog.Logger) { s.logger = l }

// SetTDSVersion tells the session which protocol version it is speaking,
// so version-dependent token shapes (DONE row count width) parse correctly.
func (s *Session) SetTDSVersion(v uint32) { s.tdsVersion = v }

func newSession(pr *PacketReader, pw *PacketWriter, codec CodecFactory) *Session {
	s := &Session{
		pr:           pr,
		pw:           pw,
		codecFactory: codec,
		state:        StateIdle,
		txn:          &TransactionState{Isolation: IsolationReadCommitted},
	}
	s.dsp = newTokenDispatcher(s)
	return s
}

func (s *Session) transition(to SessionState) error {
	if !legalTransitions[s.state][to] {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrProtocolViolation, s.state, to)
	}
	s.state = to
	return nil
}

// State reports the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// resetRequestState clears everything scoped to one request/response cycle.
func (s *Session) resetRequestState() {
	s.columns = nil
	s.msg = nil
	s.currentRow = nil
	s.lastDone = DoneStatus{}
	s.haveReturn = false
	s.returnValues = nil
	s.messages = nil
	s.envChanges = nil
	s.cancelRequested = false
	s.err = nil
}

// SubmitBatch sends a SQLBatch request and moves the session to PENDING,
// waiting for the first response message. Any request left over from a
// previous Submit* that the caller never drained is auto-cancelled first.
func (s *Session) SubmitBatch(ctx context.Context, sql string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDead {
		return ErrSessionDead
	}
	if err := s.cancelIfPending(); err != nil {
		return err
	}
	s.resetRequestState()
	if err := s.transition(StateQuerying); err != nil {
		return err
	}

	body := allHeadersPrefix(s.txn.Descriptor)
	body = append(body, stringToUCS2(sql)...)

	if err := s.pw.WriteMessage(PacketSQLBatch, body); err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: sending batch: %w", err)
	}
	return s.transition(StatePending)
}

// SubmitRPC sends an RPC request (sp_executesql, sp_prepare, a stored
// procedure by name, etc.) built by the caller into wire bytes. Any request
// left over from a previous Submit* that the caller never drained is
// auto-cancelled first.
func (s *Session) SubmitRPC(ctx context.Context, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDead {
		return ErrSessionDead
	}
	if err := s.cancelIfPending(); err != nil {
		return err
	}
	s.resetRequestState()
	if err := s.transition(StateQuerying); err != nil {
		return err
	}

	full := allHeadersPrefix(s.txn.Descriptor)
	full = append(full, body...)

	if err := s.pw.WriteMessage(PacketRPC, full); err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: sending RPC: %w", err)
	}
	return s.transition(StatePending)
}

// cancelIfPending aborts and drains whatever the previous request left
// in flight, so a fresh Submit* never has to reject the caller with
// ErrSessionBusy. Mirrors pytds's cancel_if_pending, called unconditionally
// at the top of every submit rather than only on explicit request.
func (s *Session) cancelIfPending() error {
	if s.state == StateIdle {
		return nil
	}
	if err := s.pw.WriteMessage(PacketAttention, nil); err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: cancelling pending request: %w", err)
	}
	if s.state == StateQuerying {
		if err := s.transition(StatePending); err != nil {
			return err
		}
	}
	return s.drainUntilIdle()
}

// drainUntilIdle dispatches tokens until the request's final (non-MORE) DONE
// closes it out, leaving the session IDLE. Used both to discard an
// ATTENTION-cancelled request and to run a TRANS request to completion,
// neither of which hands rows back to the caller.
func (s *Session) drainUntilIdle() error {
	for {
		if s.msg == nil || s.msg.remaining() == 0 {
			if err := s.fetchMessage(); err != nil {
				return err
			}
		}
		for s.msg.remaining() > 0 {
			tokByte, err := s.msg.byte()
			if err != nil {
				s.state = StateDead
				return err
			}
			tok := TokenType(tokByte)
			if err := s.dsp.dispatchOne(s.msg, tok); err != nil {
				s.state = StateDead
				return err
			}
			if tok == TokenDone || tok == TokenDoneProc || tok == TokenDoneInProc {
				if s.lastDone.More() {
					continue
				}
				if err := s.transition(StateIdle); err != nil {
					return err
				}
				for _, m := range s.messages {
					if m.IsError {
						return newDBError(s.messages)
					}
				}
				return nil
			}
		}
	}
}

// submitTransMgr sends body as a TransMgr request (ALL_HEADERS-prefixed,
// like every batch/RPC) and runs it to completion, auto-cancelling whatever
// the previous request left pending first.
func (s *Session) submitTransMgr(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDead {
		return ErrSessionDead
	}
	if err := s.cancelIfPending(); err != nil {
		return err
	}
	s.resetRequestState()
	if err := s.transition(StateQuerying); err != nil {
		return err
	}

	full := allHeadersPrefix(s.txn.Descriptor)
	full = append(full, body...)

	if err := s.pw.WriteMessage(PacketTransMgr, full); err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: sending TRANS: %w", err)
	}
	if err := s.transition(StatePending); err != nil {
		return err
	}
	return s.drainUntilIdle()
}

// BeginTransaction opens a new transaction at the given isolation level. The
// server reports the assigned descriptor via ENVCHANGE, which onEnvChange
// records onto s.txn for every subsequent request to carry.
func (s *Session) BeginTransaction(ctx context.Context, isolation IsolationLevel) error {
	return s.submitTransMgr(encodeBeginTransaction(isolation))
}

// Commit commits the active transaction. If cont is true, the server opens a
// replacement transaction at isolation immediately after committing.
func (s *Session) Commit(ctx context.Context, cont bool, isolation IsolationLevel) error {
	return s.submitTransMgr(encodeCommitTransaction(cont, isolation))
}

// Rollback rolls back the active transaction (or to savepoint, via
// Savepoint beforehand). If cont is true, the server opens a replacement
// transaction at isolation immediately after rolling back.
func (s *Session) Rollback(ctx context.Context, cont bool, isolation IsolationLevel) error {
	return s.submitTransMgr(encodeRollbackTransaction(cont, isolation))
}

// Savepoint marks a point within the active transaction that a later
// Rollback can target by name.
func (s *Session) Savepoint(ctx context.Context, name string) error {
	return s.submitTransMgr(encodeSaveTransaction(name))
}

// allHeadersPrefix builds the TDS7.2+ "ALL_HEADERS" block carrying the
// transaction descriptor and outstanding-request count ahead of a batch/RPC
// body. Older TDS versions omit it; this engine only targets 7.2+ servers
// where the field is mandatory.
func allHeadersPrefix(desc TransactionDescriptor) []byte {
	const headerLen = 18 // headerLen(4) + type(2) + desc(8) + outstanding(4); total(4) precedes it
	buf := make([]byte, 4+headerLen)
	putU32LE(buf[0:4], uint32(4+headerLen))
	putU32LE(buf[4:8], uint32(headerLen))
	putU16LE(buf[8:10], 2) // header type: transaction descriptor
	copy(buf[10:18], desc[:])
	putU32LE(buf[18:22], 1) // outstanding request count
	return buf
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// fetchMessage reads the next logical TDS message into s.msg. Its callers
// (Next among them) then dispatch it a token at a time rather than all at
// once, so Next can stop as soon as a row arrives.
func (s *Session) fetchMessage() error {
	_, data, err := s.pr.ReadMessage()
	if err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: reading response: %w", err)
	}
	s.msg = newWireReader(data)
	return nil
}

// Next advances to the next row of the current result set, dispatching
// tokens until a ROW/NBCROW arrives or the result set ends. It returns false
// at every DONE/DONEPROC/DONEINPROC, whether or not more result sets follow
// (matching pytds's next_row) — callers must call NextResultSet to cross
// into the next result set rather than have it happen transparently.
func (s *Session) Next(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDead {
		return false, ErrSessionDead
	}
	if s.state == StatePending {
		if err := s.transition(StateReading); err != nil {
			return false, err
		}
	}
	if s.state != StateReading {
		return false, fmt.Errorf("%w: Next called in state %s", ErrProtocolViolation, s.state)
	}

	for {
		if s.msg == nil || s.msg.remaining() == 0 {
			if err := s.fetchMessage(); err != nil {
				return false, err
			}
		}

		for s.msg.remaining() > 0 {
			tokByte, err := s.msg.byte()
			if err != nil {
				s.state = StateDead
				return false, err
			}
			tok := TokenType(tokByte)

			if tok == TokenRow || tok == TokenNBCRow {
				if tok == TokenRow {
					if err := s.dsp.handleRow(s.msg); err != nil {
						s.state = StateDead
						return false, err
					}
				} else {
					if err := s.dsp.handleNBCRow(s.msg); err != nil {
						s.state = StateDead
						return false, err
					}
				}
				return true, nil
			}

			if err := s.dsp.dispatchOne(s.msg, tok); err != nil {
				s.state = StateDead
				return false, err
			}

			if tok == TokenDone || tok == TokenDoneProc || tok == TokenDoneInProc {
				return false, s.finishResultSet()
			}
		}
	}
}

// finishResultSet closes out the result set whose DONE token was just
// dispatched: PENDING if another result set follows (NextResultSet must be
// called to reach it), IDLE if the whole request is over. Any accumulated
// server ERROR messages surface here as a DBError.
func (s *Session) finishResultSet() error {
	if s.lastDone.More() {
		if err := s.transition(StatePending); err != nil {
			return err
		}
	} else {
		if err := s.transition(StateIdle); err != nil {
			return err
		}
	}
	for _, m := range s.messages {
		if m.IsError {
			return newDBError(s.messages)
		}
	}
	return nil
}

// NextResultSet advances past the current result-set boundary to the next
// one, dispatching tokens until a COLMETADATA token opens it (returning
// true) or a DONE with no MORE flag ends the whole request (returning
// false). Result sets with no rows at all are handled transparently: a
// DONE immediately followed by another DONE just loops.
func (s *Session) NextResultSet(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return false, nil
	}
	if s.state != StatePending {
		return false, fmt.Errorf("%w: NextResultSet called in state %s", ErrProtocolViolation, s.state)
	}
	if err := s.transition(StateReading); err != nil {
		return false, err
	}

	for {
		if s.msg == nil || s.msg.remaining() == 0 {
			if err := s.fetchMessage(); err != nil {
				return false, err
			}
		}
		for s.msg.remaining() > 0 {
			tokByte, err := s.msg.byte()
			if err != nil {
				s.state = StateDead
				return false, err
			}
			tok := TokenType(tokByte)

			if tok == TokenColMetadata {
				if err := s.dsp.dispatchOne(s.msg, tok); err != nil {
					s.state = StateDead
					return false, err
				}
				return true, nil
			}

			if err := s.dsp.dispatchOne(s.msg, tok); err != nil {
				s.state = StateDead
				return false, err
			}

			if tok == TokenDone || tok == TokenDoneProc || tok == TokenDoneInProc {
				if err := s.finishResultSet(); err != nil {
					return false, err
				}
				if s.state == StateIdle {
					return false, nil
				}
				// an empty result set: another DONE follows immediately
				if err := s.transition(StateReading); err != nil {
					return false, err
				}
			}
		}
	}
}

// Row returns the most recently fetched row's column values.
func (s *Session) Row() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRow
}

// Columns returns the current result set's column metadata.
func (s *Session) Columns() []Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns
}

// RowsAffected returns the row count from the most recent DONE token.
func (s *Session) RowsAffected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastDone.HasRowCount() {
		return 0
	}
	return s.lastDone.RowCount
}

// ReturnStatus reports the stored procedure's RETURN value, if any.
func (s *Session) ReturnStatus() (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReturn, s.haveReturn
}

// ReturnValues reports RPC output parameters collected during the request.
func (s *Session) ReturnValues() []ReturnValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnValues
}

// Messages returns INFO/ERROR messages accumulated during the last request.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Cancel sends an ATTENTION signal to abort an in-flight request. It is
// safe to call from a different goroutine than the one driving Next.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateQuerying && s.state != StatePending && s.state != StateReading {
		return nil // nothing in flight
	}
	s.cancelRequested = true
	if err := s.pw.WriteMessage(PacketAttention, nil); err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: sending attention: %w", err)
	}
	return nil
}

// --- token dispatcher callbacks ---

func (s *Session) onColMetadata(cols []Column) {
	s.columns = cols
}

func (s *Session) onRow(values []any) {
	s.currentRow = values
}

func (s *Session) onDone(tok TokenType, d DoneStatus) {
	s.lastDone = d
}

func (s *Session) onEnvChange(ec EnvChange) {
	s.envChanges = append(s.envChanges, ec)
	switch ec.SubType {
	case EnvBeginTran:
		copy(s.txn.Descriptor[:], ec.NewBytes)
		s.txn.Nesting++
	case EnvCommitTran, EnvRollbackTran:
		s.txn.Descriptor = TransactionDescriptor{}
		s.txn.Nesting = 0
	case EnvCharset:
		if s.onCharset != nil {
			s.onCharset(ec.NewValue)
		}
	case EnvPacketSize:
		// SetBlockSize ignores values below MinPacketSize, so an
		// implausibly small size leaves the negotiated one in place.
		if n, err := strconv.Atoi(ec.NewValue); err == nil {
			s.pw.SetBlockSize(n)
			s.pr.SetBlockSize(n)
		}
	}
}

func (s *Session) onMessage(m Message) {
	s.messages = append(s.messages, m)
	if s.logger == nil {
		return
	}
	q := s.logger.Query()
	if m.IsError {
		q.Error("server message", m, "number", m.Number, "received", m.Received.String())
	} else {
		q.Info("server message", "text", m.Text, "number", m.Number, "received", m.Received.String())
	}
}

func (s *Session) onReturnStatus(status int32) {
	s.lastReturn = status
	s.haveReturn = true
}

func (s *Session) onReturnValue(rv ReturnValue) {
	s.returnValues = append(s.returnValues, rv)
}

func (s *Session) onLoginAck(ack LoginAck) {
	s.loginAck = &ack
	s.tdsVersion = ack.TDSVersion
}

func (s *Session) onSSPI(blob []byte) {
	s.sspiBlob = blob
}
