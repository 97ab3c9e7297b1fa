package tds

import (
	"fmt"
	"strings"

	"github.com/golang-sql/civil"
)

// Severity levels as carried in ERROR/INFO tokens.
const (
	SeverityInfo       uint8 = 0
	SeveritySuccess    uint8 = 1
	SeverityWarning    uint8 = 10
	SeverityUserError  uint8 = 11
	SeverityMissing    uint8 = 12
	SeverityDeadlock   uint8 = 13
	SeverityPermission uint8 = 14
	SeveritySyntax     uint8 = 15
	SeverityGeneral    uint8 = 16
	SeverityResource   uint8 = 17
	SeverityInternal   uint8 = 18
	SeverityLimit      uint8 = 19
	SeverityFatal      uint8 = 20
)

// Message is one ERROR or INFO token from the server.
type Message struct {
	Number   int32
	State    uint8
	Severity uint8
	Text     string
	Server   string
	Proc     string
	Line     int32
	IsError  bool

	// Received is when the client parsed this message off the wire, kept as
	// a calendar-neutral civil.DateTime (no monotonic reading, no location)
	// since it's only ever shown in logs, never compared against wall-clock
	// deadlines.
	Received civil.DateTime
}

func (m Message) Error() string {
	if m.Proc != "" {
		return fmt.Sprintf("%s (%d) [severity %d, state %d, proc %s, line %d]: %s",
			m.Server, m.Number, m.Severity, m.State, m.Proc, m.Line, m.Text)
	}
	return fmt.Sprintf("%s (%d) [severity %d, state %d, line %d]: %s",
		m.Server, m.Number, m.Severity, m.State, m.Line, m.Text)
}

// errorClass buckets a server message the way a DB-API layer would, so
// callers can retry OperationalErrors but never ProgrammingErrors.
type errorClass int

const (
	classNone errorClass = iota
	classProgramming
	classIntegrity
	classOperational
)

// msgno 3621 ("The statement has been terminated.") always rides alongside
// the message that actually explains the failure; it carries no
// classification information of its own and is dropped before the set
// lookups below run.
const msgnoStatementTerminated int32 = 3621

var programmingErrorNumbers = map[int32]bool{
	102:  true, // incorrect syntax
	207:  true, // invalid column name
	208:  true, // invalid object name
	209:  true, // ambiguous column name
	201:  true, // procedure expects parameter
	2812: true, // could not find stored procedure
	8144: true, // too many arguments
	245:  true, // conversion failed
}

var integrityErrorNumbers = map[int32]bool{
	515:  true, // cannot insert NULL
	547:  true, // foreign key / check constraint violation
	2627: true, // duplicate key
	2601: true, // duplicate key (unique index)
}

var operationalErrorNumbers = map[int32]bool{
	1205: true, // deadlock victim
	1222: true, // lock request timeout
	1105: true, // tempdb full
	18456: true, // login failed
	4060: true,  // cannot open database
	3998: true, // uncommittable transaction
}

func classify(msgno int32) errorClass {
	switch {
	case programmingErrorNumbers[msgno]:
		return classProgramming
	case integrityErrorNumbers[msgno]:
		return classIntegrity
	case operationalErrorNumbers[msgno]:
		return classOperational
	default:
		return classNone
	}
}

// DBError wraps the messages accumulated for one failed request, dropping
// the uninformative 3621 "statement terminated" companion message before
// classification so the real cause drives the error class.
type DBError struct {
	Messages []Message
	Class    errorClass
}

func newDBError(msgs []Message) *DBError {
	// Only a trailing run of 3621 is noise (the "statement terminated"
	// companion that always follows the message explaining the failure); one
	// appearing earlier, ahead of other messages, is left alone.
	end := len(msgs)
	for end > 0 && msgs[end-1].Number == msgnoStatementTerminated {
		end--
	}
	filtered := msgs
	if end > 0 {
		filtered = msgs[:end]
	}

	e := &DBError{Messages: filtered}
	for i := len(filtered) - 1; i >= 0; i-- {
		if c := classify(filtered[i].Number); c != classNone {
			e.Class = c
			break
		}
	}
	return e
}

func (e *DBError) Error() string {
	if len(e.Messages) == 0 {
		return "tds: unknown server error"
	}
	parts := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		parts[i] = m.Text
	}
	return strings.Join(parts, " ")
}

func (e *DBError) IsProgrammingError() bool { return e.Class == classProgramming }
func (e *DBError) IsIntegrityError() bool   { return e.Class == classIntegrity }
func (e *DBError) IsOperationalError() bool { return e.Class == classOperational }

// Sentinel errors for session/protocol-level failures (distinct from server
// DBError messages).
var (
	ErrSessionDead      = fmt.Errorf("tds: session is dead")
	ErrSessionBusy      = fmt.Errorf("tds: session already has a pending request")
	ErrCancelled        = fmt.Errorf("tds: request cancelled")
	ErrEncryptionUnsupported = fmt.Errorf("tds: client/server cannot agree on encryption")
	ErrProtocolViolation = fmt.Errorf("tds: protocol violation")
)
