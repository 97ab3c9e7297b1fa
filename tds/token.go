package tds

import (
	"fmt"
	"time"

	"github.com/golang-sql/civil"
)

// TokenType identifies a token in the server's response stream.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79
	TokenColMetadata   TokenType = 0x81
	TokenOrder         TokenType = 0xA9
	TokenError         TokenType = 0xAA
	TokenInfo          TokenType = 0xAB
	TokenReturnValue   TokenType = 0xAC
	TokenLoginAck      TokenType = 0xAD
	TokenFeatureExtAck TokenType = 0xAE
	TokenRow           TokenType = 0xD1
	TokenNBCRow        TokenType = 0xD2
	TokenEnvChange     TokenType = 0xE3
	TokenSSPI          TokenType = 0xED
	TokenFedAuthInfo   TokenType = 0xEE
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF
)

func (t TokenType) String() string {
	switch t {
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenOrder:
		return "ORDER"
	case TokenError:
		return "ERROR"
	case TokenInfo:
		return "INFO"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenRow:
		return "ROW"
	case TokenNBCRow:
		return "NBCROW"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenSSPI:
		return "SSPI"
	case TokenFedAuthInfo:
		return "FEDAUTHINFO"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// DONE status flags.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE subtypes.
const (
	EnvDatabase            uint8 = 1
	EnvLanguage            uint8 = 2
	EnvCharset             uint8 = 3
	EnvPacketSize          uint8 = 4
	EnvSortID              uint8 = 5
	EnvSortFlags           uint8 = 6
	EnvSQLCollation        uint8 = 7
	EnvBeginTran           uint8 = 8
	EnvCommitTran          uint8 = 9
	EnvRollbackTran        uint8 = 10
	EnvEnlistDTC           uint8 = 11
	EnvDefectTran          uint8 = 12
	EnvMirrorPartner       uint8 = 13
	EnvPromoteTran         uint8 = 15
	EnvTranMgrAddr         uint8 = 16
	EnvTranEnded           uint8 = 17
	EnvResetConnAck        uint8 = 18
	EnvStartedInstanceName uint8 = 19
	EnvRouting             uint8 = 20
)

type LoginAckInterface uint8

const (
	LoginAckSQL70   LoginAckInterface = 0x70
	LoginAckSQL2000 LoginAckInterface = 0x71
	LoginAckSQL2005 LoginAckInterface = 0x72
	LoginAckSQL2008 LoginAckInterface = 0x73
	LoginAckSQL2012 LoginAckInterface = 0x74
)

// Column describes one result-set column, parsed from COLMETADATA.
type Column struct {
	Name     string
	UserType uint32
	Flags    uint16
	Type     TypeInfo
}

const (
	colFlagNullable uint16 = 0x0001
)

func (c Column) Nullable() bool { return c.Flags&colFlagNullable != 0 }

// DoneStatus is the decoded payload of a DONE/DONEPROC/DONEINPROC token.
type DoneStatus struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d DoneStatus) More() bool       { return d.Status&DoneMore != 0 }
func (d DoneStatus) HasError() bool   { return d.Status&DoneError != 0 }
func (d DoneStatus) HasRowCount() bool { return d.Status&DoneCount != 0 }

// LoginAck is the decoded LOGINACK token.
type LoginAck struct {
	Interface   LoginAckInterface
	TDSVersion  uint32
	ProgName    string
	ProgVersion uint32
}

// ReturnValue is a decoded RETURNVALUE token (an RPC output parameter or a
// stored-procedure return value).
type ReturnValue struct {
	ParamName string
	Status    uint8
	Type      TypeInfo
	Value     any
	IsNull    bool
}

// EnvChange is a decoded ENVCHANGE token.
type EnvChange struct {
	SubType  uint8
	NewValue string
	OldValue string
	// NewBytes carries the raw descriptor for transaction-lifecycle subtypes
	// (EnvBeginTran/EnvCommitTran/EnvRollbackTran/EnvEnlistDTC/EnvDefectTran),
	// which are never UCS-2 text.
	NewBytes []byte
	// Routing carries the parsed payload when SubType == EnvRouting.
	Routing *RouteInfo
}

// RouteInfo is ENVCHANGE subtype 20's payload: redirect the client to a
// different server/port (SQL Azure failover, read-scale routing).
type RouteInfo struct {
	Protocol uint8
	Port     uint16
	Server   string
}

// TokenDispatcher parses one token's body at a time (the bytes after the
// 1-byte token type) and reports it to its Session through the Session's
// on* methods.
type TokenDispatcher struct {
	session *Session
}

func newTokenDispatcher(s *Session) *TokenDispatcher {
	return &TokenDispatcher{session: s}
}

// Dispatch walks every token in data, calling the Session's per-token
// handlers. It returns when the buffer is exhausted (there is no dedicated
// "end of message" token; DONE/DONEPROC/DONEINPROC close out a request).
func (d *TokenDispatcher) Dispatch(data []byte) error {
	r := newWireReader(data)
	for r.remaining() > 0 {
		tokByte, err := r.byte()
		if err != nil {
			return err
		}
		tok := TokenType(tokByte)
		if err := d.dispatchOne(r, tok); err != nil {
			return fmt.Errorf("token %s: %w", tok, err)
		}
	}
	return nil
}

func (d *TokenDispatcher) dispatchOne(r *wireReader, tok TokenType) error {
	switch tok {
	case TokenColMetadata:
		return d.handleColMetadata(r)
	case TokenRow:
		return d.handleRow(r)
	case TokenNBCRow:
		return d.handleNBCRow(r)
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return d.handleDone(r, tok)
	case TokenEnvChange:
		return d.handleEnvChange(r)
	case TokenError:
		return d.handleMsg(r, true)
	case TokenInfo:
		return d.handleMsg(r, false)
	case TokenReturnStatus:
		return d.handleReturnStatus(r)
	case TokenReturnValue:
		return d.handleReturnValue(r)
	case TokenLoginAck:
		return d.handleLoginAck(r)
	case TokenOrder:
		return d.handleOrder(r)
	case TokenSSPI:
		return d.handleSSPI(r)
	case TokenFeatureExtAck:
		return d.handleFeatureExtAck(r)
	default:
		return fmt.Errorf("unsupported token type 0x%02X", uint8(tok))
	}
}

func (d *TokenDispatcher) handleColMetadata(r *wireReader) error {
	count, err := r.uint16()
	if err != nil {
		return err
	}
	if count == 0xFFFF {
		// NoMetaData sentinel: previously-described columns still apply.
		return nil
	}
	cols := make([]Column, count)
	for i := range cols {
		userType, err := r.uint32()
		if err != nil {
			return err
		}
		flags, err := r.uint16()
		if err != nil {
			return err
		}
		ti, err := readTypeInfo(r)
		if err != nil {
			return err
		}
		name, err := r.bVarChar()
		if err != nil {
			return err
		}
		cols[i] = Column{Name: name, UserType: userType, Flags: flags, Type: ti}
	}
	d.session.onColMetadata(cols)
	return nil
}

func (d *TokenDispatcher) handleRow(r *wireReader) error {
	cols := d.session.columns
	values := make([]any, len(cols))
	codec := d.session.codecFactory
	for i, col := range cols {
		c, err := codec.CodecFor(col.Type)
		if err != nil {
			return err
		}
		v, isNull, err := c.ReadValue(r, col.Type)
		if err != nil {
			return fmt.Errorf("column %d (%s): %w", i, col.Name, err)
		}
		if isNull {
			values[i] = nil
		} else {
			values[i] = v
		}
	}
	d.session.onRow(values)
	return nil
}

func (d *TokenDispatcher) handleNBCRow(r *wireReader) error {
	values, err := readNBCRow(r, d.session.columns, d.session.codecFactory)
	if err != nil {
		return err
	}
	d.session.onRow(values)
	return nil
}

func (d *TokenDispatcher) handleDone(r *wireReader, tok TokenType) error {
	status, err := r.uint16()
	if err != nil {
		return err
	}
	curCmd, err := r.uint16()
	if err != nil {
		return err
	}
	var rowCount uint64
	if d.session.tdsVersion >= VerTDS72 {
		rowCount, err = r.uint64()
	} else {
		var rc32 uint32
		rc32, err = r.uint32()
		rowCount = uint64(rc32)
	}
	if err != nil {
		return err
	}
	d.session.onDone(tok, DoneStatus{Status: status, CurCmd: curCmd, RowCount: rowCount})
	return nil
}

func (d *TokenDispatcher) handleEnvChange(r *wireReader) error {
	tokenLen, err := r.uint16()
	if err != nil {
		return err
	}
	body, err := r.bytes(int(tokenLen))
	if err != nil {
		return err
	}
	br := newWireReader(body)
	subType, err := br.byte()
	if err != nil {
		return err
	}

	ec := EnvChange{SubType: subType}

	switch subType {
	case EnvBeginTran, EnvCommitTran, EnvRollbackTran, EnvEnlistDTC, EnvDefectTran:
		// Transaction descriptor ENVCHANGEs carry raw bytes (BYTE length +
		// 8-byte descriptor), never UCS-2 text.
		newLen, err := br.byte()
		if err != nil {
			return err
		}
		newBytes, err := br.bytes(int(newLen))
		if err != nil {
			return err
		}
		ec.NewBytes = append([]byte(nil), newBytes...)
		oldLen, err := br.byte()
		if err != nil {
			return err
		}
		if _, err := br.bytes(int(oldLen)); err != nil {
			return err
		}
	case EnvRouting:
		// Routing's NEW value is not a UCS-2 string but a structured blob:
		// USHORT total length, BYTE protocol, USHORT port, USHORT serverLen,
		// then the server name in UCS-2. OLD value is an empty USHORT 0.
		dataLen, err := br.uint16()
		if err != nil {
			return err
		}
		_ = dataLen
		proto, err := br.byte()
		if err != nil {
			return err
		}
		port, err := br.uint16()
		if err != nil {
			return err
		}
		serverLen, err := br.uint16()
		if err != nil {
			return err
		}
		serverBytes, err := br.bytes(int(serverLen) * 2)
		if err != nil {
			return err
		}
		ec.Routing = &RouteInfo{Protocol: proto, Port: port, Server: ucs2ToString(serverBytes)}
		// old value: USHORT length (0 on a routing change)
		if _, err := br.uint16(); err != nil {
			return err
		}
	case EnvSQLCollation:
		newLen, err := br.byte()
		if err != nil {
			return err
		}
		newBytes, err := br.bytes(int(newLen))
		if err != nil {
			return err
		}
		ec.NewValue = fmt.Sprintf("%x", newBytes)
		oldLen, err := br.byte()
		if err != nil {
			return err
		}
		if _, err := br.bytes(int(oldLen)); err != nil {
			return err
		}
	default:
		newVal, err := br.bVarChar()
		if err != nil {
			return err
		}
		ec.NewValue = newVal
		oldVal, err := br.bVarChar()
		if err != nil {
			return err
		}
		ec.OldValue = oldVal
	}

	d.session.onEnvChange(ec)
	return nil
}

func (d *TokenDispatcher) handleMsg(r *wireReader, isError bool) error {
	tokenLen, err := r.uint16()
	if err != nil {
		return err
	}
	body, err := r.bytes(int(tokenLen))
	if err != nil {
		return err
	}
	br := newWireReader(body)

	number, err := br.int32()
	if err != nil {
		return err
	}
	state, err := br.byte()
	if err != nil {
		return err
	}
	severity, err := br.byte()
	if err != nil {
		return err
	}
	text, err := br.usVarChar()
	if err != nil {
		return err
	}
	server, err := br.bVarChar()
	if err != nil {
		return err
	}
	proc, err := br.bVarChar()
	if err != nil {
		return err
	}
	line, err := br.int32()
	if err != nil {
		return err
	}

	d.session.onMessage(Message{
		Number: number, State: state, Severity: severity,
		Text: text, Server: server, Proc: proc, Line: line, IsError: isError,
		Received: civil.DateTimeOf(time.Now()),
	})
	return nil
}

func (d *TokenDispatcher) handleReturnStatus(r *wireReader) error {
	status, err := r.int32()
	if err != nil {
		return err
	}
	d.session.onReturnStatus(status)
	return nil
}

func (d *TokenDispatcher) handleReturnValue(r *wireReader) error {
	ordinal, err := r.uint16()
	if err != nil {
		return err
	}
	_ = ordinal // ParamOrdinal; RETURNVALUE has no length prefix, and ReturnValue does not keep the ordinal

	paramName, err := r.bVarChar()
	if err != nil {
		return err
	}
	status, err := r.byte()
	if err != nil {
		return err
	}
	ti, err := readTypeInfo(r)
	if err != nil {
		return err
	}
	codec, err := d.session.codecFactory.CodecFor(ti)
	if err != nil {
		return err
	}
	value, isNull, err := codec.ReadValue(r, ti)
	if err != nil {
		return err
	}

	d.session.onReturnValue(ReturnValue{
		ParamName: paramName, Status: status, Type: ti, Value: value, IsNull: isNull,
	})
	return nil
}

func (d *TokenDispatcher) handleLoginAck(r *wireReader) error {
	tokenLen, err := r.uint16()
	if err != nil {
		return err
	}
	body, err := r.bytes(int(tokenLen))
	if err != nil {
		return err
	}
	br := newWireReader(body)

	iface, err := br.byte()
	if err != nil {
		return err
	}
	tdsVer, err := br.uint32()
	if err != nil {
		return err
	}
	// tdsVer as read is little-endian; MS-TDS actually encodes this field
	// big-endian, matching the PRELOGIN VERSION option. Byte-swap it.
	tdsVer = swap32(tdsVer)

	// Real servers routinely set the product name's own length byte
	// incorrectly, so it is read and discarded; the actual UCS-2 byte
	// count is derived from the token's declared total length instead,
	// less the 10 bytes consumed by interface(1)+tdsVer(4)+this length
	// byte(1)+progVersion(4).
	if _, err := br.byte(); err != nil {
		return err
	}
	if int(tokenLen) < 10 {
		return fmt.Errorf("tds: LOGINACK token too short: %d bytes", tokenLen)
	}
	nameBytes, err := br.bytes(int(tokenLen) - 10)
	if err != nil {
		return err
	}
	progName := ucs2ToString(nameBytes)
	progVersion, err := br.uint32()
	if err != nil {
		return err
	}
	progVersion = swap32(progVersion)

	d.session.onLoginAck(LoginAck{
		Interface: LoginAckInterface(iface), TDSVersion: tdsVer,
		ProgName: progName, ProgVersion: progVersion,
	})
	return nil
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xFF | (v>>8)&0xFF00 | (v<<8)&0xFF0000 | (v<<24)&0xFF000000
}

func (d *TokenDispatcher) handleOrder(r *wireReader) error {
	tokenLen, err := r.uint16()
	if err != nil {
		return err
	}
	// ORDER carries column-index hints only; the engine doesn't need them.
	return r.skip(int(tokenLen))
}

func (d *TokenDispatcher) handleSSPI(r *wireReader) error {
	tokenLen, err := r.uint16()
	if err != nil {
		return err
	}
	blob, err := r.bytes(int(tokenLen))
	if err != nil {
		return err
	}
	d.session.onSSPI(blob)
	return nil
}

func (d *TokenDispatcher) handleFeatureExtAck(r *wireReader) error {
	// FEATUREEXTACK is a sequence of (featureID BYTE, dataLen DWORD, data)
	// terminated by featureID 0xFF; we skip it, no feature in scope needs it.
	for {
		id, err := r.byte()
		if err != nil {
			return err
		}
		if id == 0xFF {
			return nil
		}
		dataLen, err := r.uint32()
		if err != nil {
			return err
		}
		if err := r.skip(int(dataLen)); err != nil {
			return err
		}
	}
}
