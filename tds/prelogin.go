package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions, sent as the VERSION prelogin option and as the
// full 32-bit LOGIN7.TDSVersion field.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
)

func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// Prelogin option tokens.
const (
	preloginVersion    uint8 = 0x00
	preloginEncryption uint8 = 0x01
	preloginInstOpt    uint8 = 0x02
	preloginThreadID   uint8 = 0x03
	preloginMARS       uint8 = 0x04
	preloginTraceID    uint8 = 0x05
	preloginFedAuth    uint8 = 0x06
	preloginNonceOpt   uint8 = 0x07
	preloginTerminator uint8 = 0xFF
)

// Encryption negotiation values carried in the ENCRYPTION prelogin option.
const (
	EncryptOff    uint8 = 0x00 // off, client/server may still negotiate TLS for login only
	EncryptOn     uint8 = 0x01 // on for the whole session
	EncryptNotSup uint8 = 0x02 // client/server does not support encryption at all
	EncryptReq    uint8 = 0x03 // required for the whole session
)

// encodePreloginOptions serializes an ordered option list into the TDS
// PRELOGIN wire format: a header table of (token, offset, length) entries
// terminated by 0xFF, followed by the concatenated option payloads.
func encodePreloginOptions(order []uint8, values map[uint8][]byte) []byte {
	headerSize := len(order)*5 + 1
	offset := uint16(headerSize)
	total := headerSize
	for _, tok := range order {
		total += len(values[tok])
	}

	buf := make([]byte, total)
	pos := 0
	for _, tok := range order {
		v := values[tok]
		buf[pos] = tok
		binary.BigEndian.PutUint16(buf[pos+1:pos+3], offset)
		binary.BigEndian.PutUint16(buf[pos+3:pos+5], uint16(len(v)))
		offset += uint16(len(v))
		pos += 5
	}
	buf[pos] = preloginTerminator
	pos++
	for _, tok := range order {
		pos += copy(buf[pos:], values[tok])
	}
	return buf
}

// decodePreloginOptions parses the option table into a token->value map.
func decodePreloginOptions(data []byte) (map[uint8][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty prelogin message")
	}
	type hdr struct{ off, ln uint16 }
	headers := make(map[uint8]hdr)
	pos := 0
	for {
		if pos >= len(data) {
			return nil, fmt.Errorf("prelogin option table truncated")
		}
		tok := data[pos]
		if tok == preloginTerminator {
			break
		}
		if pos+5 > len(data) {
			return nil, fmt.Errorf("prelogin option header truncated")
		}
		headers[tok] = hdr{
			off: binary.BigEndian.Uint16(data[pos+1 : pos+3]),
			ln:  binary.BigEndian.Uint16(data[pos+3 : pos+5]),
		}
		pos += 5
	}

	values := make(map[uint8][]byte, len(headers))
	for tok, h := range headers {
		start, end := int(h.off), int(h.off)+int(h.ln)
		if end > len(data) || start > end {
			return nil, fmt.Errorf("prelogin option 0x%02X out of bounds", tok)
		}
		values[tok] = data[start:end]
	}
	return values, nil
}

// PreloginRequest is what the client sends to open the handshake.
type PreloginRequest struct {
	Version    uint32
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       bool
}

// Encode builds the wire bytes for a PRELOGIN request.
func (p PreloginRequest) Encode() []byte {
	versionBytes := make([]byte, 6)
	binary.BigEndian.PutUint32(versionBytes[0:4], p.Version)
	// sub-build left zero

	instance := []byte(p.Instance)
	instance = append(instance, 0)

	threadID := make([]byte, 4)
	binary.BigEndian.PutUint32(threadID, p.ThreadID)

	mars := []byte{0}
	if p.MARS {
		mars[0] = 1
	}

	order := []uint8{preloginVersion, preloginEncryption, preloginInstOpt, preloginThreadID, preloginMARS}
	values := map[uint8][]byte{
		preloginVersion:    versionBytes,
		preloginEncryption: {p.Encryption},
		preloginInstOpt:    instance,
		preloginThreadID:   threadID,
		preloginMARS:       mars,
	}
	return encodePreloginOptions(order, values)
}

// PreloginResponse is what the server returns in its first reply.
type PreloginResponse struct {
	Version    uint32
	Encryption uint8
	MARS       bool
	FedAuthSup bool
}

// ParsePreloginResponse decodes the server's PRELOGIN reply.
func ParsePreloginResponse(data []byte) (*PreloginResponse, error) {
	values, err := decodePreloginOptions(data)
	if err != nil {
		return nil, err
	}
	resp := &PreloginResponse{}
	if v, ok := values[preloginVersion]; ok && len(v) >= 4 {
		resp.Version = binary.BigEndian.Uint32(v[0:4])
	}
	if v, ok := values[preloginEncryption]; ok && len(v) >= 1 {
		resp.Encryption = v[0]
	}
	if v, ok := values[preloginMARS]; ok && len(v) >= 1 {
		resp.MARS = v[0] != 0
	}
	if _, ok := values[preloginFedAuth]; ok {
		resp.FedAuthSup = true
	}
	return resp, nil
}

// NegotiateEncryption applies the TDS encryption decision matrix (MS-TDS
// 2.2.6.4) given what the client asked for and what the server answered.
// It reports whether TLS must wrap the whole session, whether TLS is needed
// only to protect LOGIN7, or whether the handshake must be aborted.
type EncryptionDecision int

const (
	EncryptNone EncryptionDecision = iota
	EncryptLoginOnly
	EncryptFull
	EncryptUnsupported
)

func NegotiateEncryption(clientWanted, serverOffered uint8) EncryptionDecision {
	switch {
	case clientWanted == EncryptNotSup && serverOffered == EncryptNotSup:
		return EncryptNone
	case clientWanted == EncryptNotSup || serverOffered == EncryptNotSup:
		// One side refuses encryption outright; if the other requires it
		// the handshake cannot proceed.
		if clientWanted == EncryptReq || serverOffered == EncryptReq {
			return EncryptUnsupported
		}
		return EncryptNone
	case clientWanted == EncryptOff && serverOffered == EncryptOff:
		return EncryptLoginOnly
	case clientWanted == EncryptOn || serverOffered == EncryptOn ||
		clientWanted == EncryptReq || serverOffered == EncryptReq:
		return EncryptFull
	default:
		return EncryptLoginOnly
	}
}
