package tds

import (
	"fmt"
	"math"
)

// Special (built-in) stored procedure ids, sent in place of a procedure name
// per MS-TDS 2.2.6.5: RPCRequest.ProcIDSwitch == 0xFFFF selects one of these.
const (
	spCursor       uint16 = 1
	spCursorOpen   uint16 = 2
	spExecuteSQL   uint16 = 10
	spPrepare      uint16 = 11
	spExecute      uint16 = 12
	spPrepExec     uint16 = 13
	spUnprepare    uint16 = 15
)

// rpcParamStatus flags (MS-TDS 2.2.6.5 Status Flags).
const (
	rpcParamByRefOutput uint8 = 0x01
)

func encodeSpecialRPCHeader(procID uint16) []byte {
	buf := make([]byte, 4)
	buf[0] = 0xFF
	buf[1] = 0xFF
	buf[2] = byte(procID)
	buf[3] = byte(procID >> 8)
	return buf
}

// encodeRPCOptionFlags is the USHORT following the proc name/id: bit 0
// requests "recompile", bit 1 "no metadata" in the response. Neither is
// needed here.
func encodeRPCOptionFlags() []byte { return []byte{0x00, 0x00} }

// writeRPCParam appends one parameter: name, status byte, TYPE_INFO, value.
func writeRPCParam(buf []byte, p RPCParam) ([]byte, error) {
	name := p.Name
	if name != "" && name[0] != '@' {
		name = "@" + name
	}
	nameBytes := stringToUCS2(name)
	buf = append(buf, byte(len(name)))
	buf = append(buf, nameBytes...)

	var status uint8
	if p.Output {
		status = rpcParamByRefOutput
	}
	buf = append(buf, status)

	ti, valueBytes, err := encodeTypeInfoAndValue(p.Type, p.Value)
	if err != nil {
		return nil, fmt.Errorf("param %s: %w", p.Name, err)
	}
	buf = append(buf, encodeTypeInfoWire(ti)...)
	buf = append(buf, valueBytes...)
	return buf, nil
}

// encodeTypeInfoWire serializes a TypeInfo back to TYPE_INFO wire bytes for
// the subset of types this client sends as RPC parameters (it never needs
// to roundtrip every server-only type COLMETADATA can describe).
func encodeTypeInfoWire(ti TypeInfo) []byte {
	switch ti.ID {
	case TypeNVarChar, TypeNChar:
		buf := make([]byte, 1+2+5)
		buf[0] = byte(ti.ID)
		buf[1] = byte(ti.Size)
		buf[2] = byte(ti.Size >> 8)
		copy(buf[3:8], defaultCollationBytes())
		return buf
	case TypeIntN:
		return []byte{byte(ti.ID), byte(ti.Size)}
	case TypeBitN:
		return []byte{byte(ti.ID), 1}
	case TypeFloatN:
		return []byte{byte(ti.ID), byte(ti.Size)}
	case TypeBigVarBin:
		buf := make([]byte, 3)
		buf[0] = byte(ti.ID)
		buf[1] = byte(ti.Size)
		buf[2] = byte(ti.Size >> 8)
		return buf
	case TypeNull:
		return []byte{byte(TypeNVarChar), 0, 0, 0, 0, 0, 0, 0}
	default:
		return []byte{byte(ti.ID)}
	}
}

func defaultCollationBytes() []byte {
	// SQL_Latin1_General_CP1_CI_AS, a reasonable default for client-built
	// string parameters; the server's own collation governs comparisons.
	return []byte{0x09, 0x04, 0x00, 0x00, 0x00}
}

// encodeTypeInfoAndValue maps a Go value to wire TYPE_INFO + value bytes.
// This is intentionally narrow: it covers the types a client needs to send
// (query text, handles, scalar parameters), not the full server-side type
// matrix readTypeInfo/readValue decode on the way back.
func encodeTypeInfoAndValue(want TypeInfo, v any) (TypeInfo, []byte, error) {
	if v == nil {
		return TypeInfo{ID: TypeNVarChar, Size: 0}, []byte{0xFF, 0xFF}, nil
	}

	switch val := v.(type) {
	case string:
		data := stringToUCS2(val)
		size := uint32(8000)
		if len(data) > 8000 {
			size = uint32(len(data))
		}
		ti := TypeInfo{ID: TypeNVarChar, Size: size}
		body := make([]byte, 2+len(data))
		body[0] = byte(len(data))
		body[1] = byte(len(data) >> 8)
		copy(body[2:], data)
		return ti, body, nil

	case int32:
		ti := TypeInfo{ID: TypeIntN, Size: 4}
		body := make([]byte, 5)
		body[0] = 4
		putU32LE(body[1:5], uint32(val))
		return ti, body, nil

	case int64:
		ti := TypeInfo{ID: TypeIntN, Size: 8}
		body := make([]byte, 9)
		body[0] = 8
		putU64LE(body[1:9], uint64(val))
		return ti, body, nil

	case bool:
		ti := TypeInfo{ID: TypeBitN, Size: 1}
		b := byte(0)
		if val {
			b = 1
		}
		return ti, []byte{1, b}, nil

	case float64:
		ti := TypeInfo{ID: TypeFloatN, Size: 8}
		body := make([]byte, 9)
		body[0] = 8
		putU64LE(body[1:9], math.Float64bits(val))
		return ti, body, nil

	case []byte:
		ti := TypeInfo{ID: TypeBigVarBin, Size: uint32(len(val))}
		body := make([]byte, 2+len(val))
		body[0] = byte(len(val))
		body[1] = byte(len(val) >> 8)
		copy(body[2:], val)
		return ti, body, nil

	default:
		return TypeInfo{}, nil, fmt.Errorf("unsupported parameter value type %T", v)
	}
}

func putU64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func buildSpPrepareRPC(sql, paramDefs string) ([]byte, error) {
	buf := encodeSpecialRPCHeader(spPrepare)
	buf = append(buf, encodeRPCOptionFlags()...)

	var err error
	buf, err = writeRPCParam(buf, RPCParam{Name: "handle", Type: TypeInfo{ID: TypeIntN, Size: 4}, Value: int32(0), Output: true})
	if err != nil {
		return nil, err
	}
	buf, err = writeRPCParam(buf, RPCParam{Name: "params", Value: paramDefs})
	if err != nil {
		return nil, err
	}
	buf, err = writeRPCParam(buf, RPCParam{Name: "stmt", Value: sql})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func buildSpExecuteRPC(handle int32, params []RPCParam) ([]byte, error) {
	buf := encodeSpecialRPCHeader(spExecute)
	buf = append(buf, encodeRPCOptionFlags()...)

	var err error
	buf, err = writeRPCParam(buf, RPCParam{Name: "handle", Value: handle})
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		buf, err = writeRPCParam(buf, p)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func buildSpUnprepareRPC(handle int32) ([]byte, error) {
	buf := encodeSpecialRPCHeader(spUnprepare)
	buf = append(buf, encodeRPCOptionFlags()...)
	buf, err := writeRPCParam(buf, RPCParam{Name: "handle", Value: handle})
	if err != nil {
		return nil, err
	}
	return buf, nil
}
