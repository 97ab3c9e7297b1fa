package tds

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ValueCodec decodes a single SQL value given its TYPE_INFO. This is the
// external-collaborator seam: callers that need exotic types (Always
// Encrypted, CLR UDTs, custom money formatting) implement their own and
// register it through a CodecFactory. readValue below is the built-in
// default and covers every type readTypeInfo understands.
type ValueCodec interface {
	ReadValue(r *wireReader, ti TypeInfo) (value any, isNull bool, err error)
}

// CodecFactory resolves a ValueCodec for a wire type, optionally consulting
// collation (character set matters for CHAR/VARCHAR/TEXT).
type CodecFactory interface {
	CodecFor(ti TypeInfo) (ValueCodec, error)
}

type defaultCodec struct{}

// DefaultCodecFactory is the built-in CodecFactory; Connection uses it
// unless a caller supplies a CodecFactory of its own through DialOptions.
var DefaultCodecFactory CodecFactory = defaultCodec{}

func (defaultCodec) CodecFor(ti TypeInfo) (ValueCodec, error) {
	return defaultCodec{}, nil
}

func (defaultCodec) ReadValue(r *wireReader, ti TypeInfo) (any, bool, error) {
	return readValue(r, ti)
}

// readValue reads one value's bytes (length prefix included, per its type's
// own framing rules) and decodes it. Returns (value, isNull, error).
func readValue(r *wireReader, ti TypeInfo) (any, bool, error) {
	switch ti.ID {
	case TypeNull:
		return nil, true, nil

	case TypeInt1:
		v, err := r.byte()
		return int64(v), false, err
	case TypeBit:
		v, err := r.byte()
		return v != 0, false, err
	case TypeInt2:
		v, err := r.uint16()
		return int64(int16(v)), false, err
	case TypeInt4:
		v, err := r.int32()
		return int64(v), false, err
	case TypeInt8:
		v, err := r.int64()
		return v, false, err
	case TypeFloat4:
		v, err := r.float32()
		return float64(v), false, err
	case TypeFloat8:
		v, err := r.float64()
		return v, false, err
	case TypeDateTime4:
		days, err := r.uint16()
		if err != nil {
			return nil, false, err
		}
		mins, err := r.uint16()
		return decodeSmallDateTime(days, mins), false, err
	case TypeDateTime:
		days, err := r.int32()
		if err != nil {
			return nil, false, err
		}
		ticks, err := r.uint32()
		return decodeDateTime(days, ticks), false, err

	case TypeIntN:
		return readIntN(r)
	case TypeBitN:
		return readBitN(r)
	case TypeFloatN:
		return readFloatN(r)
	case TypeMoneyN:
		return readMoneyN(r)
	case TypeDateTimeN:
		return readDateTimeN(r)
	case TypeDateN:
		return readDateN(r)
	case TypeTimeN:
		return readTimeN(r, ti.Scale)
	case TypeDateTime2N:
		return readDateTime2N(r, ti.Scale)
	case TypeDateTimeOffsetN:
		return readDateTimeOffsetN(r, ti.Scale)
	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		return readDecimalN(r, ti.Precision, ti.Scale)
	case TypeGUID:
		return readGUID(r)

	case TypeChar, TypeVarChar:
		return readShortVarChar(r)
	case TypeBigVarChar, TypeBigChar:
		return readLongVarChar(r)
	case TypeNVarChar, TypeNChar:
		return readNVarChar(r)
	case TypeBinary, TypeVarBinary:
		return readShortVarBinary(r)
	case TypeBigVarBin, TypeBigBinary:
		return readLongVarBinary(r)
	case TypeText, TypeNText, TypeImage:
		return readTextPointer(r, ti.ID)
	case TypeXML:
		return readPLPUnicode(r)

	default:
		return nil, false, fmt.Errorf("cannot read value for type %s", ti.ID)
	}
}

func readIntN(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	switch size {
	case 1:
		v, err := r.byte()
		return int64(v), false, err
	case 2:
		v, err := r.uint16()
		return int64(int16(v)), false, err
	case 4:
		v, err := r.int32()
		return int64(v), false, err
	case 8:
		v, err := r.int64()
		return v, false, err
	default:
		return nil, false, fmt.Errorf("invalid IntN size %d", size)
	}
}

func readBitN(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	v, err := r.byte()
	return v != 0, false, err
}

func readFloatN(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	switch size {
	case 4:
		v, err := r.float32()
		return float64(v), false, err
	case 8:
		v, err := r.float64()
		return v, false, err
	default:
		return nil, false, fmt.Errorf("invalid FloatN size %d", size)
	}
}

func readMoneyN(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	switch size {
	case 4:
		v, err := r.int32()
		return float64(v) / 10000.0, false, err
	case 8:
		hi, err := r.int32()
		if err != nil {
			return nil, false, err
		}
		lo, err := r.uint32()
		if err != nil {
			return nil, false, err
		}
		return float64(int64(hi)<<32|int64(lo)) / 10000.0, false, nil
	default:
		return nil, false, fmt.Errorf("invalid MoneyN size %d", size)
	}
}

func readDateTimeN(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	switch size {
	case 4:
		days, err := r.uint16()
		if err != nil {
			return nil, false, err
		}
		mins, err := r.uint16()
		return decodeSmallDateTime(days, mins), false, err
	case 8:
		days, err := r.int32()
		if err != nil {
			return nil, false, err
		}
		ticks, err := r.uint32()
		return decodeDateTime(days, ticks), false, err
	default:
		return nil, false, fmt.Errorf("invalid DateTimeN size %d", size)
	}
}

func readDateN(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	b, err := r.bytes(3)
	if err != nil {
		return nil, false, err
	}
	days := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	return epoch0001.AddDate(0, 0, int(days)), false, nil
}

func readTimeN(r *wireReader, scale uint8) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	return decodeTimeOfDay(b, scale), false, nil
}

func readDateTime2N(r *wireReader, scale uint8) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	return decodeDateTime2(b, scale), false, nil
}

func readDateTimeOffsetN(r *wireReader, scale uint8) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	return decodeDateTimeOffset(b, scale), false, nil
}

func readDecimalN(r *wireReader, precision, scale uint8) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	return decodeDecimal(b, scale), false, nil
}

func readGUID(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 {
		return nil, size == 0, err
	}
	b, err := r.bytes(16)
	if err != nil {
		return nil, false, err
	}
	return formatGUID(b), false, nil
}

func readShortVarChar(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 || size == 0xFF {
		return nil, size == 0 || size == 0xFF, err
	}
	b, err := r.bytes(int(size))
	return string(b), false, err
}

func readLongVarChar(r *wireReader) (any, bool, error) {
	size, err := r.uint16()
	if err != nil || size == 0xFFFF {
		return nil, size == 0xFFFF, err
	}
	b, err := r.bytes(int(size))
	return string(b), false, err
}

func readNVarChar(r *wireReader) (any, bool, error) {
	size, err := r.uint16()
	if err != nil || size == 0xFFFF {
		return nil, size == 0xFFFF, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	return ucs2ToString(b), false, nil
}

func readShortVarBinary(r *wireReader) (any, bool, error) {
	size, err := r.byte()
	if err != nil || size == 0 || size == 0xFF {
		return nil, size == 0 || size == 0xFF, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, false, nil
}

func readLongVarBinary(r *wireReader) (any, bool, error) {
	size, err := r.uint16()
	if err != nil || size == 0xFFFF {
		return nil, size == 0xFFFF, err
	}
	b, err := r.bytes(int(size))
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, false, nil
}

func readTextPointer(r *wireReader, typeID SQLType) (any, bool, error) {
	tpLen, err := r.byte()
	if err != nil || tpLen == 0 {
		return nil, tpLen == 0, err
	}
	if err := r.skip(int(tpLen) + 8); err != nil {
		return nil, false, err
	}
	dataLen, err := r.uint32()
	if err != nil {
		return nil, false, err
	}
	b, err := r.bytes(int(dataLen))
	if err != nil {
		return nil, false, err
	}
	switch typeID {
	case TypeNText:
		return ucs2ToString(b), false, nil
	case TypeImage:
		out := make([]byte, len(b))
		copy(out, b)
		return out, false, nil
	default:
		return string(b), false, nil
	}
}

// readPLPUnicode reads a Partially Length-Prefixed unicode blob (XML, the
// (n)varchar(max)/(n)text(max) family).
func readPLPUnicode(r *wireReader) (any, bool, error) {
	totalLen, err := r.uint64()
	if err != nil {
		return nil, false, err
	}
	if totalLen == 0xFFFFFFFFFFFFFFFF {
		return nil, true, nil
	}
	var result []byte
	for {
		chunkLen, err := r.uint32()
		if err != nil {
			return nil, false, err
		}
		if chunkLen == 0 {
			break
		}
		chunk, err := r.bytes(int(chunkLen))
		if err != nil {
			return nil, false, err
		}
		result = append(result, chunk...)
	}
	return ucs2ToString(result), false, nil
}

func decodeSmallDateTime(days, mins uint16) time.Time {
	return epoch1900.AddDate(0, 0, int(days)).Add(time.Duration(mins) * time.Minute)
}

func decodeDateTime(days int32, ticks uint32) time.Time {
	ns := int64(ticks) * 1000000000 / 300
	return epoch1900.AddDate(0, 0, int(days)).Add(time.Duration(ns))
}

func decodeTimeOfDay(b []byte, scale uint8) time.Time {
	var ticks uint64
	for i := 0; i < len(b); i++ {
		ticks |= uint64(b[i]) << (uint(i) * 8)
	}
	ns := ticks * 100 * scaleDivisor(scale)
	return time.Date(1, 1, 1, 0, 0, 0, int(ns), time.UTC)
}

func decodeDateTime2(b []byte, scale uint8) time.Time {
	timeLen := len(b) - 3
	timeBytes, dateBytes := b[:timeLen], b[timeLen:]
	days := uint32(dateBytes[0]) | uint32(dateBytes[1])<<8 | uint32(dateBytes[2])<<16
	date := epoch0001.AddDate(0, 0, int(days))

	var ticks uint64
	for i := 0; i < len(timeBytes); i++ {
		ticks |= uint64(timeBytes[i]) << (uint(i) * 8)
	}
	ns := ticks * 100 * scaleDivisor(scale)
	return date.Add(time.Duration(ns))
}

func decodeDateTimeOffset(b []byte, scale uint8) time.Time {
	offsetBytes := b[len(b)-2:]
	dtBytes := b[:len(b)-2]

	offsetMins := int16(uint16(offsetBytes[0]) | uint16(offsetBytes[1])<<8)
	loc := time.FixedZone("", int(offsetMins)*60)

	timeLen := len(dtBytes) - 3
	timeBytes, dateBytes := dtBytes[:timeLen], dtBytes[timeLen:]
	days := uint32(dateBytes[0]) | uint32(dateBytes[1])<<8 | uint32(dateBytes[2])<<16
	date := time.Date(1, 1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, int(days))

	var ticks uint64
	for i := 0; i < len(timeBytes); i++ {
		ticks |= uint64(timeBytes[i]) << (uint(i) * 8)
	}
	ns := ticks * 100 * scaleDivisor(scale)
	return date.Add(time.Duration(ns))
}

// Numeric holds a DECIMALN/NUMERICN value as an unscaled big.Int plus the
// wire scale, deliberately short of a full fixed-point type: exact
// fixed-point arithmetic and formatting belong to an external value
// serializer (§1 Non-goals), not the wire-framing layer.
type Numeric struct {
	Unscaled *big.Int
	Scale    uint8
}

func (n Numeric) String() string {
	if n.Unscaled == nil {
		return "0"
	}
	s := n.Unscaled.String()
	if n.Scale == 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= int(n.Scale) {
		s = "0" + s
	}
	intPart, fracPart := s[:len(s)-int(n.Scale)], s[len(s)-int(n.Scale):]
	out := intPart + "." + fracPart
	if neg {
		out = "-" + out
	}
	return out
}

// decodeDecimal reads DECIMALN/NUMERICN's sign byte plus up to 16 bytes of
// little-endian magnitude into a Numeric; the sign/scale assembly is wire
// framing, not business-level type conversion.
func decodeDecimal(b []byte, scale uint8) Numeric {
	if len(b) == 0 {
		return Numeric{Unscaled: big.NewInt(0), Scale: scale}
	}
	sign := b[0]
	data := b[1:]

	le := make([]byte, len(data))
	for i, v := range data {
		le[len(data)-1-i] = v
	}
	mag := new(big.Int).SetBytes(le)
	if sign == 0 {
		mag.Neg(mag)
	}
	return Numeric{Unscaled: mag, Scale: scale}
}

func formatGUID(b []byte) string {
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15])
}
