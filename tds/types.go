package tds

import (
	"fmt"
	"time"
)

// SQLType is the wire type-id byte from TYPE_INFO.
type SQLType uint8

const (
	TypeNull   SQLType = 0x1F
	TypeInt1   SQLType = 0x30
	TypeBit    SQLType = 0x32
	TypeInt2   SQLType = 0x34
	TypeInt4   SQLType = 0x38
	TypeDateTime4 SQLType = 0x3A
	TypeFloat4 SQLType = 0x3B
	TypeMoney  SQLType = 0x3C
	TypeDateTime SQLType = 0x3D
	TypeFloat8 SQLType = 0x3E
	TypeMoney4 SQLType = 0x7A
	TypeInt8   SQLType = 0x7F

	TypeGUID     SQLType = 0x24
	TypeIntN     SQLType = 0x26
	TypeDecimal  SQLType = 0x37
	TypeNumeric  SQLType = 0x3F
	TypeBitN     SQLType = 0x68
	TypeDecimalN SQLType = 0x6A
	TypeNumericN SQLType = 0x6C
	TypeFloatN   SQLType = 0x6D
	TypeMoneyN   SQLType = 0x6E
	TypeDateTimeN SQLType = 0x6F
	TypeDateN    SQLType = 0x28
	TypeTimeN    SQLType = 0x29
	TypeDateTime2N SQLType = 0x2A
	TypeDateTimeOffsetN SQLType = 0x2B

	TypeChar      SQLType = 0x2F
	TypeVarChar   SQLType = 0x27
	TypeBinary    SQLType = 0x2D
	TypeVarBinary SQLType = 0x25

	TypeBigVarBin  SQLType = 0xA5
	TypeBigVarChar SQLType = 0xA7
	TypeBigBinary  SQLType = 0xAD
	TypeBigChar    SQLType = 0xAF
	TypeNVarChar   SQLType = 0xE7
	TypeNChar      SQLType = 0xEF
	TypeXML        SQLType = 0xF1
	TypeUDT        SQLType = 0xF0

	TypeText      SQLType = 0x23
	TypeImage     SQLType = 0x22
	TypeNText     SQLType = 0x63
	TypeSSVariant SQLType = 0x62
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8, TypeFloatN:
		return "FLOAT"
	case TypeDateTime, TypeDateTimeN:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeMoney, TypeMoney4, TypeMoneyN:
		return "MONEY"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		return "DECIMAL"
	case TypeChar, TypeBigChar:
		return "CHAR"
	case TypeVarChar, TypeBigVarChar:
		return "VARCHAR"
	case TypeBinary, TypeBigBinary:
		return "BINARY"
	case TypeVarBinary, TypeBigVarBin:
		return "VARBINARY"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Collation is the 5-byte SQL collation descriptor: LCID (20 bits), a
// sort-order-dependent flag block, and a legacy sort id byte.
type Collation struct {
	LCID      uint32
	SortFlags uint8
	SortID    uint8
	Raw       [5]byte
}

func decodeCollation(b []byte) Collation {
	var c Collation
	copy(c.Raw[:], b)
	lcidAndFlags := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	c.LCID = lcidAndFlags & 0x000FFFFF
	c.SortFlags = b[3]
	c.SortID = b[4]
	return c
}

// TypeInfo is the decoded TYPE_INFO structure preceding a column or
// parameter value: wire shape only, no value bytes.
type TypeInfo struct {
	ID        SQLType
	Size      uint32
	Precision uint8
	Scale     uint8
	Collation Collation
	HasCollation bool
}

// readTypeInfo parses a TYPE_INFO block per MS-TDS 2.2.5.4.
func readTypeInfo(r *wireReader) (TypeInfo, error) {
	var ti TypeInfo
	idByte, err := r.byte()
	if err != nil {
		return ti, err
	}
	ti.ID = SQLType(idByte)

	readByteSize := func() error {
		n, err := r.byte()
		if err != nil {
			return err
		}
		ti.Size = uint32(n)
		return nil
	}
	readCollation := func() error {
		b, err := r.bytes(5)
		if err != nil {
			return err
		}
		ti.Collation = decodeCollation(b)
		ti.HasCollation = true
		return nil
	}

	switch ti.ID {
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4, TypeDateTime, TypeDateTime4:
		// fixed-length, size implied by the type id

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		if err := readByteSize(); err != nil {
			return ti, err
		}

	case TypeDateN:
		ti.Size = 3

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Scale = scale

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		if err := readByteSize(); err != nil {
			return ti, err
		}
		prec, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Precision = prec
		scale, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Scale = scale

	case TypeGUID:
		if err := readByteSize(); err != nil {
			return ti, err
		}

	case TypeChar, TypeVarChar:
		if err := readByteSize(); err != nil {
			return ti, err
		}
		if err := readCollation(); err != nil {
			return ti, err
		}

	case TypeBinary, TypeVarBinary:
		if err := readByteSize(); err != nil {
			return ti, err
		}

	case TypeBigVarChar, TypeBigChar:
		n, err := r.uint16()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(n)
		if err := readCollation(); err != nil {
			return ti, err
		}

	case TypeBigVarBin, TypeBigBinary:
		n, err := r.uint16()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(n)

	case TypeNVarChar, TypeNChar:
		n, err := r.uint16()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(n)
		if err := readCollation(); err != nil {
			return ti, err
		}

	case TypeText, TypeNText:
		n, err := r.uint32()
		if err != nil {
			return ti, err
		}
		ti.Size = n
		if err := readCollation(); err != nil {
			return ti, err
		}
		if err := skipTableName(r); err != nil {
			return ti, err
		}

	case TypeImage:
		n, err := r.uint32()
		if err != nil {
			return ti, err
		}
		ti.Size = n
		if err := skipTableName(r); err != nil {
			return ti, err
		}

	case TypeXML:
		present, err := r.byte()
		if err != nil {
			return ti, err
		}
		if present != 0 {
			if _, err := r.bVarChar(); err != nil {
				return ti, err
			}
			if _, err := r.bVarChar(); err != nil {
				return ti, err
			}
			if _, err := r.usVarChar(); err != nil {
				return ti, err
			}
		}

	default:
		return ti, fmt.Errorf("unsupported TYPE_INFO id 0x%02X", idByte)
	}

	return ti, nil
}

func skipTableName(r *wireReader) error {
	numParts, err := r.byte()
	if err != nil {
		return err
	}
	for i := uint8(0); i < numParts; i++ {
		n, err := r.uint16()
		if err != nil {
			return err
		}
		if err := r.skip(int(n) * 2); err != nil {
			return err
		}
	}
	return nil
}

var epoch1900 = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
var epoch0001 = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

func scaleDivisor(scale uint8) uint64 {
	d := uint64(1)
	for i := uint8(0); i < 7-scale; i++ {
		d *= 10
	}
	return d
}
