package tds

import (
	"context"
	"fmt"
	"math"
)

// BulkColumn describes one destination column for InsertBulk: its wire name
// and the TYPE_INFO the server should expect for every row's value in that
// position. Unlike COLMETADATA parsed off the wire, this is supplied by the
// caller up front, matching the column list a BULK INSERT target table uses.
type BulkColumn struct {
	Name string
	Type TypeInfo
}

// encodeBulkColMetadata builds the synthetic COLMETADATA token that opens a
// BULK request, per MS-TDS 2.2.6.2 / the teacher's INSERT BULK path: it has
// the same shape as a server-sent COLMETADATA, but the client writes it.
func encodeBulkColMetadata(cols []BulkColumn) []byte {
	buf := []byte{byte(TokenColMetadata), byte(len(cols)), byte(len(cols) >> 8)}
	for _, c := range cols {
		buf = append(buf, 0, 0, 0, 0) // UserType: none, the server infers it
		buf = append(buf, 0, 0)       // Flags
		buf = append(buf, encodeTypeInfoWire(c.Type)...)
		buf = append(buf, byte(len(c.Name)))
		buf = append(buf, stringToUCS2(c.Name)...)
	}
	return buf
}

// encodeBulkValue serializes one row value against its column's declared
// TYPE_INFO, the same value-wire-format ordinary ROW tokens use for that
// type, driven by the declared type rather than the Go value's own type.
func encodeBulkValue(ti TypeInfo, v any) ([]byte, error) {
	if v == nil {
		switch ti.ID {
		case TypeNVarChar, TypeNChar, TypeBigVarBin:
			return []byte{0xFF, 0xFF}, nil
		default:
			return []byte{0}, nil
		}
	}
	switch ti.ID {
	case TypeNVarChar, TypeNChar:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column type NVARCHAR needs a string, got %T", v)
		}
		data := stringToUCS2(s)
		body := make([]byte, 2+len(data))
		body[0] = byte(len(data))
		body[1] = byte(len(data) >> 8)
		copy(body[2:], data)
		return body, nil

	case TypeIntN:
		switch val := v.(type) {
		case int32:
			body := make([]byte, 5)
			body[0] = 4
			putU32LE(body[1:5], uint32(val))
			return body, nil
		case int64:
			body := make([]byte, 9)
			body[0] = 8
			putU64LE(body[1:9], uint64(val))
			return body, nil
		default:
			return nil, fmt.Errorf("column type INTN needs int32 or int64, got %T", v)
		}

	case TypeBitN:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("column type BITN needs a bool, got %T", v)
		}
		val := byte(0)
		if b {
			val = 1
		}
		return []byte{1, val}, nil

	case TypeFloatN:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("column type FLOATN needs a float64, got %T", v)
		}
		body := make([]byte, 9)
		body[0] = 8
		putU64LE(body[1:9], math.Float64bits(f))
		return body, nil

	case TypeBigVarBin:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("column type BIGVARBIN needs []byte, got %T", v)
		}
		body := make([]byte, 2+len(b))
		body[0] = byte(len(b))
		body[1] = byte(len(b) >> 8)
		copy(body[2:], b)
		return body, nil

	default:
		return nil, fmt.Errorf("unsupported bulk column type %v", ti.ID)
	}
}

func encodeBulkRow(cols []BulkColumn, row []any) ([]byte, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, want %d", len(row), len(cols))
	}
	buf := []byte{byte(TokenRow)}
	for i, c := range cols {
		v, err := encodeBulkValue(c.Type, row[i])
		if err != nil {
			return nil, fmt.Errorf("row column %d (%s): %w", i, c.Name, err)
		}
		buf = append(buf, v...)
	}
	return buf, nil
}

// encodeBulkDone appends the terminating DONE token BULK always closes with;
// like ordinary DONE tokens, the rowcount's width depends on the negotiated
// TDS version.
func encodeBulkDone(tdsVersion uint32, rowCount uint64) []byte {
	buf := []byte{byte(TokenDone), byte(DoneFinal), byte(DoneFinal >> 8), 0, 0}
	if tdsVersion >= VerTDS72 {
		b := make([]byte, 8)
		putU64LE(b, rowCount)
		buf = append(buf, b...)
	} else {
		b := make([]byte, 4)
		putU32LE(b, uint32(rowCount))
		buf = append(buf, b...)
	}
	return buf
}

// InsertBulk sends a single BULK request inserting rows into a table whose
// destination columns are described by cols: a synthetic COLMETADATA token,
// one ROW token per row, then a final DONE token, all in one BULK message
// (split into packets at the block size like any other message). It
// auto-cancels any pending operation first, like every other request.
func (s *Session) InsertBulk(ctx context.Context, cols []BulkColumn, rows [][]any) error {
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

	body := encodeBulkColMetadata(cols)
	for i, row := range rows {
		rowBytes, err := encodeBulkRow(cols, row)
		if err != nil {
			s.state = StateDead
			return fmt.Errorf("tds: encoding bulk row %d: %w", i, err)
		}
		body = append(body, rowBytes...)
	}
	body = append(body, encodeBulkDone(s.tdsVersion, uint64(len(rows)))...)

	if err := s.pw.WriteMessage(PacketBulkLoad, body); err != nil {
		s.state = StateDead
		return fmt.Errorf("tds: sending BULK: %w", err)
	}
	if err := s.transition(StatePending); err != nil {
		return err
	}
	return s.drainUntilIdle()
}
