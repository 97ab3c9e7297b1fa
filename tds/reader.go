package tds

import (
	"encoding/binary"
	"fmt"
	"math"
)

// wireReader is a bounds-checked cursor over one fully buffered TDS message.
// Token parsing and TYPE_INFO/value decoding both read from it; it never
// blocks, since PacketReader.ReadMessage has already reassembled the whole
// logical message before token dispatch begins.
type wireReader struct {
	data []byte
	pos  int
}

func newWireReader(data []byte) *wireReader {
	return &wireReader{data: data}
}

func (r *wireReader) remaining() int {
	return len(r.data) - r.pos
}

func (r *wireReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of stream at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *wireReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, r.remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *wireReader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *wireReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *wireReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *wireReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *wireReader) int64() (int64, error) {
	v, err := r.uint64()
	return int64(v), err
}

func (r *wireReader) float32() (float32, error) {
	v, err := r.uint32()
	return math.Float32frombits(v), err
}

func (r *wireReader) float64() (float64, error) {
	v, err := r.uint64()
	return math.Float64frombits(v), err
}

func (r *wireReader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

// usVarChar reads a USHORT length prefix followed by that many UCS-2 chars.
func (r *wireReader) usVarChar() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return ucs2ToString(b), nil
}

// bVarChar reads a BYTE length prefix followed by that many UCS-2 chars.
func (r *wireReader) bVarChar() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return ucs2ToString(b), nil
}
