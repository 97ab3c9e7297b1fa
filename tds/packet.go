package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the kind of payload carried by a TDS packet header.
type PacketType uint8

const (
	PacketSQLBatch      PacketType = 1
	PacketPreTDS7Login  PacketType = 2
	PacketRPC           PacketType = 3
	PacketReply         PacketType = 4
	PacketAttention     PacketType = 6
	PacketBulkLoad      PacketType = 7
	PacketTransMgr      PacketType = 14
	PacketLogin7        PacketType = 16
	PacketSSPI          PacketType = 17
	PacketPrelogin      PacketType = 18
)

func (t PacketType) String() string {
	switch t {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPC:
		return "RPC"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketTransMgr:
		return "TRANSACTION_MANAGER"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPI:
		return "SSPI"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// PacketStatus carries the framing flags from byte 1 of the header.
type PacketStatus uint8

const (
	StatusNormal                  PacketStatus = 0x00
	StatusEOM                     PacketStatus = 0x01 // last packet of the message
	StatusIgnore                  PacketStatus = 0x02
	StatusResetConnection         PacketStatus = 0x08
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

func (s PacketStatus) IsLast() bool {
	return s&StatusEOM != 0
}

func (s PacketStatus) IsResetConnection() bool {
	return s&StatusResetConnection != 0
}

// Header is the fixed 8-byte preamble in front of every TDS packet.
//
//	BYTE  Type
//	BYTE  Status
//	USHORT Length (big-endian, includes the header itself)
//	USHORT SPID (big-endian)
//	BYTE  PacketID
//	BYTE  Window (unused, always 0)
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16
	SPID     uint16
	PacketID uint8
	Window   uint8
}

const HeaderSize = 8

const (
	MinPacketSize     = 512
	DefaultPacketSize = 4096
	MaxPacketSize     = 32767
)

// ReadHeader reads and validates one 8-byte packet header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("reading packet header: %w", err)
	}
	h := Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < HeaderSize {
		return Header{}, fmt.Errorf("invalid packet length %d: smaller than header", h.Length)
	}
	return h, nil
}

// Write serializes the header.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength is the number of bytes following the header in this packet.
func (h Header) PayloadLength() int {
	return int(h.Length) - HeaderSize
}

func (h Header) IsLastPacket() bool {
	return h.Status.IsLast()
}
