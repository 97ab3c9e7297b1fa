package tds

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

// ucs2Decoder turns wire-format UCS-2LE bytes into UTF-8 strings. TDS strings
// are nominally UCS-2 rather than full UTF-16, but the decoder tolerates
// surrogate pairs a server sends anyway.
var ucs2Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// LOGIN7 option flags (same bit layout MS-TDS documents for both directions).
const (
	flagByteOrderLE uint8 = 0x00
	flagCharASCII   uint8 = 0x00
	flagFloatIEEE   uint8 = 0x00
	flagDumpLoadOff uint8 = 0x10
	flagUseDB       uint8 = 0x20
	flagInitDBFatal uint8 = 0x40
	flagSetLang     uint8 = 0x80

	flagODBC        uint8 = 0x02
	flagIntSecurity uint8 = 0x80

	flagChangePassword uint8 = 0x01
)

// login7HeaderSize is the fixed portion preceding LOGIN7's variable data.
// TDS7.0/7.1 uses 86 bytes (no SSPILongLength); 7.2+ adds the trailing
// 4-byte SSPILongLength field, for 94 total.
const login7HeaderSize = 94

// LoginConfig carries everything needed to build a LOGIN7 request.
type LoginConfig struct {
	TDSVersion     uint32
	PacketSize     uint32
	HostName       string
	UserName       string
	Password       string
	AppName        string
	ServerName     string
	CtlIntName     string // client interface/library name
	Language       string
	Database       string
	ClientPID      uint32
	ClientLCID     uint32
	ReadOnlyIntent bool
	SSPI           []byte // non-empty enables integrated auth instead of UserName/Password
	ChangePassword string
}

// EncodeLogin7 builds the wire bytes for a LOGIN7 request: a fixed 94-byte
// header containing an offset/length table, followed by the UCS-2 string
// data and any SSPI blob it points into.
func EncodeLogin7(cfg LoginConfig) []byte {
	fields := []struct {
		data []byte
	}{
		{stringToUCS2(cfg.HostName)},
		{stringToUCS2(cfg.UserName)},
		{mangledPassword(cfg.Password)},
		{stringToUCS2(cfg.AppName)},
		{stringToUCS2(cfg.ServerName)},
		{nil}, // extension: unused, feature-ext block carried separately
		{stringToUCS2(cfg.CtlIntName)},
		{stringToUCS2(cfg.Language)},
		{stringToUCS2(cfg.Database)},
		{cfg.SSPI},
		{nil}, // AtchDBFile: unused
		{mangledPassword(cfg.ChangePassword)},
	}

	offset := uint16(login7HeaderSize)
	offsets := make([]uint16, len(fields))
	for i, f := range fields {
		offsets[i] = offset
		offset += uint16(len(f.data))
	}
	totalLen := uint32(offset)

	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], cfg.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], cfg.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0x07000000) // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:20], cfg.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID

	optFlags1 := flagDumpLoadOff | flagUseDB | flagSetLang
	if cfg.Database != "" {
		optFlags1 |= flagInitDBFatal
	}
	buf[24] = optFlags1

	optFlags2 := flagODBC
	if len(cfg.SSPI) > 0 {
		optFlags2 |= flagIntSecurity
	}
	buf[25] = optFlags2

	var typeFlags uint8
	if cfg.ReadOnlyIntent {
		typeFlags |= 0x20
	}
	buf[26] = typeFlags

	var optFlags3 uint8
	if cfg.ChangePassword != "" {
		optFlags3 |= flagChangePassword
	}
	buf[27] = optFlags3

	binary.LittleEndian.PutUint32(buf[28:32], 0)            // ClientTimeZone
	binary.LittleEndian.PutUint32(buf[32:36], cfg.ClientLCID)

	putOffsetLen := func(pos int, idx int) {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], offsets[idx])
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], uint16(len(fields[idx].data)/2))
	}
	putOffsetLen(36, 0) // HostName
	putOffsetLen(40, 1) // UserName
	putOffsetLen(44, 2) // Password
	putOffsetLen(48, 3) // AppName
	putOffsetLen(52, 4) // ServerName
	putOffsetLen(56, 5) // Extension
	putOffsetLen(60, 6) // CtlIntName
	putOffsetLen(64, 7) // Language
	putOffsetLen(68, 8) // Database

	// ClientID: 72..78, left zero (no MAC address available/needed)

	putOffsetLen(78, 9) // SSPI
	if len(cfg.SSPI) > 0 {
		binary.LittleEndian.PutUint16(buf[78:80], offsets[9])
		binary.LittleEndian.PutUint16(buf[80:82], uint16(len(cfg.SSPI)))
	}
	putOffsetLen(82, 10) // AtchDBFile
	putOffsetLen(86, 11) // ChangePassword

	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength, unused for short SSPI

	pos := login7HeaderSize
	for _, f := range fields {
		pos += copy(buf[pos:], f.data)
	}

	return buf
}

// mangledPassword applies the TDS password obfuscation to each byte of the
// UCS-2 password: swap its nibbles, then XOR with 0xA5. The transform is not
// its own inverse; demangling XORs first and swaps second.
func mangledPassword(s string) []byte {
	b := stringToUCS2(s)
	for i := range b {
		b[i] = ((b[i] << 4) | (b[i] >> 4)) ^ 0xA5
	}
	return b
}

func stringToUCS2(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

func ucs2ToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out, err := ucs2Decoder.Bytes(b)
	if err != nil {
		// Malformed input from a misbehaving server: fall back to the
		// stdlib decoder rather than lose the row over a cosmetic string.
		u16 := make([]uint16, len(b)/2)
		for i := 0; i < len(u16); i++ {
			u16[i] = binary.LittleEndian.Uint16(b[i*2:])
		}
		return string(utf16.Decode(u16))
	}
	return string(out)
}
