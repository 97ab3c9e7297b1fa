package tds

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildLoginAck encodes a LOGINACK token whose product-name length byte is
// deliberately wrong, matching real servers MS-TDS says must be tolerated.
func buildLoginAck(iface LoginAckInterface, tdsVer uint32, declaredNameLen byte, name string, progVersion uint32) []byte {
	nameBytes := stringToUCS2(name)

	var body bytes.Buffer
	body.WriteByte(byte(iface))
	binary.Write(&body, binary.BigEndian, tdsVer)
	body.WriteByte(declaredNameLen) // ignored by the client on purpose
	body.Write(nameBytes)
	binary.Write(&body, binary.BigEndian, progVersion)

	var buf bytes.Buffer
	buf.WriteByte(byte(TokenLoginAck))
	binary.Write(&buf, binary.LittleEndian, uint16(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestHandleLoginAckIgnoresBogusNameLength(t *testing.T) {
	s, _ := newTestSession(t)

	raw := buildLoginAck(LoginAckSQL2012, VerTDS74, 0xFF, "Microsoft SQL Server", 0x0B000000)
	r := newWireReader(raw[1:]) // strip the token marker byte dispatchOne would consume
	if err := s.dsp.handleLoginAck(r); err != nil {
		t.Fatalf("handleLoginAck: %v", err)
	}
	if s.loginAck == nil {
		t.Fatal("expected loginAck to be recorded")
	}
	if s.loginAck.ProgName != "Microsoft SQL Server" {
		t.Fatalf("ProgName = %q, want %q", s.loginAck.ProgName, "Microsoft SQL Server")
	}
	if s.loginAck.Interface != LoginAckSQL2012 {
		t.Errorf("Interface = %v, want LoginAckSQL2012", s.loginAck.Interface)
	}
	if s.loginAck.TDSVersion != VerTDS74 {
		t.Errorf("TDSVersion = %#x, want %#x", s.loginAck.TDSVersion, VerTDS74)
	}
	if s.tdsVersion != VerTDS74 {
		t.Errorf("session tdsVersion = %#x, want %#x", s.tdsVersion, VerTDS74)
	}
}

func TestHandleLoginAckRejectsTruncatedToken(t *testing.T) {
	s, _ := newTestSession(t)

	// interface(1) + tdsVer(4) + nameLenByte(1) = 6 bytes, below the 10-byte
	// floor the length arithmetic requires.
	body := []byte{byte(LoginAckSQL2012), 0x74, 0x00, 0x00, 0x04, 0x00}
	raw := append([]byte{byte(len(body)), 0}, body...)
	if err := s.dsp.handleLoginAck(newWireReader(raw)); err == nil {
		t.Fatal("expected an error for a too-short LOGINACK token")
	}
}
