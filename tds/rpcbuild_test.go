package tds

import (
	"testing"
)

func TestEncodeSpecialRPCHeader(t *testing.T) {
	buf := encodeSpecialRPCHeader(spPrepare)
	if len(buf) != 4 {
		t.Fatalf("header length = %d, want 4", len(buf))
	}
	if buf[0] != 0xFF || buf[1] != 0xFF {
		t.Fatalf("missing 0xFFFF special-proc marker: %v", buf)
	}
	got := uint16(buf[2]) | uint16(buf[3])<<8
	if got != spPrepare {
		t.Errorf("proc id = %d, want %d", got, spPrepare)
	}
}

func TestEncodeTypeInfoAndValueString(t *testing.T) {
	ti, body, err := encodeTypeInfoAndValue(TypeInfo{}, "hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ti.ID != TypeNVarChar {
		t.Errorf("type id = %v, want TypeNVarChar", ti.ID)
	}
	wantLen := len(stringToUCS2("hello"))
	gotLen := int(body[0]) | int(body[1])<<8
	if gotLen != wantLen {
		t.Errorf("encoded length prefix = %d, want %d", gotLen, wantLen)
	}
}

func TestEncodeTypeInfoAndValueNil(t *testing.T) {
	ti, body, err := encodeTypeInfoAndValue(TypeInfo{}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ti.ID != TypeNVarChar || ti.Size != 0 {
		t.Errorf("nil value type = %+v, want a zero-size NVARCHAR", ti)
	}
	if len(body) != 2 || body[0] != 0xFF || body[1] != 0xFF {
		t.Errorf("nil value body = %v, want the NULL sentinel length", body)
	}
}

func TestEncodeTypeInfoAndValueInt32(t *testing.T) {
	ti, body, err := encodeTypeInfoAndValue(TypeInfo{}, int32(7))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ti.ID != TypeIntN || ti.Size != 4 {
		t.Errorf("type info = %+v, want IntN/4", ti)
	}
	if len(body) != 5 || body[0] != 4 {
		t.Fatalf("body = %v, want a 4-byte length prefix then 4 value bytes", body)
	}
	got := int32(body[1]) | int32(body[2])<<8 | int32(body[3])<<16 | int32(body[4])<<24
	if got != 7 {
		t.Errorf("decoded value = %d, want 7", got)
	}
}

func TestEncodeTypeInfoAndValueUnsupported(t *testing.T) {
	if _, _, err := encodeTypeInfoAndValue(TypeInfo{}, struct{}{}); err == nil {
		t.Fatal("expected an error for an unsupported parameter type")
	}
}

func TestBuildSpPrepareRPCIncludesStatement(t *testing.T) {
	body, err := buildSpPrepareRPC("SELECT @p1", "@p1 int")
	if err != nil {
		t.Fatalf("buildSpPrepareRPC: %v", err)
	}
	if len(body) < 6 {
		t.Fatalf("body too short: %v", body)
	}
	if body[0] != 0xFF || body[1] != 0xFF {
		t.Fatal("missing special-proc marker")
	}
	got := uint16(body[2]) | uint16(body[3])<<8
	if got != spPrepare {
		t.Errorf("proc id = %d, want spPrepare", got)
	}
}

func TestBuildSpExecuteRPCIncludesHandleAndParams(t *testing.T) {
	params := []RPCParam{{Name: "p1", Value: int32(5)}}
	body, err := buildSpExecuteRPC(42, params)
	if err != nil {
		t.Fatalf("buildSpExecuteRPC: %v", err)
	}
	got := uint16(body[2]) | uint16(body[3])<<8
	if got != spExecute {
		t.Errorf("proc id = %d, want spExecute", got)
	}
	if len(body) <= 4+2 {
		t.Fatal("expected handle and parameter bytes appended")
	}
}

func TestBuildSpUnprepareRPC(t *testing.T) {
	body, err := buildSpUnprepareRPC(7)
	if err != nil {
		t.Fatalf("buildSpUnprepareRPC: %v", err)
	}
	got := uint16(body[2]) | uint16(body[3])<<8
	if got != spUnprepare {
		t.Errorf("proc id = %d, want spUnprepare", got)
	}
}

func TestBuildSpExecuteRPCPropagatesUnsupportedParamError(t *testing.T) {
	params := []RPCParam{{Name: "p1", Value: struct{}{}}}
	if _, err := buildSpExecuteRPC(42, params); err == nil {
		t.Fatal("expected an error instead of a panic for an unsupported parameter type")
	}
}
