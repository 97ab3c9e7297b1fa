package tds

import (
	"testing"
)

func TestIsolationLevelString(t *testing.T) {
	tests := []struct {
		level IsolationLevel
		want  string
	}{
		{IsolationReadCommitted, "READ COMMITTED"},
		{IsolationSerializable, "SERIALIZABLE"},
		{IsolationLevel(99), "IsolationLevel(99)"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("IsolationLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestTransactionDescriptorIsZero(t *testing.T) {
	var d TransactionDescriptor
	if !d.IsZero() {
		t.Error("zero-value descriptor should report IsZero")
	}
	d[3] = 0x01
	if d.IsZero() {
		t.Error("non-zero descriptor should not report IsZero")
	}
}

func TestTransactionStateInTransaction(t *testing.T) {
	s := &TransactionState{}
	if s.InTransaction() {
		t.Error("fresh state should not be InTransaction")
	}
	s.Nesting = 1
	if !s.InTransaction() {
		t.Error("nesting > 0 should be InTransaction")
	}
}

func TestEncodeBeginTransaction(t *testing.T) {
	body := encodeBeginTransaction(IsolationReadCommitted)
	if len(body) != 4 {
		t.Fatalf("body length = %d, want 4 (no descriptor or name inline)", len(body))
	}
	gotType := uint16(body[0]) | uint16(body[1])<<8
	if gotType != tmBeginXact {
		t.Errorf("request type = %d, want %d", gotType, tmBeginXact)
	}
	if body[2] != byte(IsolationReadCommitted) {
		t.Errorf("isolation byte = %d, want %d", body[2], IsolationReadCommitted)
	}
	if body[3] != 0 {
		t.Errorf("name length = %d, want 0 for an unnamed transaction", body[3])
	}
}

func TestEncodeCommitTransactionDoesNotInlineDescriptor(t *testing.T) {
	body := encodeCommitTransaction(false, IsolationReadCommitted)
	if len(body) != 4 {
		t.Fatalf("body length = %d, want 4: reqtype(2)+nameLen(1)+flags(1), descriptor rides in ALL_HEADERS", len(body))
	}
	gotType := uint16(body[0]) | uint16(body[1])<<8
	if gotType != tmCommitXact {
		t.Errorf("request type = %d, want %d", gotType, tmCommitXact)
	}
	if body[2] != 0 {
		t.Errorf("name length = %d, want 0", body[2])
	}
	if body[3] != 0 {
		t.Errorf("flags = %d, want 0 when cont is false", body[3])
	}
}

func TestEncodeCommitTransactionContinuationCarriesIsolation(t *testing.T) {
	body := encodeCommitTransaction(true, IsolationSerializable)
	if len(body) != 6 {
		t.Fatalf("body length = %d, want 6 when cont requests a new transaction", len(body))
	}
	if body[3] != 1 {
		t.Errorf("flags = %d, want 1 (continue)", body[3])
	}
	if body[4] != byte(IsolationSerializable) {
		t.Errorf("new transaction isolation = %d, want %d", body[4], IsolationSerializable)
	}
	if body[5] != 0 {
		t.Errorf("new transaction name length = %d, want 0", body[5])
	}
}

func TestEncodeRollbackTransactionRequestType(t *testing.T) {
	body := encodeRollbackTransaction(false, IsolationReadCommitted)
	gotType := uint16(body[0]) | uint16(body[1])<<8
	if gotType != tmRollbackXact {
		t.Errorf("request type = %d, want %d", gotType, tmRollbackXact)
	}
	if len(body) != 4 {
		t.Fatalf("body length = %d, want 4", len(body))
	}
}

func TestEncodeSaveTransactionName(t *testing.T) {
	body := encodeSaveTransaction("sp1")
	gotType := uint16(body[0]) | uint16(body[1])<<8
	if gotType != tmSaveXact {
		t.Errorf("request type = %d, want %d", gotType, tmSaveXact)
	}
	if body[2] != 3 {
		t.Fatalf("savepoint name length = %d, want 3", body[2])
	}
	nameBytes := body[3 : 3+3*2]
	if ucs2ToString(nameBytes) != "sp1" {
		t.Errorf("savepoint name = %q, want %q", ucs2ToString(nameBytes), "sp1")
	}
}
