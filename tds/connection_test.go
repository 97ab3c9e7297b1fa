package tds

import (
	"bytes"
	"testing"

	"github.com/ha1tch/tdsgo/internal/tlog"
)

func newTestConnection(t *testing.T) (*Connection, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := tlog.New(tlog.Config{DefaultLevel: tlog.LevelDebug, Output: &buf, Format: tlog.FormatText})
	return &Connection{cfg: Config{Logger: logger}}, &buf
}

func TestResolveCodecAppliesISO1Alias(t *testing.T) {
	c, _ := newTestConnection(t)
	c.resolveCodec("iso_1")
	if c.ServerCodec() == nil {
		t.Fatal("expected the iso_1 alias to resolve to a known encoding")
	}
}

func TestResolveCodecUnknownNameLeavesCodecNil(t *testing.T) {
	c, buf := newTestConnection(t)
	c.resolveCodec("not-a-real-charset")
	if c.ServerCodec() != nil {
		t.Fatal("expected an unresolvable charset name to leave ServerCodec nil")
	}
	if !bytes.Contains(buf.Bytes(), []byte("unrecognized server charset")) {
		t.Errorf("expected a warning to be logged, got %q", buf.String())
	}
}

func TestResolveCodecEmptyNameIsNoOp(t *testing.T) {
	c, buf := newTestConnection(t)
	c.resolveCodec("")
	if c.ServerCodec() != nil {
		t.Fatal("expected an empty charset name to be a no-op")
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output for an empty name, got %q", buf.String())
	}
}
