package tlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"off", LevelOff, false},
		{"bogus", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerRespectsPerCategoryLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		DefaultLevel:   LevelError,
		CategoryLevels: map[Category]Level{CategoryQuery: LevelDebug},
		Output:         &buf,
		Format:         FormatText,
	})

	l.Debug(CategoryConn, "should be suppressed")
	if buf.Len() != 0 {
		t.Fatalf("conn debug line should be suppressed by DefaultLevel=Error, got %q", buf.String())
	}

	l.Debug(CategoryQuery, "submitting batch", "sql", "SELECT 1")
	if !strings.Contains(buf.String(), "submitting batch") {
		t.Fatalf("query debug line should pass its own override, got %q", buf.String())
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf, Format: FormatJSON})
	l.Info(CategoryConn, "dialed", "addr", "localhost:1433")

	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal: %v (line: %s)", err, buf.String())
	}
	if e.Message != "dialed" || e.Category != CategoryConn {
		t.Errorf("decoded entry = %+v", e)
	}
}

func TestCategoryLoggerAccessors(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, Format: FormatText})
	l.Auth().Warn("SSPI retry")
	if !strings.Contains(buf.String(), "[auth]") || !strings.Contains(buf.String(), "SSPI retry") {
		t.Errorf("Auth().Warn output = %q", buf.String())
	}
}

func TestAsyncLoggerDropsPastCapacity(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf, Format: FormatText, AsyncBuffer: 1})
	defer l.Close()

	for i := 0; i < 100; i++ {
		l.Info(CategoryWire, "packet")
	}
	l.Close()
	if l.Dropped() == 0 {
		t.Skip("scheduling let every entry drain before the buffer filled; not a failure")
	}
}
