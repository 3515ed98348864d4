package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))
	defer SetDefault(NewLogger(DiscardHandler()))

	EnableModule(JitMonitoring)
	Debug(JitMonitoring, "cache cleared", "blocks", 3)
	if !strings.Contains(buf.String(), "cache cleared") {
		t.Fatalf("enabled module should log, got %q", buf.String())
	}

	buf.Reset()
	DisableModule(JitMonitoring)
	Debug(JitMonitoring, "should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("disabled module should not log, got %q", buf.String())
	}
	EnableModule(JitMonitoring)
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("nonsense"); err == nil {
		t.Fatal("expected error for bad level")
	}
	lvl, err := ParseLevel("trace")
	if err != nil || lvl != LevelTrace {
		t.Fatalf("ParseLevel(trace) = %v, %v", lvl, err)
	}
}
