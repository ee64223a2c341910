package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSubsystemTag(t *testing.T) {
	buf := capture(t)

	Sub("rdp").Info("conn %d reaped", 3)
	line := buf.String()
	if !strings.Contains(line, "[INFO] rdp: conn 3 reaped") {
		t.Errorf("line = %q, want subsystem-tagged message", line)
	}
}

func TestInstanceTag(t *testing.T) {
	buf := capture(t)

	Sub("udp").Tag("127.0.0.1:9600").Warn("inbound dropped")
	line := buf.String()
	if !strings.Contains(line, "[WARN] udp[127.0.0.1:9600]: inbound dropped") {
		t.Errorf("line = %q, want instance-tagged message", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelError)

	l := Sub("router")
	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("dropped")
	if buf.Len() != 0 {
		t.Errorf("filtered levels emitted output: %q", buf.String())
	}

	l.Error("kept")
	if !strings.Contains(buf.String(), "[ERROR] router: kept") {
		t.Errorf("error line missing: %q", buf.String())
	}
}

func TestSetLevelFromString(t *testing.T) {
	SetLevelFromString("debug")
	if GetLevel() != LevelDebug {
		t.Errorf("level = %v, want LevelDebug", GetLevel())
	}
	SetLevelFromString("info")
	if GetLevel() != LevelInfo {
		t.Errorf("level = %v, want LevelInfo", GetLevel())
	}
}
