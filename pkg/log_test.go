package pkg

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// captureLogs routes the built-in logger to a buffer at level and restores
// the defaults when the test ends.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := GetLogLevel()
	SetLogOutput(&buf)
	SetLogLevel(level)
	t.Cleanup(func() {
		ClearComponentLevels()
		SetLogLevel(prev)
		SetLogFormat(LogFormatText)
		SetLogOutput(os.Stderr)
	})
	return &buf
}

// =============================================================================
// Level Tests
// =============================================================================

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		SetLogLevel(level)
		if got := GetLogLevel(); got != level {
			t.Errorf("GetLogLevel() = %v, want %v", got, level)
		}
	}
}

func TestLogLevelFilter(t *testing.T) {
	buf := captureLogs(t, slog.LevelWarn)

	LogDebug(ComponentHost, "hidden debug")
	LogInfo(ComponentHost, "hidden info")
	LogWarn(ComponentWatchdog, "shown warn")
	LogError(ComponentHAL, "shown error", "key", "value")

	out := buf.String()
	for _, hidden := range []string{"hidden debug", "hidden info"} {
		if strings.Contains(out, hidden) {
			t.Errorf("output contains %q below the level:\n%s", hidden, out)
		}
	}
	for _, shown := range []string{"shown warn", "component=watchdog", "shown error", "key=value"} {
		if !strings.Contains(out, shown) {
			t.Errorf("output missing %q:\n%s", shown, out)
		}
	}
}

func TestSetComponentLevel(t *testing.T) {
	buf := captureLogs(t, slog.LevelError)

	SetComponentLevel(ComponentDispatch, slog.LevelDebug)
	SetComponentLevel(ComponentIRQ, LevelOff)

	LogDebug(ComponentDispatch, "dispatch trace")
	LogDebug(ComponentClock, "clock trace")
	LogError(ComponentIRQ, "irq error")

	out := buf.String()
	if !strings.Contains(out, "dispatch trace") {
		t.Errorf("override did not enable dispatch debug:\n%s", out)
	}
	if strings.Contains(out, "clock trace") {
		t.Errorf("clock debug logged without an override:\n%s", out)
	}
	if strings.Contains(out, "irq error") {
		t.Errorf("override did not silence irq:\n%s", out)
	}

	if !LogEnabled(ComponentDispatch, slog.LevelDebug) || LogEnabled(ComponentClock, slog.LevelWarn) {
		t.Error("LogEnabled() disagrees with the configured levels")
	}

	ClearComponentLevels()
	if LogEnabled(ComponentDispatch, slog.LevelDebug) {
		t.Error("override survived ClearComponentLevels()")
	}
}

func TestParseComponentLevels(t *testing.T) {
	captureLogs(t, slog.LevelWarn)

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"empty", "", false},
		{"single", "dispatch=debug", false},
		{"list", "irq=info, tuning=DEBUG,dma=error", false},
		{"offset level", "clock=warn+2", false},
		{"missing level", "irq", true},
		{"missing component", "=debug", true},
		{"off", "hal=off", false},
		{"bad level", "irq=loud", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseComponentLevels(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseComponentLevels(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
		})
	}

	if !LogEnabled(ComponentTuning, slog.LevelDebug) || LogEnabled(ComponentDMA, slog.LevelWarn) ||
		LogEnabled(ComponentHAL, slog.LevelError) {
		t.Error("parsed levels not applied")
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		format LogFormat
		want   string
	}{
		{"text", LogFormatText, "msg=\"test message\""},
		{"json", LogFormatJSON, `"msg":"test message"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(&buf, tt.format).Debug("test message")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestSetLogger(t *testing.T) {
	captureLogs(t, slog.LevelInfo)

	var custom bytes.Buffer
	SetLogger(NewLogger(&custom, LogFormatText))
	LogInfo(ComponentClock, "custom logger test")
	LogDebug(ComponentClock, "filtered before the custom logger")

	if !strings.Contains(custom.String(), "custom logger test") {
		t.Error("custom logger not used")
	}
	if strings.Contains(custom.String(), "filtered") {
		t.Error("custom logger saw a record below the level")
	}

	SetLogger(nil)
	LogInfo(ComponentClock, "after restore")
	if strings.Contains(custom.String(), "after restore") {
		t.Error("custom logger still installed after SetLogger(nil)")
	}
}

func TestSetLogFormatJSON(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	SetLogFormat(LogFormatJSON)
	LogInfo(ComponentSim, "json record", "blocks", 8)

	out := buf.String()
	if !strings.Contains(out, `"component":"sim"`) || !strings.Contains(out, `"blocks":8`) {
		t.Errorf("JSON output = %s", out)
	}
}
