package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithAppendsFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := FromZerolog(zerolog.New(&buf))
	l := base.With(String("comp", "snapshot")).With(String("key", "h,r"))
	l.Info("created", Int("n", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "snapshot" || m["key"] != "h,r" || m["n"] != float64(2) {
		t.Fatalf("fields = %v", m)
	}
	if m["message"] != "created" {
		t.Fatalf("message = %v", m["message"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf).Level(zerolog.WarnLevel))
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info leaked through warn filter: %q", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSilent(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing", Err(nil))
	Nop().Info("nothing")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()

	got := formatTelegramLine([]byte(`{"level":"warn","message":"poll failed","time":"x","key":"h,r","err":"boom"}`))
	want := "[WARN] poll failed\n- err=boom\n- key=h,r"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := formatTelegramLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-json line = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("got %q", got)
	}
}
