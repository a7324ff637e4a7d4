package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig("frpc")
	cfg.Output = buf
	return New(cfg)
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.Debug(CatControl, "hidden")
	l.Info(CatControl, "shown", F("proxy", "ssh"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug entry should be filtered at info level: %q", out)
	}
	if !strings.Contains(out, "[control] shown") || !strings.Contains(out, "proxy=ssh") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLogger_ChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	child := l.WithField("run_id", "abc")
	l.SetLevel(LevelError)
	child.Warn(CatControl, "suppressed")
	if buf.Len() != 0 {
		t.Fatalf("child ignored parent level: %q", buf.String())
	}
	child.Error(CatControl, "kept", F("error", errors.New("boom")))
	if !strings.Contains(buf.String(), "run_id=abc") || !strings.Contains(buf.String(), `error="boom"`) {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestEventRing_CollectsWarnings(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	ring := NewEventRing(2, LevelWarn)
	l.AddHook(ring.Hook())

	l.Info(CatProxy, "ignored")
	l.Warn(CatProxy, "backend down", F("proxy", "web", "conn_id", "c1"))
	l.Error(CatWorkConn, "dial failed", F("error", errors.New("refused")))
	l.Error(CatControl, "frame rejected")

	events := ring.Events()
	if len(events) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(events))
	}
	if events[0].Category != CatWorkConn || events[0].Detail != "refused" {
		t.Fatalf("unexpected oldest event: %+v", events[0])
	}
	stats := ring.Stats()
	if stats.EventsByLevel["ERROR"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLineWriter_ParsesYamuxTags(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	w := l.Writer(LevelDebug, CatTransport)
	_, _ = w.Write([]byte("2024/01/01 00:00:00 [ERR] yamux: Failed to read header: EOF\n"))
	_, _ = w.Write([]byte("[DEBUG] yamux: quiet\n"))
	out := buf.String()
	if !strings.Contains(out, "ERROR [transport] yamux: Failed to read header: EOF") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "quiet") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}

func TestLogger_RateLimitedWarnPerCategory(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig("frpc")
	cfg.Output = &buf
	cfg.RateLimit = time.Hour
	l := New(cfg)

	l.RateLimitedWarn(CatWorkConn, "ssh:dial", "dial failed")
	l.RateLimitedWarn(CatWorkConn, "ssh:dial", "dial failed")
	l.RateLimitedWarn(CatControl, "ssh:dial", "dial failed")
	l.WithField("conn_id", "x").RateLimitedWarn(CatWorkConn, "ssh:dial", "dial failed")

	if got := strings.Count(buf.String(), "dial failed"); got != 2 {
		t.Fatalf("expected 2 lines (one per category), got %d:\n%s", got, buf.String())
	}
}
