package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("demo")
	if err != nil {
		t.Fatalf("ProcessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	outPath := filepath.Join(dir, "demo.stdout.log")
	errPath := filepath.Join(dir, "demo.stderr.log")
	if b, err := os.ReadFile(outPath); err != nil || string(b) != "hello-out\n" {
		t.Fatalf("stdout log at %s: %q %v", outPath, b, err)
	}
	if b, err := os.ReadFile(errPath); err != nil || string(b) != "hello-err\n" {
		t.Fatalf("stderr log at %s: %q %v", errPath, b, err)
	}
}

func TestProcessWriters_NoDir(t *testing.T) {
	cfg := Config{}
	outW, errW, err := cfg.ProcessWriters("n")
	if err != nil {
		t.Fatal(err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir set")
	}
}

func TestProcessWriters_RejectsPathLikeNames(t *testing.T) {
	cfg := Config{File: FileConfig{Dir: t.TempDir()}}
	if _, _, err := cfg.ProcessWriters("../escape"); err == nil {
		t.Fatal("expected error for name containing a separator")
	}
}

func TestProcessWriters_Defaults(t *testing.T) {
	cfg := Config{File: FileConfig{Dir: t.TempDir()}}
	outW, errW, _ := cfg.ProcessWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestProcessWriters_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ := cfg.ProcessWriters("n")
	ol := outW.(*lj.Logger)
	el := errW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("unexpected overrides (stderr): size=%d backups=%d age=%d compress=%t", el.MaxSize, el.MaxBackups, el.MaxAge, el.Compress)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closeIf(closer)

	Component(l, "daemon").Info("hidden")
	Component(l, "daemon").Warn("shown", "name", "web")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record leaked past warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=daemon") {
		t.Fatalf("unexpected console output: %s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("non-terminal output must not be colorized: %q", out)
	}
}

func TestNew_FansOutToJSONFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "sub", "up.log")
	l, closer, err := New(Config{Level: "debug", File: FileConfig{Path: path}}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	Component(l, "service/web").Debug("started", "pid", 42)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "started") {
		t.Fatalf("console missing record: %s", buf.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("file record is not JSON: %q: %v", b, err)
	}
	if rec["msg"] != "started" || rec["component"] != "service/web" || rec["pid"] != float64(42) {
		t.Fatalf("unexpected file record: %v", rec)
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "chatty"}, io.Discard); err == nil {
		t.Fatal("expected error")
	}
}

func TestCloseAll(t *testing.T) {
	if err := CloseAll(nil, nopCloser{}); err != nil {
		t.Fatal(err)
	}
}
