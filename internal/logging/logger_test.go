package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	expectations := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, expected := range expectations {
		if level := parseLevel(raw); level != expected {
			t.Fatalf("parseLevel(%q) = %s, expected %s", raw, level, expected)
		}
	}
}

func TestNewLoggerWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextseq.log")
	logger, err := NewLogger(Config{Level: "info", Encoding: "json", File: path})
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("counter issued")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(contents), "counter issued") || strings.Contains(string(contents), "hidden") {
		t.Fatalf("unexpected log contents %q", contents)
	}
}
