package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sngateway/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{raw: "trace"},
		{raw: "debug"},
		{raw: "info"},
		{raw: ""},
		{raw: "WARN"},
		{raw: "warning"},
		{raw: "error"},
		{raw: "verbose", wantErr: true},
	}

	for _, tc := range tests {
		_, err := parseLevel(tc.raw)
		if tc.wantErr && err == nil {
			t.Fatalf("parseLevel(%q): expected error", tc.raw)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("parseLevel(%q): %v", tc.raw, err)
		}
	}
}

func TestConfigureWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	m := NewManager()
	cfg := config.LoggingConfig{Level: "trace", LogToFile: true}
	if err := m.Configure(cfg, path); err != nil {
		t.Fatalf("configure logging: %v", err)
	}
	defer func() { _ = m.Close() }()

	logger := m.Logger("test")
	logger.Log(context.Background(), LevelTrace, "raw frame", "len", 3)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "raw frame") {
		t.Fatalf("log file missing record: %q", string(raw))
	}
	if !strings.Contains(string(raw), "level=TRACE") {
		t.Fatalf("trace level not renamed: %q", string(raw))
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	m := NewManager()
	err := m.Configure(config.LoggingConfig{Level: "loud"}, "")
	if err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
