package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.Bridge.Transport != TransportSerial {
		t.Fatalf("default transport: got %q want %q", cfg.Bridge.Transport, TransportSerial)
	}
	if cfg.Bridge.SerialBaud != DefaultSerialBaud {
		t.Fatalf("default baud: got %d want %d", cfg.Bridge.SerialBaud, DefaultSerialBaud)
	}
	if cfg.Gateway.MonitorPrefix != DefaultMonitorPrefix {
		t.Fatalf("default monitor prefix: got %q", cfg.Gateway.MonitorPrefix)
	}
}

func TestLoadFillsMissingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := []byte(`{"bridge": {"transport": "tcp"}, "logging": {"level": ""}}`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Bridge.Transport != TransportTCP {
		t.Fatalf("transport: got %q want tcp", cfg.Bridge.Transport)
	}
	if cfg.Bridge.TCPPort != DefaultTCPPort {
		t.Fatalf("tcp port default: got %d", cfg.Bridge.TCPPort)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("logging level default: got %q", cfg.Logging.Level)
	}
	if cfg.Network.Key == "" {
		t.Fatalf("network key default missing")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{
			name:   "serial with port",
			mutate: func(c *AppConfig) { c.Bridge.SerialPort = "/dev/ttyUSB0" },
		},
		{
			name:    "serial without port",
			mutate:  func(c *AppConfig) {},
			wantErr: true,
		},
		{
			name:   "tcp valid",
			mutate: func(c *AppConfig) { c.Bridge.Transport = TransportTCP },
		},
		{
			name: "mqtt tunnel without base topic",
			mutate: func(c *AppConfig) {
				c.Bridge.Transport = TransportMQTT
				c.Bridge.TunnelURL = "tcp://remote:1883"
			},
			wantErr: true,
		},
		{
			name: "pan id out of range",
			mutate: func(c *AppConfig) {
				c.Bridge.SerialPort = "/dev/ttyUSB0"
				c.Network.PANID = 255
			},
			wantErr: true,
		},
		{
			name: "short key",
			mutate: func(c *AppConfig) {
				c.Bridge.SerialPort = "/dev/ttyUSB0"
				c.Network.Key = "0102"
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestKeyBytesSentinel(t *testing.T) {
	key, err := Default().Network.KeyBytes()
	if err != nil {
		t.Fatalf("decode default key: %v", err)
	}
	for i, b := range key {
		if b != 0xFF {
			t.Fatalf("default key byte %d: got %#x want 0xff", i, b)
		}
	}
}
