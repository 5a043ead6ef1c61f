package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TransportType identifies which bridge transport backend should be used.
type TransportType string

const (
	TransportSerial TransportType = "serial"
	TransportTCP    TransportType = "tcp"
	TransportMQTT   TransportType = "mqtt"

	DefaultSerialBaud    = 115200
	DefaultTCPPort       = 6969
	DefaultBrokerURL     = "tcp://localhost:1883"
	DefaultMonitorPrefix = "gw"
	DefaultPANID         = 1

	// KeyLen is the network encryption key size pushed to the bridge.
	KeyLen = 16
)

// plainKey is the all-0xFF sentinel meaning "no encryption".
var plainKey = strings.Repeat("ff", KeyLen)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// BridgeConfig contains transport-specific parameters for reaching the
// radio bridge.
type BridgeConfig struct {
	Transport  TransportType `json:"transport"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
	TCPPort    int           `json:"tcp_port"`
	// TunnelURL and TunnelBase configure the MQTT tunnel transport. The
	// tunnel may ride on a different broker than the upstream one.
	TunnelURL  string `json:"tunnel_url"`
	TunnelBase string `json:"tunnel_base"`
}

// NetworkConfig holds the radio network parameters pushed to the bridge.
type NetworkConfig struct {
	PANID uint8 `json:"pan_id"`
	// Key is the hex-encoded 16-byte encryption key. All-FF disables
	// encryption.
	Key string `json:"key"`
}

// GatewayConfig holds MQTT-SN session policies.
type GatewayConfig struct {
	BrokerURL     string `json:"broker_url"`
	AllowUnknown  bool   `json:"allow_unknown_devices"`
	MonitorPrefix string `json:"monitor_prefix"`
	DataFile      string `json:"data_file"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Bridge  BridgeConfig  `json:"bridge"`
	Network NetworkConfig `json:"network"`
	Gateway GatewayConfig `json:"gateway"`
	Logging LoggingConfig `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Bridge: BridgeConfig{
			Transport:  TransportSerial,
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
			TCPPort:    DefaultTCPPort,
			TunnelURL:  "",
			TunnelBase: "",
		},
		Network: NetworkConfig{
			PANID: DefaultPANID,
			Key:   plainKey,
		},
		Gateway: GatewayConfig{
			BrokerURL:     DefaultBrokerURL,
			AllowUnknown:  false,
			MonitorPrefix: DefaultMonitorPrefix,
			DataFile:      "sngateway.db",
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the -config flag.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Bridge.Transport == "" {
		c.Bridge.Transport = TransportSerial
	}
	if c.Bridge.SerialBaud <= 0 {
		c.Bridge.SerialBaud = DefaultSerialBaud
	}
	if c.Bridge.TCPPort <= 0 {
		c.Bridge.TCPPort = DefaultTCPPort
	}
	if c.Network.PANID == 0 {
		c.Network.PANID = DefaultPANID
	}
	if c.Network.Key == "" {
		c.Network.Key = plainKey
	}
	if c.Gateway.BrokerURL == "" {
		c.Gateway.BrokerURL = DefaultBrokerURL
	}
	if c.Gateway.MonitorPrefix == "" {
		c.Gateway.MonitorPrefix = DefaultMonitorPrefix
	}
	if c.Gateway.DataFile == "" {
		c.Gateway.DataFile = "sngateway.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	switch c.Bridge.Transport {
	case TransportSerial:
		if strings.TrimSpace(c.Bridge.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Bridge.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case TransportTCP:
		if c.Bridge.TCPPort <= 0 || c.Bridge.TCPPort > 65535 {
			return fmt.Errorf("invalid tcp port: %d", c.Bridge.TCPPort)
		}
	case TransportMQTT:
		if strings.TrimSpace(c.Bridge.TunnelURL) == "" {
			return errors.New("tunnel url is required")
		}
		if strings.TrimSpace(c.Bridge.TunnelBase) == "" {
			return errors.New("tunnel base topic is required")
		}
	default:
		return fmt.Errorf("unknown transport: %s", c.Bridge.Transport)
	}

	if c.Network.PANID < 1 || c.Network.PANID > 254 {
		return fmt.Errorf("pan id out of range [1, 254]: %d", c.Network.PANID)
	}
	if _, err := c.Network.KeyBytes(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Gateway.BrokerURL) == "" {
		return errors.New("broker url is required")
	}

	return nil
}

// KeyBytes decodes the configured encryption key.
func (n NetworkConfig) KeyBytes() ([KeyLen]byte, error) {
	var key [KeyLen]byte
	raw, err := hex.DecodeString(n.Key)
	if err != nil {
		return key, fmt.Errorf("decode network key: %w", err)
	}
	if len(raw) != KeyLen {
		return key, fmt.Errorf("network key must be %d bytes, got %d", KeyLen, len(raw))
	}
	copy(key[:], raw)

	return key, nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
