package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sngateway/internal/broker"
	"sngateway/internal/bus"
	"sngateway/internal/config"
	"sngateway/internal/forwarder"
	"sngateway/internal/gateway"
	"sngateway/internal/logging"
	"sngateway/internal/monitor"
	"sngateway/internal/session"
	"sngateway/internal/transport"
)

const gatewayID = 1

func main() {
	if err := run(); err != nil {
		slog.Error("run gateway", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "sngateway.json", "config file path")
	transportType := flag.String("transport", "", "bridge transport: serial|tcp|mqtt")
	serialPort := flag.String("serial-port", "", "serial port of the bridge")
	serialBaud := flag.Int("serial-baud", 0, "serial baud rate")
	tcpPort := flag.Int("tcp-port", 0, "tcp listen port for the bridge")
	tunnelURL := flag.String("tunnel-url", "", "mqtt tunnel broker url")
	tunnelBase := flag.String("tunnel-base", "", "mqtt tunnel base topic")
	brokerURL := flag.String("broker", "", "upstream mqtt broker url")
	allowUnknown := flag.Bool("allow-unknown", false, "admit connects from unpaired devices")
	panID := flag.Int("pan", 0, "radio pan id (1-254)")
	netKey := flag.String("key", "", "hex-encoded 16-byte network key, all-ff for none")
	dataFile := flag.String("data", "", "session database path, empty for in-memory")
	monitorPrefix := flag.String("monitor-prefix", "", "monitor rpc topic prefix")
	logLevel := flag.String("log-level", "", "log level: trace|debug|info|warn|error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, flagOverrides{
		transport:     *transportType,
		serialPort:    *serialPort,
		serialBaud:    *serialBaud,
		tcpPort:       *tcpPort,
		tunnelURL:     *tunnelURL,
		tunnelBase:    *tunnelBase,
		brokerURL:     *brokerURL,
		allowUnknown:  *allowUnknown,
		panID:         *panID,
		netKey:        *netKey,
		dataFile:      *dataFile,
		monitorPrefix: *monitorPrefix,
		logLevel:      *logLevel,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, "sngateway.log"); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("main")
	logger.Info("starting sngateway", "transport", cfg.Bridge.Transport, "broker", cfg.Gateway.BrokerURL)

	store, err := openStore(ctx, cfg.Gateway.DataFile)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close session store", "error", closeErr)
		}
	}()
	if err := store.ResetSessions(ctx); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	tr, err := buildTransport(cfg.Bridge)
	if err != nil {
		return err
	}

	key, err := cfg.Network.KeyBytes()
	if err != nil {
		return err
	}
	fwd := forwarder.New(logMgr.Logger("forwarder"), b, tr, store, forwarder.Config{
		PANID: cfg.Network.PANID,
		Key:   key,
	})

	brokerClient := broker.NewPahoClient(logMgr.Logger("broker"), cfg.Gateway.BrokerURL, "")
	if err := brokerClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer brokerClient.Close()

	gw := gateway.New(logMgr.Logger("gateway"), b, store, brokerClient, fwd, gateway.Options{
		GatewayID:           gatewayID,
		AllowUnknown:        cfg.Gateway.AllowUnknown,
		ReconnectLostOnPing: true,
		ConnectOnSleep:      true,
	})
	mon := monitor.New(logMgr.Logger("monitor"), b, store, brokerClient, fwd, cfg.Gateway.MonitorPrefix)

	errCh := make(chan error, 3)
	go func() { errCh <- fwd.Run(ctx) }()
	go func() { errCh <- gw.Run(ctx) }()
	go func() { errCh <- mon.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

type flagOverrides struct {
	transport     string
	serialPort    string
	serialBaud    int
	tcpPort       int
	tunnelURL     string
	tunnelBase    string
	brokerURL     string
	allowUnknown  bool
	panID         int
	netKey        string
	dataFile      string
	monitorPrefix string
	logLevel      string
}

func applyFlags(cfg *config.AppConfig, f flagOverrides) {
	if f.transport != "" {
		cfg.Bridge.Transport = config.TransportType(f.transport)
	}
	if strings.TrimSpace(f.serialPort) != "" {
		cfg.Bridge.SerialPort = strings.TrimSpace(f.serialPort)
	}
	if f.serialBaud > 0 {
		cfg.Bridge.SerialBaud = f.serialBaud
	}
	if f.tcpPort > 0 {
		cfg.Bridge.TCPPort = f.tcpPort
	}
	if f.tunnelURL != "" {
		cfg.Bridge.TunnelURL = f.tunnelURL
	}
	if f.tunnelBase != "" {
		cfg.Bridge.TunnelBase = f.tunnelBase
	}
	if f.brokerURL != "" {
		cfg.Gateway.BrokerURL = f.brokerURL
	}
	if f.allowUnknown {
		cfg.Gateway.AllowUnknown = true
	}
	if f.panID > 0 && f.panID <= 0xFF {
		cfg.Network.PANID = uint8(f.panID)
	}
	if f.netKey != "" {
		cfg.Network.Key = f.netKey
	}
	if f.dataFile != "" {
		cfg.Gateway.DataFile = f.dataFile
	}
	if f.monitorPrefix != "" {
		cfg.Gateway.MonitorPrefix = f.monitorPrefix
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

func openStore(ctx context.Context, dataFile string) (session.Store, error) {
	if dataFile == "" || dataFile == ":memory:" {
		return session.NewMemoryStore(), nil
	}
	db, err := session.OpenDB(ctx, dataFile)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	return session.NewSQLStore(db), nil
}

func buildTransport(cfg config.BridgeConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportSerial:
		return transport.NewSerialTransport(cfg.SerialPort, cfg.SerialBaud), nil
	case config.TransportTCP:
		return transport.NewTCPTransport(cfg.TCPPort), nil
	case config.TransportMQTT:
		return transport.NewMQTTTransport(cfg.TunnelURL, cfg.TunnelBase), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}
