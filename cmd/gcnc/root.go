package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mastercactapus/gcstream/config"
	"github.com/mastercactapus/gcstream/machine"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string

	portName   string
	baudRate   int
	driverName string

	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	spjsURL string

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gcnc",
	Short: "G-code sender for grbl and FluidNC controllers",
	Long: `gcnc streams G-code to grbl-compatible controllers using character-counting
flow control, and can resume an interrupted program from any line.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200] [--driver tarm|bugst]
  WebSocket: --url ws://fluidnc.local:81 [--username user]
  SPJS:      --spjs ws://cnc-bridge:8989/ws --port /dev/ttyUSB0

Settings not given as flags are read from --config (YAML).

For WebSocket authentication, the password is read from the GCNC_PASSWORD
environment variable, or prompted interactively if not set.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device (or port name on the SPJS server)")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", "tarm", "Serial driver (tarm or bugst)")

	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL of the controller (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&spjsURL, "spjs", "", "WebSocket URL of a serial-port-json-server")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Baud = baudRate
	}
	if flags.Changed("driver") {
		cfg.Driver = driverName
	}
	if flags.Changed("url") {
		cfg.URL = wsURL
	}
	if flags.Changed("username") {
		cfg.Username = wsUsername
	}
	if flags.Changed("spjs") {
		cfg.SPJS = spjsURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().
		Logger()
}

// session is an open controller connection with its machine running.
type session struct {
	cfg config.Config
	log zerolog.Logger
	m   *machine.Machine

	// done is closed once the machine stops running; err is set first.
	done chan struct{}
	err  error
}

// openSession connects to the controller and runs the machine until ctx
// is cancelled.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.LogLevel)

	conn, info, err := openConnection(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info().Str("connection", info).Msg("connected")

	s := &session{
		cfg:  cfg,
		log:  log,
		m:    machine.New(conn, cfg.Machine(log)),
		done: make(chan struct{}),
	}
	go func() {
		s.err = s.m.Run(ctx)
		close(s.done)
	}()
	return s, nil
}

// waitReady blocks until the controller has sent a status report.
func (s *session) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for s.m.Tracker().State() == "" {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no status report from controller: %w", ctx.Err())
		case <-s.done:
			return s.closedErr()
		case <-t.C:
		}
	}
	return nil
}

func (s *session) closedErr() error {
	if s.err == nil {
		return errors.New("connection closed")
	}
	return fmt.Errorf("connection closed: %w", s.err)
}
