// Package config loads sender settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mastercactapus/gcstream/gcode"
	"github.com/mastercactapus/gcstream/machine"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/mastercactapus/gcstream/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Error policies.
const (
	PolicyAbort    = "abort"
	PolicyContinue = "continue"
)

type Config struct {
	Port   string `yaml:"port"`
	Baud   int    `yaml:"baud"`
	Driver string `yaml:"driver"`

	// URL selects a websocket bridge instead of a serial port.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`

	// SPJS selects a serial-port-json-server; Port then names the port
	// on the server.
	SPJS string `yaml:"spjs"`

	RxBufferSize int    `yaml:"rx_buffer_size"`
	SafetyMargin int    `yaml:"safety_margin"`
	ErrorPolicy  string `yaml:"error_policy"`
	FlushOnStop  bool   `yaml:"flush_on_stop"`

	StatusInterval   time.Duration `yaml:"status_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	StopSettle       time.Duration `yaml:"stop_settle"`
	StopPollAttempts int           `yaml:"stop_poll_attempts"`
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`

	// SafeZ is the retract height for resume, in machine coordinates
	// unless SafeZWork is set.
	SafeZ        float64 `yaml:"safe_z"`
	SafeZWork    bool    `yaml:"safe_z_work"`
	SpindleDwell float64 `yaml:"spindle_dwell"`

	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the settings for a stock grbl controller.
func Default() Config {
	return Config{
		Port:             "/dev/ttyUSB0",
		Baud:             115200,
		Driver:           transport.DriverTarm,
		RxBufferSize:     stream.DefaultRxBufferSize,
		SafetyMargin:     stream.SafetyMargin,
		ErrorPolicy:      PolicyAbort,
		StatusInterval:   250 * time.Millisecond,
		ProgressInterval: time.Second,
		StopSettle:       stream.DefaultStopSettle,
		StopPollAttempts: stream.DefaultStopPollAttempts,
		StopPollInterval: stream.DefaultStopPollInterval,
		SafeZ:            -1,
		Listen:           ":9091",
		LogLevel:         "info",
	}
}

// Load reads path over the defaults. Unknown keys are rejected. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode applies YAML data to cfg.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// EffectiveBufferSize is the part of the controller's receive buffer the
// sender may fill.
func (c Config) EffectiveBufferSize() int {
	return c.RxBufferSize - c.SafetyMargin
}

func (c Config) Validate() error {
	var errs []error
	if c.EffectiveBufferSize() <= 0 {
		errs = append(errs, fmt.Errorf("%w: rx_buffer_size %d minus safety_margin %d must be positive", ErrInvalid, c.RxBufferSize, c.SafetyMargin))
	}
	if c.SafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("%w: safety_margin must not be negative", ErrInvalid))
	}
	switch c.ErrorPolicy {
	case PolicyAbort, PolicyContinue:
	default:
		errs = append(errs, fmt.Errorf("%w: error_policy %q (want abort or continue)", ErrInvalid, c.ErrorPolicy))
	}
	switch c.Driver {
	case transport.DriverTarm, transport.DriverBugst:
	default:
		errs = append(errs, fmt.Errorf("%w: driver %q (want tarm or bugst)", ErrInvalid, c.Driver))
	}
	if c.URL == "" && c.Port == "" {
		errs = append(errs, fmt.Errorf("%w: port or url is required", ErrInvalid))
	}
	if c.URL != "" && c.SPJS != "" {
		errs = append(errs, fmt.Errorf("%w: url and spjs are exclusive", ErrInvalid))
	}
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("%w: baud must be positive", ErrInvalid))
	}
	if c.StopPollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: stop_poll_attempts must be positive", ErrInvalid))
	}
	if c.SpindleDwell < 0 {
		errs = append(errs, fmt.Errorf("%w: spindle_dwell must not be negative", ErrInvalid))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: log_level: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}

// Machine converts the settings into a machine configuration.
func (c Config) Machine(log zerolog.Logger) machine.Config {
	policy := stream.AbortOnError
	if c.ErrorPolicy == PolicyContinue {
		policy = stream.ContinueOnError
	}
	return machine.Config{
		StatusInterval:   c.StatusInterval,
		BufferSize:       c.EffectiveBufferSize(),
		ErrorPolicy:      policy,
		FlushOnStop:      c.FlushOnStop,
		StopSettle:       c.StopSettle,
		StopPollAttempts: c.StopPollAttempts,
		StopPollInterval: c.StopPollInterval,
		ProgressInterval: c.ProgressInterval,
		Resume: &gcode.ResumeOptions{
			SafeZ:        c.SafeZ,
			SafeZMachine: !c.SafeZWork,
			SpindleDwell: c.SpindleDwell,
		},
		Logger: log,
	}
}
