package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/codec"
	goble "github.com/srg/gcprov/internal/device/go-ble"
	"github.com/srg/gcprov/internal/provision"
	"github.com/srg/gcprov/scanner"
	"gopkg.in/yaml.v3"
)

const (
	// MinScanDuration and MaxScanDuration bound the operator-selectable scan window.
	MinScanDuration = 10 * time.Second
	MaxScanDuration = 30 * time.Second

	appDir = "~/.gcprov"
)

// Config holds application configuration
type Config struct {
	LogLevel     string         `yaml:"log_level" default:"warn"`
	OutputFormat string         `yaml:"output_format" default:"table"`
	Scan         ScanConfig     `yaml:"scan"`
	BLE          BLEConfig      `yaml:"ble"`
	Protocol     ProtocolConfig `yaml:"protocol"`
	Registry     RegistryConfig `yaml:"registry"`
	HistoryPath  string         `yaml:"history_path" default:"~/.gcprov/history.db"`
	Notify       bool           `yaml:"notify"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	NamePrefix string        `yaml:"name_prefix" default:"GC-"`
	Duration   time.Duration `yaml:"duration" default:"15s"`
	AllowList  []string      `yaml:"allow_list"`
	BlockList  []string      `yaml:"block_list"`
}

// BLEConfig holds link-level timeouts and write tuning.
type BLEConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" default:"5s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" default:"10s"`
	ChunkSize      int           `yaml:"chunk_size" default:"20"`
	WriteDelay     time.Duration `yaml:"write_delay" default:"10ms"`
}

// ProtocolConfig holds the provisioning protocol variants.
type ProtocolConfig struct {
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" default:"40s"`
	EndFrame            string        `yaml:"end_frame" default:"colon"`
	Encoding            string        `yaml:"encoding" default:"raw"`
	SerialSource        string        `yaml:"serial_source" default:"name"`
}

// RegistryConfig holds the registration backend settings.
// An empty URL disables registry calls.
type RegistryConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout" default:"10s"`
	Validate bool          `yaml:"validate"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultConfigPath returns ~/.gcprov/config.yaml, expanded.
func DefaultConfigPath() string {
	p, err := homedir.Expand(filepath.Join(appDir, "config.yaml"))
	if err != nil {
		return ""
	}
	return p
}

// Load reads a YAML profile over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding config path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}

	if strings.TrimSpace(c.Scan.NamePrefix) == "" {
		return fmt.Errorf("scan.name_prefix must not be empty")
	}
	if c.Scan.Duration < MinScanDuration || c.Scan.Duration > MaxScanDuration {
		return fmt.Errorf("scan.duration must be between %s and %s, got %s", MinScanDuration, MaxScanDuration, c.Scan.Duration)
	}

	if c.BLE.ConnectTimeout <= 0 || c.BLE.ReadTimeout <= 0 || c.BLE.WriteTimeout <= 0 {
		return fmt.Errorf("ble timeouts must be > 0")
	}
	if c.BLE.ChunkSize < 0 {
		return fmt.Errorf("ble.chunk_size must be >= 0, got %d", c.BLE.ChunkSize)
	}

	if c.Protocol.ConfirmationTimeout <= 0 {
		return fmt.Errorf("protocol.confirmation_timeout must be > 0")
	}
	if _, err := codec.ParseEndFrameVariant(c.Protocol.EndFrame); err != nil {
		return fmt.Errorf("protocol.end_frame: %w", err)
	}
	if _, err := codec.ParseEncoding(c.Protocol.Encoding); err != nil {
		return fmt.Errorf("protocol.encoding: %w", err)
	}
	if _, err := provision.ParseSerialSource(c.Protocol.SerialSource); err != nil {
		return fmt.Errorf("protocol.serial_source: %w", err)
	}

	if c.Registry.Validate && c.Registry.URL == "" {
		return fmt.Errorf("registry.validate requires registry.url")
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be > 0")
	}

	if c.HistoryPath == "" {
		return fmt.Errorf("history_path must not be empty")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ProvisionOptions converts the profile into state machine options.
// Call Validate first; unparsable variants fall back to their defaults.
func (c *Config) ProvisionOptions() provision.Options {
	endFrame, _ := codec.ParseEndFrameVariant(c.Protocol.EndFrame)
	encoding, _ := codec.ParseEncoding(c.Protocol.Encoding)
	source, _ := provision.ParseSerialSource(c.Protocol.SerialSource)

	return provision.Options{
		NamePrefix:           c.Scan.NamePrefix,
		ScanDuration:         c.Scan.Duration,
		ConnectTimeout:       c.BLE.ConnectTimeout,
		ReadTimeout:          c.BLE.ReadTimeout,
		WriteTimeout:         c.BLE.WriteTimeout,
		ConfirmationTimeout:  c.Protocol.ConfirmationTimeout,
		RegistryTimeout:      c.Registry.Timeout,
		EndFrame:             endFrame,
		Encoding:             encoding,
		SerialSource:         source,
		AllowList:            c.Scan.AllowList,
		BlockList:            c.Scan.BlockList,
		ValidateRegistration: c.Registry.Validate,
	}
}

// ScanOptions converts the profile into standalone scanner options.
func (c *Config) ScanOptions() *scanner.ScanOptions {
	opts := scanner.DefaultScanOptions()
	opts.Duration = c.Scan.Duration
	opts.NamePrefix = c.Scan.NamePrefix
	opts.AllowList = c.Scan.AllowList
	opts.BlockList = c.Scan.BlockList
	opts.ValidationTimeout = c.Registry.Timeout
	return opts
}

// TransportOptions converts the profile into go-ble transport options.
func (c *Config) TransportOptions() goble.Options {
	return goble.Options{
		ChunkSize:  c.BLE.ChunkSize,
		WriteDelay: c.BLE.WriteDelay,
	}
}

// ResolvedHistoryPath returns HistoryPath with ~ expanded.
func (c *Config) ResolvedHistoryPath() (string, error) {
	return homedir.Expand(c.HistoryPath)
}
