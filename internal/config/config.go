// Package config loads and validates the runtime configuration from one
// TOML file or a directory of fragments merged in lexical order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"flapjack/internal/domain"
)

const (
	defaultHTTPListen     = ":8080"
	defaultHealthPath     = "/healthz"
	defaultReadyPath      = "/readyz"
	defaultEventsPath     = "/events"
	defaultNATSURL        = "nats://127.0.0.1:4222"
	defaultEventSubject   = "flapjack.events"
	defaultEventStream    = "FLAPJACK_EVENTS"
	defaultEventConsumer  = "flapjack-processor"
	defaultEventGroup     = "flapjack-processors"
	defaultAckWaitSec     = 30
	defaultNackDelayMS    = 1000
	defaultMaxDeliver     = -1
	defaultMaxAckPending  = 2048
	defaultRedisURL       = "redis://127.0.0.1:6379/0"
	defaultRepeatDelaySec = 300
	defaultMaxAttempts    = 3
	defaultMaxBackoffSec  = 60
	defaultShutdownGrace  = 10
	defaultMediumWorkers  = 4
	defaultMediumTimeout  = 30
	defaultHousekeeping   = "@every 1m"

	// StoreBackendRedis selects the redis reference backend.
	StoreBackendRedis = "redis"
	// StoreBackendMemory selects the in-process backend for single mode.
	StoreBackendMemory = "memory"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig            `toml:"service"`
	Log       LogConfig                `toml:"log"`
	Store     StoreConfig              `toml:"store"`
	Ingest    IngestConfig             `toml:"ingest"`
	Processor ProcessorConfig          `toml:"processor"`
	Notifier  NotifierConfig           `toml:"notifier"`
	Gateways  map[string]GatewayConfig `toml:"gateways"`
}

// ServiceConfig contains process-level settings.
// Params: name and housekeeping schedule.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                 string `toml:"name"`
	HousekeepingSchedule string `toml:"housekeeping_schedule"`
}

// LogConfig selects log sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one log sink.
// Params: enable flag, level, format, and file path for the file sink.
// Returns: sink behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// StoreConfig selects the entity store backend.
// Params: backend name and connection URL.
// Returns: store behavior.
type StoreConfig struct {
	Backend string `toml:"backend"`
	URL     string `toml:"url"`
}

// IngestConfig defines inbound event interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP event endpoint.
// Params: enable flag, listen address, and paths.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	EventsPath   string `toml:"events_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures the JetStream event queue consumer.
// Params: connection and ack/redelivery policy; routing keys are fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// ProcessorConfig tunes the check state machine.
// Params: fallback delays and auto-creation policy.
// Returns: processor behavior.
type ProcessorConfig struct {
	InitialFailureDelay                  int  `toml:"initial_failure_delay"`
	RepeatFailureDelay                   int  `toml:"repeat_failure_delay"`
	NewCheckScheduledMaintenanceDuration int  `toml:"new_check_scheduled_maintenance_duration"`
	AutoCreateChecks                     bool `toml:"auto_create_checks"`
	StateRetention                       int  `toml:"state_retention"`
}

// NotifierConfig tunes the alert dispatcher.
// Params: retry cap, backoff ceiling, and shutdown grace.
// Returns: notifier behavior.
type NotifierConfig struct {
	MaxAttempts      int `toml:"max_attempts"`
	MaxBackoffSec    int `toml:"max_backoff"`
	ShutdownGraceSec int `toml:"shutdown_grace"`
	Workers          int `toml:"workers"`
}

// GatewayConfig configures one medium gateway.
// Params: queue name, per-call timeout, and handler credentials.
// Returns: gateway behavior for one medium type.
type GatewayConfig struct {
	Enabled    bool   `toml:"enabled"`
	Queue      string `toml:"queue"`
	TimeoutSec int    `toml:"timeout"`
	Workers    int    `toml:"workers"`
	// URL is a shoutrrr service URL for webhook-style media.
	URL string `toml:"url"`
	// From/Region configure the SES email handler.
	From   string `toml:"from"`
	Region string `toml:"region"`
	// Token/ChatID configure the telegram handler for jabber media.
	Token  string `toml:"token"`
	ChatID string `toml:"chat_id"`
}

// Source yields raw TOML documents for one snapshot.
// Params: none.
// Returns: document list in merge order.
type Source interface {
	Documents() ([][]byte, error)
}

// FileSource reads one TOML file.
type FileSource struct {
	Path string
}

// Documents returns the single file body.
func (s FileSource) Documents() ([][]byte, error) {
	body, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", s.Path, err)
	}
	return [][]byte{body}, nil
}

// DirSource reads every *.toml fragment in lexical order.
type DirSource struct {
	Path string
}

// Documents returns all fragment bodies in merge order.
func (s DirSource) Documents() ([][]byte, error) {
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", s.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("config dir %q has no *.toml fragments", s.Path)
	}
	documents := make([][]byte, 0, len(names))
	for _, name := range names {
		body, err := os.ReadFile(filepath.Join(s.Path, name))
		if err != nil {
			return nil, fmt.Errorf("read config fragment %q: %w", name, err)
		}
		documents = append(documents, body)
	}
	return documents, nil
}

// FromCLI builds a config source from mutually exclusive CLI flags.
// Params: file path and directory path (exactly one must be set).
// Returns: config source or usage error.
func FromCLI(file, dir string) (Source, error) {
	switch {
	case file != "" && dir != "":
		return nil, errors.New("use either --config-file or --config-dir, not both")
	case file != "":
		return FileSource{Path: file}, nil
	case dir != "":
		return DirSource{Path: dir}, nil
	default:
		return nil, errors.New("one of --config-file or --config-dir is required")
	}
}

// LoadSnapshot decodes, merges, defaults, and validates one snapshot.
// Params: config source.
// Returns: validated config or load error.
func LoadSnapshot(source Source) (Config, error) {
	documents, err := source.Documents()
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	for _, document := range documents {
		decoder := toml.NewDecoder(strings.NewReader(string(document)))
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with runtime defaults.
// Params: decoded config pointer.
// Returns: config completed in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "flapjack"
	}
	if cfg.Service.HousekeepingSchedule == "" {
		cfg.Service.HousekeepingSchedule = defaultHousekeeping
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBackendRedis
	}
	if cfg.Store.URL == "" {
		cfg.Store.URL = defaultRedisURL
	}

	if cfg.Ingest.HTTP.Listen == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if cfg.Ingest.HTTP.HealthPath == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.Ingest.HTTP.ReadyPath == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.Ingest.HTTP.EventsPath == "" {
		cfg.Ingest.HTTP.EventsPath = defaultEventsPath
	}

	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	cfg.Ingest.NATS.Subject = defaultEventSubject
	cfg.Ingest.NATS.Stream = defaultEventStream
	cfg.Ingest.NATS.ConsumerName = defaultEventConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultEventGroup
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultMaxAckPending
	}

	if cfg.Processor.RepeatFailureDelay <= 0 {
		cfg.Processor.RepeatFailureDelay = defaultRepeatDelaySec
	}

	if cfg.Notifier.MaxAttempts <= 0 {
		cfg.Notifier.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Notifier.MaxBackoffSec <= 0 {
		cfg.Notifier.MaxBackoffSec = defaultMaxBackoffSec
	}
	if cfg.Notifier.ShutdownGraceSec <= 0 {
		cfg.Notifier.ShutdownGraceSec = defaultShutdownGrace
	}
	if cfg.Notifier.Workers <= 0 {
		cfg.Notifier.Workers = defaultMediumWorkers
	}

	if cfg.Gateways == nil {
		cfg.Gateways = make(map[string]GatewayConfig)
	}
	for medium, gateway := range cfg.Gateways {
		if gateway.Queue == "" {
			gateway.Queue = medium
		}
		if gateway.TimeoutSec <= 0 {
			gateway.TimeoutSec = defaultMediumTimeout
		}
		if gateway.Workers <= 0 {
			gateway.Workers = cfg.Notifier.Workers
		}
		cfg.Gateways[medium] = gateway
	}
}

// validate rejects inconsistent snapshots with actionable messages.
// Params: defaulted config.
// Returns: first validation error.
func validate(cfg Config) error {
	switch cfg.Store.Backend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		return fmt.Errorf("unsupported store.backend %q (redis or memory)", cfg.Store.Backend)
	}

	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return errors.New("log.file.path is required when the file sink is enabled")
	}

	known := make(map[string]struct{})
	for _, mediumType := range domain.MediumTypes() {
		known[string(mediumType)] = struct{}{}
	}
	for medium := range cfg.Gateways {
		if _, ok := known[medium]; !ok {
			return fmt.Errorf("unknown gateway medium %q", medium)
		}
	}

	if cfg.Processor.InitialFailureDelay < 0 {
		return errors.New("processor.initial_failure_delay must be >=0")
	}
	if cfg.Processor.NewCheckScheduledMaintenanceDuration < 0 {
		return errors.New("processor.new_check_scheduled_maintenance_duration must be >=0")
	}
	return nil
}
