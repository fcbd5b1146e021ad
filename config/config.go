package config

import (
	"fmt"
	"time"
)

// Overflow policies for a run's pending queue.
const (
	// OverflowBlock makes Log block until the queue has room.
	OverflowBlock = "block"
	// OverflowDropOldest evicts the oldest unsent data record to admit
	// the new one. Lifecycle records are never dropped.
	OverflowDropOldest = "drop_oldest"
	// OverflowFail rejects the record with an error.
	OverflowFail = "fail"
)

// Settings configures a client session. All fields are optional; zero
// values are filled by Normalize. File values act as defaults and are
// overridden by anything the caller sets explicitly.
type Settings struct {
	// ServiceAddr attaches to an already-running service at host:port.
	// Empty means locate-or-spawn via DataDir's portfile.
	ServiceAddr string `yaml:"service_addr"`

	// ServiceBinary is the service executable to spawn. Resolved via
	// PATH when not absolute.
	ServiceBinary string `yaml:"service_binary"`

	// DataDir holds the portfile, client logs, and default storage.
	DataDir string `yaml:"data_dir"`

	// DetachService leaves a spawned service running after session
	// shutdown instead of tearing it down.
	DetachService bool `yaml:"detach_service"`

	SpawnTimeout  Duration `yaml:"spawn_timeout"`
	DialTimeout   Duration `yaml:"dial_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout"`
	FinishTimeout Duration `yaml:"finish_timeout"`

	Queue     QueueConfig     `yaml:"queue"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`
}

// QueueConfig bounds a run's pending queue.
type QueueConfig struct {
	// MaxPending caps records held per run (unsent plus unacked).
	MaxPending int `yaml:"max_pending"`
	// OnFull picks the overflow policy: block, drop_oldest, or fail.
	OnFull string `yaml:"on_full"`
	// BlockTimeout bounds how long a producer waits for room under the
	// block policy before the record is rejected.
	BlockTimeout Duration `yaml:"block_timeout"`
}

// ReconnectConfig tunes channel re-establishment after a lost
// connection. Backoff doubles from Base up to Cap.
type ReconnectConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// LogConfig configures the debug log. Dir empty means DataDir/logs.
type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	// Console mirrors log output to stderr, for development.
	Console bool `yaml:"console"`
}

// Default tuning. Chosen for loopback IPC: generous queues, short
// backoff, bounded finish.
const (
	DefaultSpawnTimeout  = 30 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultFinishTimeout = 90 * time.Second

	DefaultMaxPending   = 32768
	DefaultBlockTimeout = 10 * time.Second

	DefaultReconnectAttempts = 5
	DefaultBackoffBase       = 100 * time.Millisecond
	DefaultBackoffCap        = 5 * time.Second

	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 7
)

// DefaultSettings returns a fully-populated Settings.
func DefaultSettings() Settings {
	var s Settings
	s.Normalize()
	return s
}

// Normalize fills zero fields with defaults. It does not validate;
// call Validate afterwards when the values came from a file.
func (s *Settings) Normalize() {
	if s.ServiceBinary == "" {
		s.ServiceBinary = "tracelined"
	}
	if s.SpawnTimeout.Duration == 0 {
		s.SpawnTimeout.Duration = DefaultSpawnTimeout
	}
	if s.DialTimeout.Duration == 0 {
		s.DialTimeout.Duration = DefaultDialTimeout
	}
	if s.WriteTimeout.Duration == 0 {
		s.WriteTimeout.Duration = DefaultWriteTimeout
	}
	if s.FinishTimeout.Duration == 0 {
		s.FinishTimeout.Duration = DefaultFinishTimeout
	}
	if s.Queue.MaxPending == 0 {
		s.Queue.MaxPending = DefaultMaxPending
	}
	if s.Queue.OnFull == "" {
		s.Queue.OnFull = OverflowBlock
	}
	if s.Queue.BlockTimeout.Duration == 0 {
		s.Queue.BlockTimeout.Duration = DefaultBlockTimeout
	}
	if s.Reconnect.MaxAttempts == 0 {
		s.Reconnect.MaxAttempts = DefaultReconnectAttempts
	}
	if s.Reconnect.BackoffBase.Duration == 0 {
		s.Reconnect.BackoffBase.Duration = DefaultBackoffBase
	}
	if s.Reconnect.BackoffCap.Duration == 0 {
		s.Reconnect.BackoffCap.Duration = DefaultBackoffCap
	}
	s.Log.normalize()
}

func (l *LogConfig) normalize() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = DefaultLogMaxBackups
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = DefaultLogMaxAgeDays
	}
}

// Validate rejects values Normalize cannot repair.
func (s *Settings) Validate() error {
	switch s.Queue.OnFull {
	case OverflowBlock, OverflowDropOldest, OverflowFail:
	default:
		return fmt.Errorf("invalid queue.on_full %q: want block, drop_oldest, or fail", s.Queue.OnFull)
	}
	if s.Queue.MaxPending < 1 {
		return fmt.Errorf("queue.max_pending must be positive, got %d", s.Queue.MaxPending)
	}
	if s.Queue.BlockTimeout.Duration < 0 {
		return fmt.Errorf("queue.block_timeout must not be negative, got %s", s.Queue.BlockTimeout.Duration)
	}
	if s.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", s.Reconnect.MaxAttempts)
	}
	return nil
}

// ServiceConfig represents a tracelined.yaml configuration file.
// All values are optional and act as defaults for tracelined serve
// flags. CLI flags always override config values.
type ServiceConfig struct {
	// Listen is the host:port to bind. Port 0 picks an ephemeral port,
	// published via the portfile.
	Listen string `yaml:"listen"`

	// AckInterval coalesces acks: at most one ack per run per interval
	// plus an immediate ack on terminal records.
	AckInterval Duration `yaml:"ack_interval"`

	Storage StorageConfig `yaml:"storage"`
	Adapter AdapterConfig `yaml:"adapter"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig holds record store defaults from the config file.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds run notification defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// DefaultAckInterval bounds ack chatter on the wire.
const DefaultAckInterval = 50 * time.Millisecond

// Normalize fills zero fields with defaults.
func (c *ServiceConfig) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:0"
	}
	if c.AckInterval.Duration == 0 {
		c.AckInterval.Duration = DefaultAckInterval
	}
	if c.Storage.Dataset == "" {
		c.Storage.Dataset = "traceline"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "fs"
	}
	c.Log.normalize()
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Dur builds a Duration from a time.Duration, for settings literals.
func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}
