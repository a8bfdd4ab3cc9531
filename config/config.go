// Package config loads the configuration of a worker executor process from TOML.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration written as a string such as "5s" or "1m30s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the configuration of one executor process.
type Config struct {
	// HostID identifies the executor in the shard table.
	HostID string `toml:"host_id" validate:"required"`

	Storage StorageConfig `toml:"storage"`
	Shards  ShardsConfig  `toml:"shards"`
	Worker  WorkerConfig  `toml:"worker"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// StorageConfig selects the store for oplogs, metadata and the shard table.
type StorageConfig struct {
	Driver      string `toml:"driver" validate:"oneof=memory sqlite postgres mysql"`
	DSN         string `toml:"dsn" validate:"required_unless=Driver memory"`
	TablePrefix string `toml:"table_prefix" validate:"identifier"`
}

// ShardsConfig configures shard coordination.
type ShardsConfig struct {
	Count             int      `toml:"count" validate:"gte=1"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StaleTimeout      Duration `toml:"stale_timeout"`
	PollInterval      Duration `toml:"poll_interval"`
}

// WorkerConfig configures how workers execute.
type WorkerConfig struct {
	PersistenceLevel  string      `toml:"persistence_level" validate:"oneof=smart persist-remote-side-effects persist-nothing"`
	AssumeIdempotence bool        `toml:"assume_idempotence"`
	MaxActiveWorkers  int         `toml:"max_active_workers" validate:"gte=0"`
	SuspendThreshold  Duration    `toml:"suspend_threshold"`
	Retry             RetryConfig `toml:"retry"`
}

// RetryConfig configures recovery after traps.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts" validate:"gte=1"`
	MinDelay    Duration `toml:"min_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	Multiplier  float64  `toml:"multiplier" validate:"gte=1"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"required_if=Enabled true"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `toml:"level" validate:"oneof=debug info warn error"`
	Development bool   `toml:"development"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver:      "memory",
			TablePrefix: "durable",
		},
		Shards: ShardsConfig{
			Count:             1024,
			HeartbeatInterval: Duration{5 * time.Second},
			StaleTimeout:      Duration{30 * time.Second},
			PollInterval:      Duration{1 * time.Second},
		},
		Worker: WorkerConfig{
			PersistenceLevel: "smart",
			SuspendThreshold: Duration{10 * time.Second},
			Retry: RetryConfig{
				MaxAttempts: 3,
				MinDelay:    Duration{100 * time.Millisecond},
				MaxDelay:    Duration{10 * time.Second},
				Multiplier:  2,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads and validates a TOML file. Keys not present keep their defaults; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Read decodes a TOML file over the defaults without validating the result,
// so that callers can apply overrides first.
func Read(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes and validates TOML text.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	items := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		items = append(items, key.String())
	}
	return fmt.Errorf("unknown config keys: %s", strings.Join(items, ","))
}

var (
	validate        = newValidator()
	identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRegex.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(validateShards, ShardsConfig{})
	v.RegisterStructValidation(validateRetry, RetryConfig{})
	return v
}

func validateShards(sl validator.StructLevel) {
	s := sl.Current().Interface().(ShardsConfig)
	if s.HeartbeatInterval.Duration <= 0 {
		sl.ReportError(s.HeartbeatInterval, "HeartbeatInterval", "heartbeat_interval", "positive", "")
	}
	if s.PollInterval.Duration <= 0 {
		sl.ReportError(s.PollInterval, "PollInterval", "poll_interval", "positive", "")
	}
	if s.StaleTimeout.Duration <= s.HeartbeatInterval.Duration {
		sl.ReportError(s.StaleTimeout, "StaleTimeout", "stale_timeout", "gtfield", "HeartbeatInterval")
	}
}

func validateRetry(sl validator.StructLevel) {
	r := sl.Current().Interface().(RetryConfig)
	if r.MinDelay.Duration <= 0 {
		sl.ReportError(r.MinDelay, "MinDelay", "min_delay", "positive", "")
	}
	if r.MaxDelay.Duration < r.MinDelay.Duration {
		sl.ReportError(r.MaxDelay, "MaxDelay", "max_delay", "gtefield", "MinDelay")
	}
}

// Validate checks every field and reports all violations at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
