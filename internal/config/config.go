package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/chanrelay/internal/cursor"
	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/sink"
	"github.com/ppiankov/chanrelay/internal/source"
)

const (
	DefaultTokenEnv     = "DISCORD_TOKEN"
	DefaultPeriod       = 300 * time.Second
	DefaultOffset       = 5 * time.Second
	DefaultStatePath    = "state.json"
	DefaultStateBackend = cursor.BackendFile
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"

	maxNumberedWebhooks = 9
)

// ErrMissing reports absent mandatory configuration. The process must not
// start polling without it.
var ErrMissing = errors.New("missing required configuration")

// Duration wraps time.Duration for YAML unmarshaling from strings like "5m".
// It remembers whether a value was given, so an explicit zero survives
// defaulting.
type Duration struct {
	time.Duration
	set bool
}

// IsSet reports whether the value came from the file or the environment.
func (d Duration) IsSet() bool {
	return d.set
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	d.set = true
	return nil
}

// Config is built once at startup and never re-read.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Schedule ScheduleConfig `yaml:"schedule"`
	State    StateConfig    `yaml:"state"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
}

type SourceConfig struct {
	ChannelID string   `yaml:"channel_id" validate:"required,numeric"`
	TokenEnv  string   `yaml:"token_env"`
	BaseURL   string   `yaml:"base_url" validate:"required,url"`
	UserAgent string   `yaml:"user_agent"`
	Limit     int      `yaml:"limit" validate:"min=1,max=100"`
	Timeout   Duration `yaml:"timeout"`

	// Resolved from env var at load time.
	Token string `yaml:"-" validate:"required"`
}

type DeliveryConfig struct {
	Webhooks []string `yaml:"webhooks" validate:"min=1,dive,url"`
	Timeout  Duration `yaml:"timeout"`
}

// ScheduleConfig places ticks at k*Period + Offset. Interval is a flat
// alternative: Period = Interval, Offset = 0.
type ScheduleConfig struct {
	Period   Duration `yaml:"period"`
	Offset   Duration `yaml:"offset"`
	Interval Duration `yaml:"interval"`
}

type StateConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file sqlite bolt"`
	Path    string `yaml:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type PrivacyConfig struct {
	Redact      []string `yaml:"redact"`
	Placeholder string   `yaml:"placeholder"`
}

// Load reads the optional YAML file at path, applies defaults and
// environment overrides, and validates the result. An empty path skips the
// file entirely.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Source.TokenEnv == "" {
		cfg.Source.TokenEnv = DefaultTokenEnv
	}
	if cfg.Source.BaseURL == "" {
		cfg.Source.BaseURL = source.DefaultBaseURL
	}
	if cfg.Source.UserAgent == "" {
		cfg.Source.UserAgent = source.DefaultUserAgent
	}
	if cfg.Source.Limit == 0 {
		cfg.Source.Limit = source.DefaultLimit
	}
	if cfg.Source.Timeout.Duration == 0 {
		cfg.Source.Timeout.Duration = source.DefaultTimeout
	}
	if cfg.Delivery.Timeout.Duration == 0 {
		cfg.Delivery.Timeout.Duration = sink.DefaultTimeout
	}
	if cfg.Schedule.Interval.Duration > 0 {
		cfg.Schedule.Period = cfg.Schedule.Interval
		cfg.Schedule.Offset = Duration{Duration: 0, set: true}
	}
	if cfg.Schedule.Period.Duration == 0 {
		cfg.Schedule.Period.Duration = DefaultPeriod
	}
	// An unset offset defaults independently of the period, unless the
	// default would not fit inside a shorter period.
	if !cfg.Schedule.Offset.IsSet() && DefaultOffset < cfg.Schedule.Period.Duration {
		cfg.Schedule.Offset.Duration = DefaultOffset
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = DefaultStateBackend
	}
	if cfg.State.Path == "" {
		cfg.State.Path = DefaultStatePath
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func resolveEnv(cfg *Config) {
	cfg.Source.Token = strings.TrimSpace(os.Getenv(cfg.Source.TokenEnv))
}

// applyEnv overlays the deployment variables on top of the file. Numbered
// WEBHOOK_n variables and WEBHOOK_URLS replace the file's webhook list.
func applyEnv(cfg *Config) error {
	setString(&cfg.Source.ChannelID, "CHANNEL_ID")
	setString(&cfg.Source.BaseURL, "DISCORD_API_BASE")
	setString(&cfg.State.Path, "STATE_FILE")
	setString(&cfg.State.Backend, "STATE_BACKEND")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Metrics.Addr, "METRICS_ADDR")

	var hooks []string
	for i := 1; i <= maxNumberedWebhooks; i++ {
		if v := strings.TrimSpace(os.Getenv("WEBHOOK_" + strconv.Itoa(i))); v != "" {
			if len(hooks) == 0 && i > 1 {
				return fmt.Errorf("%w: WEBHOOK_1 (WEBHOOK_%d is set)", ErrMissing, i)
			}
			hooks = append(hooks, v)
		}
	}
	for _, v := range strings.Split(os.Getenv("WEBHOOK_URLS"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			hooks = append(hooks, v)
		}
	}
	if len(hooks) > 0 {
		cfg.Delivery.Webhooks = hooks
	}

	if err := setSeconds(&cfg.Schedule.Period, "POLL_BASE_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Schedule.Offset, "POLL_OFFSET_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Schedule.Interval, "POLL_INTERVAL_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Source.Timeout, "FETCH_TIMEOUT_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&cfg.Delivery.Timeout, "WEBHOOK_TIMEOUT_SECONDS"); err != nil {
		return err
	}
	if v := strings.TrimSpace(os.Getenv("FETCH_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FETCH_LIMIT: %w", err)
		}
		cfg.Source.Limit = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setSeconds(dst *Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = time.Duration(n) * time.Second
	dst.set = true
	return nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func validate(cfg *Config) error {
	var missing []string
	if cfg.Source.Token == "" {
		missing = append(missing, cfg.Source.TokenEnv)
	}
	if strings.TrimSpace(cfg.Source.ChannelID) == "" {
		missing = append(missing, "CHANNEL_ID")
	}
	if len(cfg.Delivery.Webhooks) == 0 {
		missing = append(missing, "WEBHOOK_1")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.Schedule.Period.Duration <= 0 {
		return errors.New("schedule.period must be positive")
	}
	if cfg.Schedule.Offset.Duration < 0 || cfg.Schedule.Offset.Duration >= cfg.Schedule.Period.Duration {
		return fmt.Errorf("schedule.offset %s must be in [0, %s)", cfg.Schedule.Offset.Duration, cfg.Schedule.Period.Duration)
	}
	if cfg.Source.Timeout.Duration <= 0 || cfg.Delivery.Timeout.Duration <= 0 {
		return errors.New("timeouts must be positive")
	}
	if !logging.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}

	return nil
}
