package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "PRESENCE"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	AppID      string        `mapstructure:"app_id"`
	ICEServers []string      `mapstructure:"ice_servers"`
	Metrics    bool          `mapstructure:"metrics"`

	Sync    SyncConfig    `mapstructure:"sync"`
	Session SessionConfig `mapstructure:"session"`
	Signal  SignalConfig  `mapstructure:"signal"`
}

// SyncConfig holds the state synchronization tunables. They are persisted
// configuration and never negotiated on the wire.
type SyncConfig struct {
	UpdateRate          time.Duration `mapstructure:"update_rate"`
	InterpolationDelay  time.Duration `mapstructure:"interpolation_delay"`
	SnapshotRate        time.Duration `mapstructure:"snapshot_rate"`
	CorrectionThreshold float64       `mapstructure:"correction_threshold"`
	CorrectionWindow    time.Duration `mapstructure:"correction_window"`
	BufferSize          int           `mapstructure:"buffer_size"`
	// Overrun is either "freeze" or "extrapolate".
	Overrun          string        `mapstructure:"overrun"`
	MaxExtrapolation time.Duration `mapstructure:"max_extrapolation"`
}

type SessionConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Audio          bool          `mapstructure:"audio"`
	Video          bool          `mapstructure:"video"`
	AllowPartial   bool          `mapstructure:"allow_partial"`
	PublishRetries int           `mapstructure:"publish_retries"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

type SignalConfig struct {
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env), false)
}

// LoadFile reads an explicit config file. Unlike Load a missing file is an error.
func LoadFile(path string) (*Config, error) {
	return load(path, true)
}

func load(fileName string, strict bool) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if strict {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Dur("update_rate", cfg.Sync.UpdateRate).
		Dur("snapshot_rate", cfg.Sync.SnapshotRate).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("app_id", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("metrics", true)

	v.SetDefault("sync.update_rate", "50ms")
	v.SetDefault("sync.interpolation_delay", "100ms")
	v.SetDefault("sync.snapshot_rate", "3s")
	v.SetDefault("sync.correction_threshold", 5.0)
	v.SetDefault("sync.correction_window", "250ms")
	v.SetDefault("sync.buffer_size", 32)
	v.SetDefault("sync.overrun", "freeze")
	v.SetDefault("sync.max_extrapolation", "250ms")

	v.SetDefault("session.connect_timeout", "10s")
	v.SetDefault("session.audio", true)
	v.SetDefault("session.video", true)
	v.SetDefault("session.allow_partial", false)
	v.SetDefault("session.publish_retries", 1)
	v.SetDefault("session.event_buffer", 256)

	v.SetDefault("signal.join_limit", 5)
	v.SetDefault("signal.join_interval", "10s")
	v.SetDefault("signal.send_buffer", 64)
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if c.Session.ConnectTimeout <= 0 {
		return errors.New("session.connect_timeout must be positive")
	}
	if c.Signal.SendBuffer <= 0 {
		return errors.New("signal.send_buffer must be positive")
	}
	return nil
}

func (s SyncConfig) Validate() error {
	switch {
	case s.UpdateRate <= 0:
		return errors.New("sync.update_rate must be positive")
	case s.InterpolationDelay < 0:
		return errors.New("sync.interpolation_delay must not be negative")
	case s.SnapshotRate <= 0:
		return errors.New("sync.snapshot_rate must be positive")
	case s.CorrectionThreshold < 0:
		return errors.New("sync.correction_threshold must not be negative")
	case s.BufferSize < 2:
		return errors.New("sync.buffer_size must hold at least two samples")
	case s.Overrun != "freeze" && s.Overrun != "extrapolate":
		return fmt.Errorf("sync.overrun: unknown policy %q", s.Overrun)
	}
	return nil
}
