package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// BROWSERSTREAM_WORKERS_COUNT=4.
const EnvPrefix = "BROWSERSTREAM"

// Config is the full runtime configuration shared by the coordinator and
// its worker processes.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Workers WorkersConfig `mapstructure:"workers"`
	Browser BrowserConfig `mapstructure:"browser"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxSessions       int           `mapstructure:"max_sessions"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	CommandsPerSecond float64       `mapstructure:"commands_per_second"`
	CommandBurst      int           `mapstructure:"command_burst"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
}

type WorkersConfig struct {
	Count             int `mapstructure:"count"`
	BrowsersPerWorker int `mapstructure:"browsers_per_worker"`
	// Mode is "process" (one child process per worker) or "inprocess".
	Mode         string        `mapstructure:"mode"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// Call timeouts bound the supervisor's wait on a worker and must outlast
	// the matching browser.* budget the worker applies.
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	NavigationCallTimeout time.Duration `mapstructure:"navigation_call_timeout"`
	CaptureCallTimeout    time.Duration `mapstructure:"capture_call_timeout"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	RestartBaseDelay      time.Duration `mapstructure:"restart_base_delay"`
	RestartMaxDelay       time.Duration `mapstructure:"restart_max_delay"`
	MaxFailures           int           `mapstructure:"max_failures"`
	StableAfter           time.Duration `mapstructure:"stable_after"`
}

type BrowserConfig struct {
	// Provider is "local" (rod launcher), "docker" (browserless/chrome
	// container per worker) or "remote" (connect to RemoteURL).
	Provider          string        `mapstructure:"provider"`
	Bin               string        `mapstructure:"bin"`
	Headless          bool          `mapstructure:"headless"`
	RemoteURL         string        `mapstructure:"remote_url"`
	DockerImage       string        `mapstructure:"docker_image"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	DefaultURL        string        `mapstructure:"default_url"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	CaptureTimeout    time.Duration `mapstructure:"capture_timeout"`
	JPEGQuality       int           `mapstructure:"jpeg_quality"`
}

type StreamConfig struct {
	Tick             time.Duration `mapstructure:"tick"`
	MinFPS           int           `mapstructure:"min_fps"`
	MaxFPS           int           `mapstructure:"max_fps"`
	BaselineFPS      int           `mapstructure:"baseline_fps"`
	FPSStep          int           `mapstructure:"fps_step"`
	HighWater        int           `mapstructure:"high_water"`
	LowWater         int           `mapstructure:"low_water"`
	IncreaseCooldown time.Duration `mapstructure:"increase_cooldown"`
	DecreaseInterval time.Duration `mapstructure:"decrease_interval"`
	IdleAfter        time.Duration `mapstructure:"idle_after"`
}

type QueueConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	YieldInterval time.Duration `mapstructure:"yield_interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_sessions", 10)
	v.SetDefault("server.session_timeout", 30*time.Minute)
	v.SetDefault("server.sweep_interval", 60*time.Second)
	v.SetDefault("server.commands_per_second", 30.0)
	v.SetDefault("server.command_burst", 60)
	v.SetDefault("server.requests_per_minute", 120)
	v.SetDefault("server.send_buffer", 32)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.max_message_bytes", 64*1024)

	v.SetDefault("workers.count", 3)
	v.SetDefault("workers.browsers_per_worker", 4)
	v.SetDefault("workers.mode", "process")
	v.SetDefault("workers.ready_timeout", 30*time.Second)
	v.SetDefault("workers.call_timeout", 10*time.Second)
	v.SetDefault("workers.navigation_call_timeout", 40*time.Second)
	v.SetDefault("workers.capture_call_timeout", 2*time.Second)
	v.SetDefault("workers.heartbeat_interval", 5*time.Second)
	v.SetDefault("workers.restart_base_delay", time.Second)
	v.SetDefault("workers.restart_max_delay", 30*time.Second)
	v.SetDefault("workers.max_failures", 5)
	v.SetDefault("workers.stable_after", 60*time.Second)

	v.SetDefault("browser.provider", "local")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.docker_image", "browserless/chrome:latest")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.default_url", "https://www.google.com")
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.command_timeout", 8*time.Second)
	v.SetDefault("browser.capture_timeout", 800*time.Millisecond)
	v.SetDefault("browser.jpeg_quality", 60)

	v.SetDefault("stream.tick", 20*time.Millisecond)
	v.SetDefault("stream.min_fps", 2)
	v.SetDefault("stream.max_fps", 15)
	v.SetDefault("stream.baseline_fps", 10)
	v.SetDefault("stream.fps_step", 2)
	v.SetDefault("stream.high_water", 512*1024)
	v.SetDefault("stream.low_water", 128*1024)
	v.SetDefault("stream.increase_cooldown", 3*time.Second)
	v.SetDefault("stream.decrease_interval", 200*time.Millisecond)
	v.SetDefault("stream.idle_after", 3*time.Second)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.yield_interval", 10*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads .env (if present), the optional config file and the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates a populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file or environment applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects configurations the components cannot honor.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.MaxSessions <= 0 {
		errs = append(errs, errors.New("server.max_sessions must be positive"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be positive"))
	}
	if c.Workers.BrowsersPerWorker <= 0 {
		errs = append(errs, errors.New("workers.browsers_per_worker must be positive"))
	}
	switch c.Workers.Mode {
	case "process", "inprocess":
	default:
		errs = append(errs, fmt.Errorf("workers.mode %q must be process or inprocess", c.Workers.Mode))
	}
	if c.Workers.MaxFailures <= 0 {
		errs = append(errs, errors.New("workers.max_failures must be positive"))
	}
	if c.Workers.RestartBaseDelay <= 0 || c.Workers.RestartMaxDelay < c.Workers.RestartBaseDelay {
		errs = append(errs, errors.New("workers.restart_base_delay must be positive and not exceed restart_max_delay"))
	}
	if c.Workers.CallTimeout <= c.Browser.CommandTimeout {
		errs = append(errs, errors.New("workers.call_timeout must exceed browser.command_timeout"))
	}
	if c.Workers.NavigationCallTimeout <= c.Browser.NavigationTimeout {
		errs = append(errs, errors.New("workers.navigation_call_timeout must exceed browser.navigation_timeout"))
	}
	if c.Workers.CaptureCallTimeout <= c.Browser.CaptureTimeout {
		errs = append(errs, errors.New("workers.capture_call_timeout must exceed browser.capture_timeout"))
	}
	switch c.Browser.Provider {
	case "local", "docker":
	case "remote":
		if c.Browser.RemoteURL == "" {
			errs = append(errs, errors.New("browser.remote_url is required for the remote provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("browser.provider %q must be local, docker or remote", c.Browser.Provider))
	}
	if c.Browser.CaptureTimeout <= 0 || c.Browser.CaptureTimeout >= time.Second {
		errs = append(errs, errors.New("browser.capture_timeout must be sub-second"))
	}
	if c.Stream.MinFPS <= 0 || c.Stream.MaxFPS < c.Stream.MinFPS {
		errs = append(errs, errors.New("stream.min_fps must be positive and not exceed max_fps"))
	}
	if c.Stream.BaselineFPS < c.Stream.MinFPS || c.Stream.BaselineFPS > c.Stream.MaxFPS {
		errs = append(errs, errors.New("stream.baseline_fps must lie within [min_fps, max_fps]"))
	}
	if c.Stream.FPSStep <= 0 {
		errs = append(errs, errors.New("stream.fps_step must be positive"))
	}
	if c.Stream.LowWater >= c.Stream.HighWater {
		errs = append(errs, errors.New("stream.low_water must be below high_water"))
	}
	if c.Stream.Tick <= 0 {
		errs = append(errs, errors.New("stream.tick must be positive"))
	}
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, errors.New("queue.max_size must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
