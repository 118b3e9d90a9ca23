package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
	Engine EngineConfig `yaml:"engine" toml:"engine"`
	Tick   TickConfig   `yaml:"tick" toml:"tick"`
	Store  StoreConfig  `yaml:"store" toml:"store"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections" toml:"max_connections"`
	// ReadLimit caps a single inbound frame in bytes.
	ReadLimit int64 `yaml:"read_limit" toml:"read_limit"`
}

type EngineConfig struct {
	// ScriptDir is appended to package.path so widgets can require helpers.
	ScriptDir string `yaml:"script_dir" toml:"script_dir"`
	// InitScript runs once in every new session before it is registered.
	InitScript  string   `yaml:"init_script" toml:"init_script"`
	CallTimeout Duration `yaml:"call_timeout" toml:"call_timeout"`
}

type TickConfig struct {
	Interval         Duration `yaml:"interval" toml:"interval"`
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Path    string      `yaml:"path" toml:"path"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

const (
	StoreNone  = "none"
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Duration decodes "16ms"-style strings from both YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8765,
			Host:      "127.0.0.1",
			ReadLimit: 1 << 20,
		},
		Tick: TickConfig{
			Interval:         Duration{16 * time.Millisecond},
			FailureThreshold: 30,
		},
		Store: StoreConfig{
			Backend: StoreNone,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "netrender:widget:",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if c.Tick.Interval.Duration <= 0 {
		return fmt.Errorf("tick.interval must be positive")
	}
	if c.Tick.FailureThreshold <= 0 {
		return fmt.Errorf("tick.failure_threshold must be positive")
	}
	if c.Engine.CallTimeout.Duration < 0 {
		return fmt.Errorf("engine.call_timeout must not be negative")
	}
	switch c.Store.Backend {
	case StoreNone, "":
		c.Store.Backend = StoreNone
	case StoreFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}

func (c *Config) Addr() string {
	return c.Server.Addr()
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
