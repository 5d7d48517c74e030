// Package config loads the ambient settings of the bridge: logging, HTTP
// server timeouts, response compression and the document size cap.
//
// The retry policy, listen address and document path are not read from here;
// they are fixed defaults of the fetch and httpapi packages.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SUBBRIDGE_LOG_LEVEL.
const EnvPrefix = "SUBBRIDGE"

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Fetch  FetchConfig  `mapstructure:"fetch"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

type ServerConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	Compress          bool          `mapstructure:"compress"`
}

type FetchConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Fetch: FetchConfig{
			MaxBytes: 5 * 1024 * 1024,
		},
	}
}

// Load reads configuration from defaults, then the optional file at path,
// then SUBBRIDGE_* environment variables. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.compress", d.Server.Compress)
	v.SetDefault("fetch.max_bytes", d.Fetch.MaxBytes)
}

func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unsupported value %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported value %q", c.Log.Format))
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		errs = append(errs, errors.New("server.read_header_timeout must be > 0"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be > 0"))
	}
	if c.Fetch.MaxBytes <= 0 {
		errs = append(errs, errors.New("fetch.max_bytes must be > 0"))
	}
	return errors.Join(errs...)
}

// fileConfig mirrors Config for TOML output. Durations are written as
// strings ("5s") so they read back through viper's duration hook.
type fileConfig struct {
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Server struct {
		ReadHeaderTimeout string `toml:"read_header_timeout"`
		ShutdownTimeout   string `toml:"shutdown_timeout"`
		Compress          bool   `toml:"compress"`
	} `toml:"server"`
	Fetch struct {
		MaxBytes int64 `toml:"max_bytes"`
	} `toml:"fetch"`
}

// WriteTOML encodes c as a TOML config file that Load accepts.
func WriteTOML(w io.Writer, c Config) error {
	var f fileConfig
	f.Log.Level = c.Log.Level
	f.Log.Format = c.Log.Format
	f.Server.ReadHeaderTimeout = c.Server.ReadHeaderTimeout.String()
	f.Server.ShutdownTimeout = c.Server.ShutdownTimeout.String()
	f.Server.Compress = c.Server.Compress
	f.Fetch.MaxBytes = c.Fetch.MaxBytes
	return toml.NewEncoder(w).Encode(f)
}
