package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "ECHEX"
	ConfigName = "echex-bike"

	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// LogConfig controls the rotating log file
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stderr     bool   `mapstructure:"stderr"`
}

// RedisConfig controls the telemetry bridge
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	Key      string `mapstructure:"key"`
	Encoding string `mapstructure:"encoding"`
}

// SimConfig controls the simulated bike used with --simulate
type SimConfig struct {
	RPM        int `mapstructure:"rpm"`
	Resistance int `mapstructure:"resistance"`
	HTTPPort   int `mapstructure:"http_port"`
}

type Config struct {
	Simulate    bool        `mapstructure:"simulate"`
	Headless    bool        `mapstructure:"headless"`
	AutoConnect bool        `mapstructure:"auto_connect"`
	Log         LogConfig   `mapstructure:"log"`
	Redis       RedisConfig `mapstructure:"redis"`
	Sim         SimConfig   `mapstructure:"sim"`

	// ConfigFile is the file the values were read from, empty when none
	ConfigFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulate", false)
	v.SetDefault("headless", false)
	v.SetDefault("auto_connect", false)

	v.SetDefault("log.file", filepath.Join(os.TempDir(), "echex-bike.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.stderr", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "echex-bike")
	v.SetDefault("redis.key", "echex-bike")
	v.SetDefault("redis.encoding", EncodingJSON)

	v.SetDefault("sim.rpm", 60)
	v.SetDefault("sim.resistance", 4)
	v.SetDefault("sim.http_port", 0)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(ConfigName, pflag.ContinueOnError)
	fs.String("config", "", "config file (default $HOME/.echex-bike/echex-bike.yaml or ./echex-bike.yaml)")
	fs.Bool("simulate", false, "use a simulated bike instead of the bluetooth adapter")
	fs.Bool("headless", false, "run without the terminal dashboard")
	fs.Bool("auto-connect", false, "connect to the first discovered bike")
	fs.String("log-file", "", "rotating log file path")
	fs.Bool("log-stderr", false, "mirror log output to stderr")
	fs.Bool("redis", false, "publish readings to redis")
	fs.String("redis-addr", "", "redis server address")
	fs.String("redis-encoding", "", "redis payload encoding (json or cbor)")
	fs.Int("sim-rpm", 0, "simulated cadence")
	fs.Int("sim-resistance", 0, "simulated resistance level")
	fs.Int("sim-http-port", 0, "port of the simulator control server (0 disables it)")
	return fs
}

// flag name -> config key
var flagKeys = map[string]string{
	"simulate":       "simulate",
	"headless":       "headless",
	"auto-connect":   "auto_connect",
	"log-file":       "log.file",
	"log-stderr":     "log.stderr",
	"redis":          "redis.enabled",
	"redis-addr":     "redis.addr",
	"redis-encoding": "redis.encoding",
	"sim-rpm":        "sim.rpm",
	"sim-resistance": "sim.resistance",
	"sim-http-port":  "sim.http_port",
}

// Load builds the configuration from defaults, an optional config file,
// ECHEX_* environment variables and args, in increasing precedence.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".echex-bike"))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Redis.Encoding {
	case EncodingJSON, EncodingCBOR:
	default:
		return fmt.Errorf("%w: redis.encoding %q must be %s or %s", ErrInvalidConfig, c.Redis.Encoding, EncodingJSON, EncodingCBOR)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("%w: log.max_size_mb must be positive", ErrInvalidConfig)
	}
	if c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("%w: log.max_backups and log.max_age_days cannot be negative", ErrInvalidConfig)
	}
	if c.Log.File == "" {
		return fmt.Errorf("%w: log.file is required", ErrInvalidConfig)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrInvalidConfig)
	}
	if c.Sim.RPM < 0 || c.Sim.RPM > 255 {
		return fmt.Errorf("%w: sim.rpm must be in 0..255", ErrInvalidConfig)
	}
	if c.Sim.Resistance < 0 || c.Sim.Resistance > 255 {
		return fmt.Errorf("%w: sim.resistance must be in 0..255", ErrInvalidConfig)
	}
	if c.Sim.HTTPPort < 0 || c.Sim.HTTPPort > 65535 {
		return fmt.Errorf("%w: sim.http_port must be in 0..65535", ErrInvalidConfig)
	}
	return nil
}
