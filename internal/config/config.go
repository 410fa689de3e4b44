package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Reader ReaderConfig `mapstructure:"reader"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Trip   TripConfig   `mapstructure:"trip"`
}

// ServerConfig is the bridge service listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ReaderConfig selects the bridge service's identification backend.
type ReaderConfig struct {
	Backend      string        `mapstructure:"backend"`
	Roster       string        `mapstructure:"roster"`
	ScanTimeout  time.Duration `mapstructure:"scan_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DemoDelay    time.Duration `mapstructure:"demo_delay"`
}

// BridgeConfig tunes the operator tool's session. The bridge endpoint
// itself is fixed at build time.
type BridgeConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	Retries        int           `mapstructure:"retries"`
}

// TripConfig is the static trip metadata printed on every report.
type TripConfig struct {
	Area       string `mapstructure:"area"`
	DriverName string `mapstructure:"driver_name"`
	DriverUnit string `mapstructure:"driver_unit"`
	Route      string `mapstructure:"route"`
}

const (
	BackendDemo = "demo"
	BackendPCSC = "pcsc"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":            "server.port",
	"log-level":       "log.level",
	"reader":          "reader.backend",
	"roster":          "reader.roster",
	"connect-timeout": "bridge.connect_timeout",
	"scan-timeout":    "bridge.scan_timeout",
	"retries":         "bridge.retries",
}

// Load reads configs/config.yaml (or configFile when set), environment
// overrides such as LOG_LEVEL, and any known flags present in flags.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 12345)
	v.SetDefault("log.level", "info")

	v.SetDefault("reader.backend", BackendDemo)
	v.SetDefault("reader.roster", "configs/roster.yaml")
	v.SetDefault("reader.scan_timeout", 15*time.Second)
	v.SetDefault("reader.poll_interval", 500*time.Millisecond)
	v.SetDefault("reader.demo_delay", 1500*time.Millisecond)

	v.SetDefault("bridge.connect_timeout", 3000*time.Millisecond)
	v.SetDefault("bridge.scan_timeout", 30*time.Second)
	v.SetDefault("bridge.retries", 2)

	v.SetDefault("trip.area", "ADMINISTRATIVA-RICHMOND")
	v.SetDefault("trip.driver_name", "ALBERTO ROMERO")
	v.SetDefault("trip.driver_unit", "274")
	v.SetDefault("trip.route", "LOS MODINES- SANTA FE-RICHMOND")
}

func (c *Config) validate() error {
	switch c.Reader.Backend {
	case BackendDemo, BackendPCSC:
	default:
		return fmt.Errorf("reader.backend: unknown backend %q", c.Reader.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Bridge.ConnectTimeout <= 0 {
		return fmt.Errorf("bridge.connect_timeout must be positive")
	}
	if c.Bridge.Retries < 0 {
		return fmt.Errorf("bridge.retries must not be negative")
	}
	return nil
}
