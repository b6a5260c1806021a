/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var log = logrus.WithField("component", "Config")

const (
	DefaultConfigPath = "/etc/crane/cbmc.yaml"
	EnvPrefix         = "CBMC"
)

type Config struct {
	Pool      PoolConfig      `mapstructure:"Pool"`
	Action    ActionConfig    `mapstructure:"Action"`
	Batch     BatchConfig     `mapstructure:"Batch"`
	Discovery DiscoveryConfig `mapstructure:"Discovery"`
	Registry  RegistryConfig  `mapstructure:"Registry"`
	Recorder  RecorderConfig  `mapstructure:"Recorder"`
	Watch     WatchConfig     `mapstructure:"Watch"`
	Log       LogConfig       `mapstructure:"Log"`
}

type PoolConfig struct {
	Capacity    int           `mapstructure:"Capacity"`
	WaitTimeout time.Duration `mapstructure:"WaitTimeout"`
	IdleTimeout time.Duration `mapstructure:"IdleTimeout"`
	// BusyPolicy is "wait" or "fail".
	BusyPolicy string `mapstructure:"BusyPolicy"`
}

type ActionConfig struct {
	Timeout         time.Duration `mapstructure:"Timeout"`
	Retries         int           `mapstructure:"Retries"`
	RetryBackoff    time.Duration `mapstructure:"RetryBackoff"`
	RetryMaxBackoff time.Duration `mapstructure:"RetryMaxBackoff"`
}

type BatchConfig struct {
	Concurrency  int           `mapstructure:"Concurrency"`
	WaveSize     int           `mapstructure:"WaveSize"`
	WaveInterval time.Duration `mapstructure:"WaveInterval"`
}

type DiscoveryConfig struct {
	Port           int           `mapstructure:"Port"`
	ProbeTimeout   time.Duration `mapstructure:"ProbeTimeout"`
	MaxWorkers     int           `mapstructure:"MaxWorkers"`
	OverallTimeout time.Duration `mapstructure:"OverallTimeout"`
	Username       string        `mapstructure:"Username"`
	Password       string        `mapstructure:"Password"`
}

type RegistryConfig struct {
	// Type is "file" or "sqlite".
	Type string `mapstructure:"Type"`
	Path string `mapstructure:"Path"`
}

type RecorderConfig struct {
	// Type is "none" or "influxdb".
	Type     string          `mapstructure:"Type"`
	InfluxDB *InfluxDBConfig `mapstructure:"Influxdb"`
}

type InfluxDBConfig struct {
	URL               string `mapstructure:"Url"`
	Token             string `mapstructure:"Token"`
	Org               string `mapstructure:"Org"`
	Bucket            string `mapstructure:"Bucket"`
	ActionMeasurement string `mapstructure:"ActionMeasurement"`
	ScanMeasurement   string `mapstructure:"ScanMeasurement"`
}

type WatchConfig struct {
	Schedule       string `mapstructure:"Schedule"`
	MetricsAddress string `mapstructure:"MetricsAddress"`
}

type LogConfig struct {
	Level      string `mapstructure:"Level"`
	File       string `mapstructure:"File"`
	MaxSizeMB  int    `mapstructure:"MaxSizeMB"`
	MaxBackups int    `mapstructure:"MaxBackups"`
}

// Load reads the YAML file at path, applies CBMC_* environment overrides
// and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults alone always validate unless the environment is broken.
		log.Warnf("Invalid environment overrides ignored: %v", err)
		var config Config
		_ = bareViper().Unmarshal(&config)
		return &config
	}
	return cfg
}

func bareViper() *viper.Viper {
	v := viper.New()
	setDefaultConfig(v)
	return v
}

func newViper() *viper.Viper {
	v := bareViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaultConfig(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("Pool.Capacity", 50)
	v.SetDefault("Pool.WaitTimeout", "30s")
	v.SetDefault("Pool.IdleTimeout", "5m")
	v.SetDefault("Pool.BusyPolicy", "wait")

	// Action defaults
	v.SetDefault("Action.Timeout", "10s")
	v.SetDefault("Action.Retries", 2)
	v.SetDefault("Action.RetryBackoff", "500ms")
	v.SetDefault("Action.RetryMaxBackoff", "5s")

	// Batch defaults
	v.SetDefault("Batch.Concurrency", 50)
	v.SetDefault("Batch.WaveSize", 0)
	v.SetDefault("Batch.WaveInterval", "0s")

	// Discovery defaults
	v.SetDefault("Discovery.Port", 623)
	v.SetDefault("Discovery.ProbeTimeout", "3s")
	v.SetDefault("Discovery.MaxWorkers", 50)
	v.SetDefault("Discovery.OverallTimeout", "5m")
	v.SetDefault("Discovery.Username", "")
	v.SetDefault("Discovery.Password", "")

	v.SetDefault("Registry.Type", "file")
	v.SetDefault("Registry.Path", "/etc/crane/bmc-inventory.yaml")

	v.SetDefault("Recorder.Type", "none")

	v.SetDefault("Watch.Schedule", "@every 1m")
	v.SetDefault("Watch.MetricsAddress", ":9623")

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.File", "")
	v.SetDefault("Log.MaxSizeMB", 100)
	v.SetDefault("Log.MaxBackups", 5)
}

func validateConfig(cfg *Config) error {
	if cfg.Pool.Capacity <= 0 {
		return fmt.Errorf("pool capacity must be greater than 0")
	}
	if cfg.Pool.WaitTimeout <= 0 || cfg.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool wait and idle timeouts must be positive")
	}
	switch strings.ToLower(cfg.Pool.BusyPolicy) {
	case "wait", "fail":
	default:
		return fmt.Errorf("unsupported pool busy policy: %s", cfg.Pool.BusyPolicy)
	}

	if cfg.Action.Timeout <= 0 {
		return fmt.Errorf("action timeout must be positive")
	}
	if cfg.Action.Retries < 0 {
		return fmt.Errorf("action retries must not be negative")
	}

	if cfg.Batch.Concurrency <= 0 || cfg.Batch.Concurrency > cfg.Pool.Capacity {
		log.Warnf("Batch concurrency %d clamped to pool capacity %d",
			cfg.Batch.Concurrency, cfg.Pool.Capacity)
		cfg.Batch.Concurrency = cfg.Pool.Capacity
	}
	if cfg.Batch.WaveSize < 0 {
		return fmt.Errorf("batch wave size must not be negative")
	}

	if cfg.Discovery.Port <= 0 || cfg.Discovery.Port > 65535 {
		return fmt.Errorf("invalid discovery port: %d", cfg.Discovery.Port)
	}
	if cfg.Discovery.MaxWorkers <= 0 {
		return fmt.Errorf("discovery max workers must be greater than 0")
	}
	if cfg.Discovery.ProbeTimeout <= 0 || cfg.Discovery.OverallTimeout <= 0 {
		return fmt.Errorf("discovery timeouts must be positive")
	}

	switch cfg.Registry.Type {
	case "file", "sqlite":
		if cfg.Registry.Path == "" {
			return fmt.Errorf("registry path must be specified")
		}
	default:
		return fmt.Errorf("unsupported registry type: %s", cfg.Registry.Type)
	}

	switch cfg.Recorder.Type {
	case "none":
	case "influxdb":
		if cfg.Recorder.InfluxDB == nil {
			return fmt.Errorf("influxdb configuration is required when type is influxdb")
		}
		if cfg.Recorder.InfluxDB.URL == "" || cfg.Recorder.InfluxDB.Token == "" ||
			cfg.Recorder.InfluxDB.Org == "" || cfg.Recorder.InfluxDB.Bucket == "" {
			return fmt.Errorf("incomplete influxdb configuration")
		}
	default:
		return fmt.Errorf("unsupported recorder type: %s", cfg.Recorder.Type)
	}

	return nil
}

func Print(cfg *Config) {
	log.Infof("\033[32m[cbmc] === Current Configuration Start ===\033[0m")

	log.Infof("Pool Configuration:")
	log.Infof("  Capacity: %d", cfg.Pool.Capacity)
	log.Infof("  Wait Timeout: %v", cfg.Pool.WaitTimeout)
	log.Infof("  Idle Timeout: %v", cfg.Pool.IdleTimeout)
	log.Infof("  Busy Policy: %s", cfg.Pool.BusyPolicy)

	log.Infof("Action Configuration:")
	log.Infof("  Timeout: %v", cfg.Action.Timeout)
	log.Infof("  Retries: %d", cfg.Action.Retries)
	log.Infof("  Backoff: %v (max %v)", cfg.Action.RetryBackoff, cfg.Action.RetryMaxBackoff)

	log.Infof("Batch Configuration:")
	log.Infof("  Concurrency: %d", cfg.Batch.Concurrency)
	if cfg.Batch.WaveSize > 0 {
		log.Infof("  Waves: %d nodes every %v", cfg.Batch.WaveSize, cfg.Batch.WaveInterval)
	}

	log.Infof("Discovery Configuration:")
	log.Infof("  Port: %d", cfg.Discovery.Port)
	log.Infof("  Probe Timeout: %v", cfg.Discovery.ProbeTimeout)
	log.Infof("  Max Workers: %d", cfg.Discovery.MaxWorkers)
	log.Infof("  Overall Timeout: %v", cfg.Discovery.OverallTimeout)
	if cfg.Discovery.Username != "" {
		log.Infof("  Probe User: %s (password %s)", cfg.Discovery.Username, mask(cfg.Discovery.Password))
	}

	log.Infof("Registry Configuration:")
	log.Infof("  Type: %s", cfg.Registry.Type)
	log.Infof("  Path: %s", cfg.Registry.Path)

	log.Infof("Recorder Configuration:")
	log.Infof("  Type: %s", cfg.Recorder.Type)
	if cfg.Recorder.Type == "influxdb" && cfg.Recorder.InfluxDB != nil {
		log.Infof("  InfluxDB Settings:")
		log.Infof("    URL: %s", cfg.Recorder.InfluxDB.URL)
		log.Infof("    Organization: %s", cfg.Recorder.InfluxDB.Org)
		log.Infof("    Bucket: %s", cfg.Recorder.InfluxDB.Bucket)
		log.Infof("    Token: %s", mask(cfg.Recorder.InfluxDB.Token))
	}

	log.Infof("Watch Configuration:")
	log.Infof("  Schedule: %s", cfg.Watch.Schedule)
	log.Infof("  Metrics Address: %s", cfg.Watch.MetricsAddress)

	log.Infof("\033[32m[cbmc] === Current Configuration End ===\033[0m")
}

func mask(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "..."
}
