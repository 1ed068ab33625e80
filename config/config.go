// Package config loads megaphototool settings from a YAML file and MEGAPHOTO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chaos-io/megaphototool/enhance"
	"github.com/chaos-io/megaphototool/enhance/rembg"
	mlog "github.com/chaos-io/megaphototool/util/log"
	"gopkg.in/yaml.v3"
)

const (
	AppName   = "megaphototool"
	envPrefix = "MEGAPHOTO_"
)

// default endpoints when remover.url is left empty
var defaultRemoverURL = map[string]string{
	rembg.KindRembg:    "http://127.0.0.1:7000",
	rembg.KindBiRefNet: "http://127.0.0.1:8188",
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Process ProcessConfig `yaml:"process"`
	Remover RemoverConfig `yaml:"remover"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	MaxUploadMB int           `yaml:"max_upload_mb"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	CleanupSpec string        `yaml:"cleanup_spec"` // cron spec for the session sweeper
	UploadRate  float64       `yaml:"upload_rate"`  // uploads per second, whole server
	UploadBurst int           `yaml:"upload_burst"`
}

type ProcessConfig struct {
	DefaultBoost      float64            `yaml:"default_boost"`
	MaxBoost          float64            `yaml:"max_boost"` // 0 leaves the boost unbounded
	DefaultSize       enhance.TargetSize `yaml:"default_size"`
	MaxSize           enhance.TargetSize `yaml:"max_size"`
	Filter            string             `yaml:"filter"`
	SkipIfTransparent bool               `yaml:"skip_if_transparent"`
}

type RemoverConfig struct {
	Kind         string        `yaml:"kind"` // noop, rembg, birefnet
	URL          string        `yaml:"url"`
	Model        string        `yaml:"model"`
	WorkflowFile string        `yaml:"workflow_file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 20,
			SessionTTL:  30 * time.Minute,
			CleanupSpec: "@every 1m",
			UploadRate:  5,
			UploadBurst: 10,
		},
		Process: ProcessConfig{
			DefaultBoost: 15,
			MaxBoost:     50,
			DefaultSize:  enhance.Original,
			MaxSize:      10000,
			Filter:       string(enhance.FilterBilinear),
		},
		Remover: RemoverConfig{
			Kind:         rembg.KindNoop,
			PollInterval: 500 * time.Millisecond,
			Timeout:      2 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies the environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Server.Addr)
	str("REMOVER", &c.Remover.Kind)
	str("REMOVER_URL", &c.Remover.URL)
	str("REMOVER_MODEL", &c.Remover.Model)
	str("WORKFLOW_FILE", &c.Remover.WorkflowFile)
	str("FILTER", &c.Process.Filter)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if v, ok := lookup(envPrefix + "MAX_BOOST"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_BOOST: %w", envPrefix, err)
		}
		c.Process.MaxBoost = f
	}
	if v, ok := lookup(envPrefix + "MAX_SIZE"); ok && v != "" {
		size, err := enhance.ParseTargetSize(v)
		if err != nil {
			return fmt.Errorf("%sMAX_SIZE: %w", envPrefix, err)
		}
		c.Process.MaxSize = size
	}
	if v, ok := lookup(envPrefix + "SESSION_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSESSION_TTL: %w", envPrefix, err)
		}
		c.Server.SessionTTL = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if c.Server.SessionTTL <= 0 {
		errs = append(errs, errors.New("server.session_ttl must be positive"))
	}
	if c.Server.UploadRate <= 0 || c.Server.UploadBurst <= 0 {
		errs = append(errs, errors.New("server.upload_rate and server.upload_burst must be positive"))
	}
	if c.Process.MaxBoost < 0 {
		errs = append(errs, errors.New("process.max_boost must not be negative"))
	}
	if c.Process.DefaultBoost < 0 {
		errs = append(errs, errors.New("process.default_boost must not be negative"))
	} else if c.Process.MaxBoost > 0 && c.Process.DefaultBoost > c.Process.MaxBoost {
		errs = append(errs, fmt.Errorf("process.default_boost %v outside [0, %v]", c.Process.DefaultBoost, c.Process.MaxBoost))
	}
	if c.Process.MaxSize <= 0 {
		errs = append(errs, errors.New("process.max_size must be positive"))
	}
	if c.Process.DefaultSize < 0 || c.Process.DefaultSize > c.Process.MaxSize {
		errs = append(errs, fmt.Errorf("process.default_size: %w", enhance.ErrInvalidTargetSize))
	}
	if _, err := enhance.ParseFilter(c.Process.Filter); err != nil {
		errs = append(errs, fmt.Errorf("process.filter: %w", err))
	}
	switch c.Remover.Kind {
	case rembg.KindNoop, rembg.KindRembg, rembg.KindBiRefNet:
	default:
		errs = append(errs, fmt.Errorf("remover.kind %q is not one of noop, rembg, birefnet", c.Remover.Kind))
	}
	if _, err := mlog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// RemoverOptions resolves the remover settings, reading the workflow file if one is set.
func (c *Config) RemoverOptions() (rembg.Options, error) {
	opts := rembg.Options{
		Kind:         c.Remover.Kind,
		URL:          c.Remover.URL,
		Model:        c.Remover.Model,
		PollInterval: c.Remover.PollInterval,
		Timeout:      c.Remover.Timeout,
	}
	if opts.URL == "" {
		opts.URL = defaultRemoverURL[c.Remover.Kind]
	}
	if c.Remover.WorkflowFile != "" {
		data, err := os.ReadFile(c.Remover.WorkflowFile)
		if err != nil {
			return opts, fmt.Errorf("read workflow: %w", err)
		}
		opts.Workflow = data
	}
	return opts, nil
}

func (c *Config) LogOptions() mlog.Options {
	return mlog.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}
