// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package config loads HoloFlow configuration. Sources are layered, each
// overriding the previous one: built-in defaults, the YAML config file,
// HOLOFLOW_* environment variables and command-line flags.
//
// Nested keys in environment variables are separated by a double
// underscore: HOLOFLOW_NODES__LOAD_TIMEOUT sets nodes.load_timeout.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/holoflow/internal/i18n"
	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/scan"
	"github.com/holomush/holoflow/internal/xdg"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HOLOFLOW_"

// Settings drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverNone     = "none"
)

var (
	drivers    = []string{DriverFile, DriverPostgres, DriverMemory, DriverNone}
	logFormats = []string{"json", "text"}
	logLevels  = []string{"debug", "info", "warn", "error"}
)

// Config is the complete HoloFlow configuration.
type Config struct {
	Nodes    NodesConfig    `koanf:"nodes"`
	I18n     I18nConfig     `koanf:"i18n"`
	Settings SettingsConfig `koanf:"settings"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Version  string         `koanf:"version"`
}

// NodesConfig controls node-type discovery and loading.
type NodesConfig struct {
	// Dirs are scanned in order. UserDir, when set, is scanned last as a
	// local root.
	Dirs            []scan.Root   `koanf:"dirs"`
	UserDir         string        `koanf:"user_dir"`
	CoreModule      string        `koanf:"core_module"`
	LoadTimeout     time.Duration `koanf:"load_timeout"`
	LoadConcurrency int           `koanf:"load_concurrency"`
}

// Roots returns the roots to scan.
func (c NodesConfig) Roots() []scan.Root {
	roots := slices.Clone(c.Dirs)
	if c.UserDir != "" {
		roots = append(roots, scan.Root{Path: c.UserDir, Local: true})
	}
	return roots
}

// I18nConfig controls localization.
type I18nConfig struct {
	DefaultLang string `koanf:"default_lang"`
}

// SettingsConfig selects where runtime settings are persisted.
type SettingsConfig struct {
	Driver      string `koanf:"driver"`
	Path        string `koanf:"path"`
	DatabaseURL string `koanf:"database_url"`
}

// LogConfig controls logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig controls the observability server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults returns the built-in configuration as a flat key map.
func Defaults() map[string]any {
	return map[string]any{
		"nodes.dirs":             []map[string]any{{"path": "nodes", "local": false}},
		"nodes.user_dir":         filepath.Join(xdg.DataDir(), "nodes"),
		"nodes.core_module":      "holoflow",
		"nodes.load_timeout":     plugin.DefaultLoadTimeout.String(),
		"nodes.load_concurrency": 8,
		"i18n.default_lang":      i18n.DefaultLang,
		"settings.driver":        DriverFile,
		"settings.path":          filepath.Join(xdg.StateDir(), "settings.json"),
		"settings.database_url":  "",
		"log.format":             "json",
		"log.level":              "info",
		"metrics.addr":           "",
		"version":                "dev",
	}
}

// Load builds the configuration. path names an optional YAML file; a
// missing file is ignored. flags may be nil; only flags the user changed
// override other sources.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	errb := oops.In("config").Code("CONFIG_INVALID")
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, errb.Wrapf(err, "load defaults")
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errb.With("path", path).Wrapf(err, "load config file")
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, errb.With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errb.Wrapf(err, "load environment")
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
			return nil, errb.Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errb.Wrapf(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FlagKeys maps command-line flag names to configuration keys. Flags not
// listed here are not configuration.
var FlagKeys = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"metrics-addr":     "metrics.addr",
	"user-dir":         "nodes.user_dir",
	"load-timeout":     "nodes.load_timeout",
	"settings-driver":  "settings.driver",
	"settings-path":    "settings.path",
	"database-url":     "settings.database_url",
	"default-lang":     "i18n.default_lang",
	"load-concurrency": "nodes.load_concurrency",
}

func flagKey(flags *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		key, ok := FlagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(flags, f)
	}
}

// envKey maps HOLOFLOW_NODES__LOAD_TIMEOUT to nodes.load_timeout.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	errb := oops.In("config").Code("CONFIG_INVALID")

	if len(c.Nodes.Roots()) == 0 {
		return errb.New("nodes.dirs must name at least one directory")
	}
	for i, r := range c.Nodes.Dirs {
		if r.Path == "" {
			return errb.With("index", i).Errorf("nodes.dirs[%d].path is empty", i)
		}
	}
	if c.Nodes.CoreModule == "" {
		return errb.New("nodes.core_module is required")
	}
	if c.Nodes.LoadTimeout < 0 {
		return errb.Errorf("nodes.load_timeout must not be negative, got %s", c.Nodes.LoadTimeout)
	}
	if c.Nodes.LoadConcurrency < 1 {
		return errb.Errorf("nodes.load_concurrency must be at least 1, got %d", c.Nodes.LoadConcurrency)
	}
	if c.I18n.DefaultLang == "" {
		return errb.New("i18n.default_lang is required")
	}

	if !slices.Contains(drivers, c.Settings.Driver) {
		return errb.Errorf("settings.driver must be one of %s, got %q", strings.Join(drivers, ", "), c.Settings.Driver)
	}
	if c.Settings.Driver == DriverFile && c.Settings.Path == "" {
		return errb.New("settings.path is required for the file driver")
	}
	if c.Settings.Driver == DriverPostgres && c.Settings.DatabaseURL == "" {
		return errb.New("settings.database_url is required for the postgres driver")
	}

	if !slices.Contains(logFormats, c.Log.Format) {
		return errb.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		return errb.Errorf("log.level must be one of %s, got %q", strings.Join(logLevels, ", "), c.Log.Level)
	}
	return nil
}
