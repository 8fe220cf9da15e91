// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the catalog service configuration from YAML and
// CATALOG_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/telemetry"
)

// EnvPrefix prefixes every environment override. The key "store.driver" is
// read from CATALOG_STORE_DRIVER.
const EnvPrefix = "CATALOG"

// Config is the complete service configuration.
type Config struct {
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Search      SearchConfig      `yaml:"search" mapstructure:"search"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Telemetry   telemetry.Config  `yaml:"telemetry" mapstructure:"telemetry"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Dir        string `yaml:"dir" mapstructure:"dir"`
	JSON       bool   `yaml:"json" mapstructure:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" validate:"gte=0"`
}

// StoreConfig selects and configures the primary store.
type StoreConfig struct {
	// Driver is "badger" or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"oneof=badger sqlite"`

	// Path is the badger directory or the sqlite file.
	Path string `yaml:"path" mapstructure:"path" validate:"required_without=InMemory"`

	// InMemory keeps the store in RAM. Data is lost on exit.
	InMemory bool `yaml:"in_memory" mapstructure:"in_memory"`

	SyncWrites  bool          `yaml:"sync_writes" mapstructure:"sync_writes"`
	GCInterval  time.Duration `yaml:"gc_interval" mapstructure:"gc_interval" validate:"gte=0"`
	BusyTimeout time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout" validate:"gte=0"`
}

// SearchConfig selects the search index.
type SearchConfig struct {
	// Backend is "weaviate", "memory" or "none". The primary store always
	// serves as the fallback.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=weaviate memory none"`

	WeaviateURL        string        `yaml:"weaviate_url" mapstructure:"weaviate_url" validate:"omitempty,url"`
	APIKey             string        `yaml:"api_key" mapstructure:"api_key"`
	ClassPrefix        string        `yaml:"class_prefix" mapstructure:"class_prefix" validate:"omitempty,alphanum"`
	AllowStartDegraded bool          `yaml:"allow_start_degraded" mapstructure:"allow_start_degraded"`
	Timeout            time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// CacheConfig configures the read-through cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Size    int           `yaml:"size" mapstructure:"size" validate:"required_if=Enabled true,gte=0"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gt=0"`
}

// CoordinatorConfig tunes derived-store propagation.
type CoordinatorConfig struct {
	PropagationTimeout     time.Duration `yaml:"propagation_timeout" mapstructure:"propagation_timeout" validate:"gt=0"`
	PropagationConcurrency int           `yaml:"propagation_concurrency" mapstructure:"propagation_concurrency" validate:"gte=1,lte=256"`
	AsyncPropagation       bool          `yaml:"async_propagation" mapstructure:"async_propagation"`
	QueueSize              int           `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=1"`
	ReindexRate            float64       `yaml:"reindex_rate" mapstructure:"reindex_rate" validate:"gt=0"`
	ReadTimeout            time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Default returns a configuration that runs a single node with badger,
// the in-process index and the in-process cache.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5},
		Store: StoreConfig{
			Driver:      "badger",
			Path:        "data/catalog",
			SyncWrites:  true,
			GCInterval:  5 * time.Minute,
			BusyTimeout: 5 * time.Second,
		},
		Search: SearchConfig{
			Backend:            "memory",
			ClassPrefix:        "Catalog",
			AllowStartDegraded: true,
			Timeout:            2 * time.Second,
		},
		Cache: CacheConfig{Enabled: true, Size: 10000, TTL: 5 * time.Minute},
		Coordinator: CoordinatorConfig{
			PropagationTimeout:     3 * time.Second,
			PropagationConcurrency: 8,
			QueueSize:              1024,
			ReindexRate:            200,
			ReadTimeout:            5 * time.Second,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8089",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Search.Backend == "weaviate" && c.Search.WeaviateURL == "" {
		return errors.New("invalid config: search.weaviate_url is required for the weaviate backend")
	}
	return nil
}

// Load reads the configuration.
//
// Description:
//
//	Starts from Default, merges the YAML file at path when path is
//	non-empty, then applies CATALOG_* environment overrides, and
//	validates the result.
//
// Inputs:
//
//	path - YAML file. Empty uses defaults and environment only.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if the file is unreadable or a value is invalid.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	var defaults bytes.Buffer
	if err := WriteDefault(&defaults); err != nil {
		return nil, err
	}
	d := viper.New()
	d.SetConfigType("yaml")
	if err := d.ReadConfig(&defaults); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Defaults are registered key by key so that a reload of the file,
	// which replaces the config layer, keeps them.
	v := viper.New()
	v.SetConfigType("yaml")
	for _, key := range d.AllKeys() {
		v.SetDefault(key, d.Get(key))
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the file at path whenever it changes and passes each valid
// configuration to apply. Invalid edits are logged and ignored.
//
// Only settings that are safe to change at runtime, such as the log level,
// should be acted on by apply.
func Watch(path string, logger *slog.Logger, apply func(*Config)) error {
	if path == "" {
		return errors.New("watch requires a config file")
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change",
				slog.String("path", e.Name),
				slog.String("error", err.Error()))
			return
		}
		logger.Info("config reloaded", slog.String("path", e.Name))
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

// WriteDefault writes Default as YAML.
func WriteDefault(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return enc.Close()
}
