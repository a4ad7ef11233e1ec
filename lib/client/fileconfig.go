// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk form of Config, for applications and the
// CLI that configure the client from a file instead of code. YAML is
// the primary format; .json/.jsonc files (JSON extended with //
// comments and trailing commas) are accepted too, since YAML is a
// superset of JSON once the comments are stripped.
type FileConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	StorePath string `yaml:"store_path" json:"store_path"`

	FlushAt              int `yaml:"flush_at" json:"flush_at"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds" json:"flush_interval_seconds"`
	MaxQueueSize         int `yaml:"max_queue_size" json:"max_queue_size"`
	MaxBatchSize         int `yaml:"max_batch_size" json:"max_batch_size"`

	CaptureExceptions           bool `yaml:"capture_exceptions" json:"capture_exceptions"`
	ExceptionDebounceIntervalMs int  `yaml:"exception_debounce_interval_ms" json:"exception_debounce_interval_ms"`

	PreloadFeatureFlags  bool  `yaml:"preload_feature_flags" json:"preload_feature_flags"`
	SendFeatureFlagEvent *bool `yaml:"send_feature_flag_event" json:"send_feature_flag_event"`

	Compression string `yaml:"compression" json:"compression"`
}

// LoadConfigFile reads and parses path into a Config. The format is
// chosen by extension: .json and .jsonc parse as JSONC, everything
// else as YAML.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("client: reading config: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig parses config file bytes. ext selects the format as in
// LoadConfigFile.
func ParseConfig(data []byte, ext string) (Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("client: parsing config: %w", err)
	}
	return file.Config(), nil
}

// Config converts the file form to the programmatic Config. Unset
// fields stay zero and pick up the constructor defaults.
func (f FileConfig) Config() Config {
	return Config{
		APIKey:                    f.APIKey,
		Endpoint:                  f.Endpoint,
		StorePath:                 f.StorePath,
		FlushAt:                   f.FlushAt,
		FlushInterval:             time.Duration(f.FlushIntervalSeconds) * time.Second,
		MaxQueueSize:              f.MaxQueueSize,
		MaxBatchSize:              f.MaxBatchSize,
		CaptureExceptions:         f.CaptureExceptions,
		ExceptionDebounceInterval: time.Duration(f.ExceptionDebounceIntervalMs) * time.Millisecond,
		PreloadFeatureFlags:       f.PreloadFeatureFlags,
		SendFeatureFlagEvent:      f.SendFeatureFlagEvent,
		Compression:               f.Compression,
	}
}
