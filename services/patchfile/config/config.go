// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves PatchFile's process configuration.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional YAML file, PATCHFILE_* environment variables and command-line
// flags bound by the CLI. The result is validated once and treated as
// immutable for the process lifetime.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "PATCHFILE"

// Config is the top-level PatchFile configuration.
type Config struct {
	AllowedDirs []string         `mapstructure:"allowed_dirs" yaml:"allowed_dirs" validate:"required,min=1,dive,required"`
	QA          QAConfig         `mapstructure:"qa" yaml:"qa"`
	Steering    SteeringConfig   `mapstructure:"steering" yaml:"steering"`
	Versioning  VersioningConfig `mapstructure:"versioning" yaml:"versioning"`
	Lock        LockConfig       `mapstructure:"lock" yaml:"lock"`
	Log         LogConfig        `mapstructure:"log" yaml:"log"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Server      ServerConfig     `mapstructure:"server" yaml:"server"`
}

// QAConfig controls the post-edit quality pipeline.
type QAConfig struct {
	Lint          ToolConfig      `mapstructure:"lint" yaml:"lint"`
	Format        ToolConfig      `mapstructure:"format" yaml:"format"`
	TypeCheck     TypeCheckConfig `mapstructure:"typecheck" yaml:"typecheck"`
	ToolTimeout   time.Duration   `mapstructure:"tool_timeout" yaml:"tool_timeout" validate:"gt=0"`
	Budget        time.Duration   `mapstructure:"budget" yaml:"budget" validate:"gt=0"`
	MaxIterations int             `mapstructure:"max_iterations" yaml:"max_iterations" validate:"min=1,max=4"`

	// Python forces a specific interpreter instead of virtualenv discovery.
	Python string `mapstructure:"python" yaml:"python,omitempty"`
}

// ToolConfig enables one QA step and names its executable.
type ToolConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Command string `mapstructure:"command" yaml:"command" validate:"required"`
}

// TypeCheckConfig adds the test-file skip rules to ToolConfig.
type TypeCheckConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Command      string   `mapstructure:"command" yaml:"command" validate:"required"`
	ForceOnTests bool     `mapstructure:"force_on_tests" yaml:"force_on_tests"`
	TestPatterns []string `mapstructure:"test_patterns" yaml:"test_patterns"`
}

// SteeringConfig tunes the failure tracker.
type SteeringConfig struct {
	GCEvery       int           `mapstructure:"gc_every" yaml:"gc_every" validate:"min=1"`
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gt=0"`
	SuppressAfter int           `mapstructure:"suppress_after" yaml:"suppress_after" validate:"min=1"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit" validate:"min=1"`
}

// VersioningConfig controls the optional git auto-commit.
type VersioningConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// LockConfig places the cross-process lock sidecars.
type LockConfig struct {
	// Dir holds the sidecar files. Empty means a per-user cache directory.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LogConfig controls pkg/logging.
type LogConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `mapstructure:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none otlp stdout"`
	MetricExporter string `mapstructure:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none prometheus stdout"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure" yaml:"otlp_insecure"`
	Environment    string `mapstructure:"environment" yaml:"environment"`
}

// ServerConfig bounds request handling.
type ServerConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second" validate:"gte=0"`
	HTTPAddr      string  `mapstructure:"http_addr" yaml:"http_addr" validate:"omitempty,hostname_port"`
}

// DefaultTestPatterns match pytest-style test files and test directories.
var DefaultTestPatterns = []string{"tests/", "test_*.py", "*_test.py"}

// NewViper returns a viper instance with defaults and environment
// overrides registered. The CLI binds its flags to the same instance
// before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("allowed_dirs", []string{})

	v.SetDefault("qa.lint.enabled", true)
	v.SetDefault("qa.lint.command", "ruff")
	v.SetDefault("qa.format.enabled", true)
	v.SetDefault("qa.format.command", "black")
	v.SetDefault("qa.typecheck.enabled", true)
	v.SetDefault("qa.typecheck.command", "mypy")
	v.SetDefault("qa.typecheck.force_on_tests", false)
	v.SetDefault("qa.typecheck.test_patterns", DefaultTestPatterns)
	v.SetDefault("qa.tool_timeout", 15*time.Second)
	v.SetDefault("qa.budget", 20*time.Second)
	v.SetDefault("qa.max_iterations", 2)
	v.SetDefault("qa.python", "")

	v.SetDefault("steering.gc_every", 100)
	v.SetDefault("steering.max_age", time.Hour)
	v.SetDefault("steering.suppress_after", 3)
	v.SetDefault("steering.history_limit", 10)

	v.SetDefault("versioning.enabled", true)
	v.SetDefault("versioning.timeout", 10*time.Second)

	v.SetDefault("lock.dir", "")

	v.SetDefault("log.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("telemetry.trace_exporter", "none")
	v.SetDefault("telemetry.metric_exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.environment", "development")

	v.SetDefault("server.max_concurrent", 4)
	v.SetDefault("server.rate_per_second", 0.0)
	v.SetDefault("server.http_addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the optional config file into v, decodes it and validates
// the result.
//
// Description:
//
//	All validation problems are reported together, joined into one error
//	tagged config.invalid.
//
// Inputs:
//
//	v    - Viper instance from NewViper, possibly with flags bound.
//	path - Optional YAML config file. Empty skips file loading.
//
// Outputs:
//
//	*Config - The resolved configuration.
//	error   - Non-nil if reading, decoding or validation fails.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, pferrors.Errorf(pferrors.CodeConfigInvalid, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, pferrors.Errorf(pferrors.CodeConfigInvalid, "decoding config: %w", err)
	}

	cfg.AllowedDirs = splitList(cfg.AllowedDirs)
	cfg.QA.TypeCheck.TestPatterns = splitList(cfg.QA.TypeCheck.TestPatterns)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, pferrors.Errorf(pferrors.CodeConfigInvalid, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration, collecting every problem rather than
// stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateTags()...)
	errs = append(errs, c.validatePatterns()...)
	return errs
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

func (c *Config) validateTags() []error {
	err := structValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{pferrors.Errorf(pferrors.CodeConfigInvalid, "config: %v", err)}
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, pferrors.Errorf(pferrors.CodeConfigInvalid,
			"config: %s failed %q (value %v)", configKey(fe.Namespace()), tagWithParam(fe), fe.Value()))
	}
	return errs
}

func (c *Config) validatePatterns() []error {
	var errs []error
	for _, p := range c.QA.TypeCheck.TestPatterns {
		if strings.HasSuffix(p, "/") {
			continue
		}
		if _, err := filepath.Match(p, "x"); err != nil {
			errs = append(errs, pferrors.Errorf(pferrors.CodeConfigInvalid,
				"config: qa.typecheck.test_patterns has invalid pattern %q: %v", p, err))
		}
	}
	return errs
}

// configKey turns "Config.qa.typecheck.command" into "qa.typecheck.command".
func configKey(namespace string) string {
	if idx := strings.Index(namespace, "."); idx != -1 {
		return namespace[idx+1:]
	}
	return namespace
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}

// splitList flattens comma-separated entries, which is how list values
// arrive from a single environment variable or flag.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
