// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log holds a single global *zap.SugaredLogger and package-level
// helpers that log through it. New builds a logger from config and
// SetGlobalLogger installs one as the global. The client, torrent and conn
// components take their logger through their constructors and do not
// call the package-level helpers.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields is a convenience map for structured key/value pairs, flattened
// into zap's variadic With() arguments by WithFields.
type Fields map[string]interface{}

// Config configures the global logger.
type Config struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Disable     bool   `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

var global atomic.Value // stores *zap.SugaredLogger

func init() {
	global.Store(NewNopLogger())
}

// New builds a *zap.SugaredLogger from config plus fields, installs it as
// the global logger, and returns it.
func New(config Config, fields Fields) (*zap.SugaredLogger, error) {
	config = config.applyDefaults()

	if config.Disable {
		l := NewNopLogger()
		SetGlobalLogger(l)
		return l, nil
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	sugar := logger.Sugar()
	if len(fields) > 0 {
		sugar = sugar.With(flatten(fields)...)
	}
	SetGlobalLogger(sugar)
	return sugar, nil
}

// NewNopLogger returns a logger that discards everything, useful in tests.
func NewNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// ConfigureLogger installs a logger built directly from a zap.Config,
// bypassing this package's Config wrapper. Exists for tests that want
// fine-grained control (e.g. an observable core).
func ConfigureLogger(zapConfig zap.Config) error {
	logger, err := zapConfig.Build()
	if err != nil {
		return err
	}
	SetGlobalLogger(logger.Sugar())
	return nil
}

// SetGlobalLogger replaces the global logger used by the package-level
// helpers.
func SetGlobalLogger(l *zap.SugaredLogger) {
	global.Store(l)
}

// Default returns the current global logger.
func Default() *zap.SugaredLogger {
	return global.Load().(*zap.SugaredLogger)
}

// Sync flushes the global logger's buffers.
func Sync() error {
	return Default().Sync()
}

// With returns the global logger with args appended as structured context.
func With(args ...interface{}) *zap.SugaredLogger {
	return Default().With(args...)
}

// WithFields returns the global logger with f appended as structured
// context.
func WithFields(f Fields) *zap.SugaredLogger {
	return Default().With(flatten(f)...)
}

func flatten(f Fields) []interface{} {
	args := make([]interface{}, 0, len(f)*2)
	for k, v := range f {
		args = append(args, k, v)
	}
	return args
}

// Info logs at info level through the global logger.
func Info(args ...interface{}) { Default().Info(args...) }

// Infof logs at info level through the global logger.
func Infof(format string, args ...interface{}) { Default().Infof(format, args...) }

// Warn logs at warn level through the global logger.
func Warn(args ...interface{}) { Default().Warn(args...) }

// Warnf logs at warn level through the global logger.
func Warnf(format string, args ...interface{}) { Default().Warnf(format, args...) }

// Errorf logs at error level through the global logger.
func Errorf(format string, args ...interface{}) { Default().Errorf(format, args...) }

// Fatalf logs at fatal level through the global logger, then exits.
func Fatalf(format string, args ...interface{}) { Default().Fatalf(format, args...) }
