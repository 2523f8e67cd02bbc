// Copyright 2024 The Silica Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide engine logger.
type LogConfig struct {
	Level string `toml:"level"`
	// Filename enables a rotated file sink next to stderr when non-empty.
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"` // megabytes
	MaxBackups int    `toml:"max-backups"`
	MaxDays    int    `toml:"max-days"`
}

var globalLogger atomic.Value // *zap.Logger

func init() {
	globalLogger.Store(newLogger(LogConfig{Level: "info"}))
}

// Setup replaces the global logger according to cfg.
func Setup(cfg LogConfig) {
	globalLogger.Store(newLogger(cfg))
}

func newLogger(cfg LogConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	sink := zapcore.AddSync(os.Stderr)
	if cfg.Filename != "" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxDays,
		}))
	}
	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddStacktrace(zapcore.FatalLevel))
}

// GetLogger returns the global logger for callers that attach fields.
func GetLogger() *zap.Logger {
	return globalLogger.Load().(*zap.Logger)
}

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }

func Debugf(format string, args ...any) { GetLogger().Sugar().Debugf(format, args...) }
func Infof(format string, args ...any)  { GetLogger().Sugar().Infof(format, args...) }
func Warnf(format string, args ...any)  { GetLogger().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...any) { GetLogger().Sugar().Errorf(format, args...) }
