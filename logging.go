// Copyright 2024 The Relaygate Authors
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

package relaygate

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig describes where and how process logs are written, the
// counterpart of the teacher's Logging/CustomLog writer-opener setup,
// trimmed to the one sink this process needs: stderr or a rotated
// file, never both, since there is no per-module log-routing concern
// here the way Caddy's HTTP app needs per-server access logs.
type LogConfig struct {
	Level    string `toml:"level"`     // debug, info, warn, error
	Format   string `toml:"format"`    // console or json
	File     string `toml:"file"`      // path, or "" for stderr
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxAgeDays int  `toml:"max_age_days"`
	MaxBackups int  `toml:"max_backups"`
}

func (c LogConfig) level() zapcore.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds the process-wide *zap.Logger per LogConfig,
// grounded on the teacher's newDefaultProductionLog (console encoder
// to stderr by default, INFO and up) generalized to an optional
// rotated file sink via timberjack instead of the teacher's
// module-based WriterOpener/UsagePool machinery, which exists to
// support dynamically (re)provisioned logging modules this process
// doesn't have.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	switch strings.ToLower(c.Format) {
	case "json":
		encCfg = zap.NewProductionEncoderConfig()
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if c.File == "" {
		sink = zapcore.AddSync(os.Stderr)
	} else {
		sink = zapcore.AddSync(&timberjack.Logger{
			Filename:   c.File,
			MaxSize:    nonZero(c.MaxSizeMB, 100),
			MaxAge:     nonZero(c.MaxAgeDays, 14),
			MaxBackups: nonZero(c.MaxBackups, 10),
		})
	}

	core := zapcore.NewCore(encoder, sink, c.level())
	return zap.New(core, zap.AddCaller()), nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   *zap.Logger
)

func init() {
	l, err := NewLogger(LogConfig{Level: "info", Format: "console"})
	if err != nil {
		panic(fmt.Sprintf("relaygate: building default logger: %v", err))
	}
	defaultLogger = l
}

// Log returns the current default logger.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLog replaces the default logger, e.g. once runServer has built
// one from the --log-level flag.
func SetLog(l *zap.Logger) {
	defaultLoggerMu.Lock()
	defaultLogger = l
	defaultLoggerMu.Unlock()
}
