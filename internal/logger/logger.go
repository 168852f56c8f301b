// Copyright 2025 The ArckFS Authors
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

// Package logger provides the process-wide structured logger. It wraps
// log/slog with a custom severity level (TRACE below DEBUG) and a handler
// that can emit either text or JSON, matching the severity names used
// throughout the rest of arckfs (cfg.LogSeverity).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ranked below slog's built-ins so TRACE can sit under
// DEBUG without colliding with slog.LevelDebug's numeric value.
const (
	LevelTrace   = slog.Level(-8)
	LevelWarning = slog.LevelWarn
)

var severityNames = map[slog.Leveler]string{
	LevelTrace:         "TRACE",
	slog.LevelDebug:    "DEBUG",
	slog.LevelInfo:     "INFO",
	LevelWarning:       "WARNING",
	slog.LevelError:    "ERROR",
}

// Config controls where and how logs are written. It mirrors
// cfg.LoggingConfig.
type Config struct {
	Severity   string // TRACE, DEBUG, INFO, WARNING, ERROR, OFF
	Format     string // "text" or "json"
	FilePath   string // empty means stderr
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

type loggerFactory struct {
	prefix string
}

func (f loggerFactory) createJSONOrTextHandler(w io.Writer, level *slog.LevelVar, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl := a.Value.Any().(slog.Level)
				if name, ok := severityNames[lvl]; ok {
					a.Value = slog.StringValue(name)
					a.Key = "severity"
				}
			}
			if a.Key == slog.MessageKey && f.prefix != "" {
				a.Value = slog.StringValue(f.prefix + a.Value.String())
			}
			return a
		},
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	defaultLoggerFactory = loggerFactory{}
	defaultLogger        = slog.New(defaultLoggerFactory.createJSONOrTextHandler(os.Stderr, new(slog.LevelVar), "text"))
	programLevel         = new(slog.LevelVar)
)

// Init (re)configures the package-level default logger. It is safe to call
// more than once, e.g. after config reload.
func Init(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}

	format := cfg.Format
	if format == "" {
		format = "text"
	}

	lvl, err := parseSeverity(cfg.Severity)
	if err != nil {
		return err
	}
	programLevel.Set(lvl)

	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(w, programLevel, format))
	return nil
}

func parseSeverity(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return slog.LevelError, nil
	case "OFF":
		// One level above Error so nothing is ever emitted.
		return slog.LevelError + 1, nil
	default:
		return 0, fmt.Errorf("logger: invalid severity %q", s)
	}
}

func log(ctx context.Context, level slog.Level, msg string, args ...any) {
	defaultLogger.Log(ctx, level, msg, args...)
}

func Tracef(format string, args ...any)   { log(context.Background(), LevelTrace, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any)   { log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)    { log(context.Background(), slog.LevelInfo, fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)    { log(context.Background(), LevelWarning, fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any)   { log(context.Background(), slog.LevelError, fmt.Sprintf(format, args...)) }

// With returns a logger-scoped set of key/value fields, for call sites that
// want structured attributes instead of a formatted message.
func With(args ...any) *slog.Logger {
	return defaultLogger.With(args...)
}
