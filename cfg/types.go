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

package cfg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Octal is the datatype for params such as inode mode which accept a
// base-8 value (e.g. "0755").
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank, or -1 if
// unknown (should not happen post-validation).
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// ByteSize accepts human-friendly suffixes: "4KiB", "2MiB", "64KiB", or a
// bare integer number of bytes.
type ByteSize int64

const (
	KiB ByteSize = 1024
	MiB          = 1024 * KiB
	GiB          = 1024 * MiB
)

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	mult := ByteSize(1)
	switch {
	case strings.HasSuffix(s, "KiB"):
		mult, s = KiB, strings.TrimSuffix(s, "KiB")
	case strings.HasSuffix(s, "MiB"):
		mult, s = MiB, strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "GiB"):
		mult, s = GiB, strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	*b = ByteSize(v) * mult
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(b), 10)), nil
}

// TSCDuration is a lease period expressed like a time.Duration ("200ms")
// but conceptually measured in simulated TSC ticks; see clock.Clock.
type TSCDuration time.Duration

func (t *TSCDuration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*t = TSCDuration(d)
	return nil
}

func (t TSCDuration) Duration() time.Duration {
	return time.Duration(t)
}

// ResolvedPath is an absolute, cleaned file-system path.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		*p = ""
		return nil
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return err
	}
	*p = ResolvedPath(filepath.Clean(abs))
	return nil
}
