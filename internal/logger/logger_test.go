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

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectToBuffer(buf *bytes.Buffer, level string, format string) {
	lvl := new(slog.LevelVar)
	l, err := parseSeverity(level)
	if err == nil {
		lvl.Set(l)
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(buf, lvl, format))
}

func TestSeverityFiltering(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "WARNING", "text")

	Debugf("hidden")
	assert.Empty(t, buf.String())

	Warnf("visible")
	assert.Contains(t, buf.String(), "severity=WARNING")
	assert.Contains(t, buf.String(), "visible")
}

func TestTraceBelowDebug(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "TRACE", "text")

	Tracef("www.traceExample.com")
	assert.Regexp(t, regexp.MustCompile(`severity=TRACE`), buf.String())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "INFO", "json")

	Infof("hello %d", 5)
	assert.Contains(t, buf.String(), `"severity":"INFO"`)
	assert.Contains(t, buf.String(), `"msg":"hello 5"`)
}

func TestParseSeverityInvalid(t *testing.T) {
	_, err := parseSeverity("NOPE")
	require.Error(t, err)
}
