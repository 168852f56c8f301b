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
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// DecodeHook composes the stdlib encoding.TextUnmarshaler support (which
// covers Octal, LogSeverity, ByteSize, TSCDuration, and ResolvedPath, all
// of which implement UnmarshalText) with mapstructure's default duration
// and comma-separated-slice hooks.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// textUnmarshalerType exists only so callers can sanity-check at init time
// that every custom cfg type indeed implements the interface the hook
// above depends on.
var textUnmarshalerType = reflect.TypeOf((*interface{ UnmarshalText([]byte) error })(nil)).Elem()
