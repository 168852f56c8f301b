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

package errs_test

import (
	"fmt"
	"testing"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestErrno(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errs.InvalidArgument, -22},
		{errs.NoSpace, -28},
		{errs.Again, -11},
		{errs.Permission, -13},
		{errs.NotFound, -2},
		{errs.IO, -5},
		{errs.ErrNoDevice, -19},
		{fmt.Errorf("wrapped: %w", errs.NoSpace), -28},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, errs.Errno(c.err))
	}
}
