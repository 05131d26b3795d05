// Copyright 2025 The SpectreProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRestrictedNetwork(t *testing.T) {
	restricted := []string{
		"A network issue was detected",
		"Network connection failure",
		"connection failed",
		"timed out",
		"Stream was cancelled",
		"proxy request failed",
		"cannot connect to the specified address",
		"TCP Loop detected",
		"Connections to port 25 are prohibited",
	}
	for _, marker := range restricted {
		assert.True(t, isRestrictedNetwork(errors.New(marker)), "marker %q", marker)
		assert.True(t, isRestrictedNetwork(fmt.Errorf("upstream: %s: details", marker)), "embedded marker %q", marker)
	}

	assert.False(t, isRestrictedNetwork(nil))
	assert.False(t, isRestrictedNetwork(errors.New("invalid status line")))
	assert.False(t, isRestrictedNetwork(errors.New("authentication failed: 1")))
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Code: 400, Message: "bad request"}
	assert.Equal(t, "bad request", err.Error())
	var statusErr *StatusError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &statusErr))
	assert.Equal(t, 400, statusErr.Code)
}
