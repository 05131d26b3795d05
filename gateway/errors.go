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

import "strings"

// StatusError is an error with an associated HTTP status code. Transports
// return it for failures that map to a specific client-visible status;
// everything else surfaces as a 500.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// restrictedNetworkMarkers are the error message substrings that identify a
// host-platform egress restriction rather than a destination fault. Only
// these trigger the fallback strategy.
var restrictedNetworkMarkers = []string{
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

// isRestrictedNetwork classifies err by substring-matching its message
// against the known restriction markers.
func isRestrictedNetwork(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range restrictedNetworkMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
