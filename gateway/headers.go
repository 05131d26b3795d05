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
	"net/http"
	"regexp"
	"strings"
)

// denyHeaderPattern matches header names that must not leak upstream:
// hop-by-hop and environment-identifying keys. Matched against the
// lower-cased name.
var denyHeaderPattern = regexp.MustCompile(`^(host|accept-encoding|cf-|cdn-|referer|referrer)`)

// sanitizeHeaders returns a new header collection holding every inbound
// header whose name does not match the deny pattern. Callers then add Host
// and any transport-specific headers.
func sanitizeHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if denyHeaderPattern.MatchString(strings.ToLower(name)) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
