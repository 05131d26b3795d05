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

// Package httpwire implements a minimal HTTP/1.1 client codec that operates
// directly on a byte stream. The gateway uses it for strategies that only
// have a raw (or TLS-wrapped) socket to the upstream, where the standard
// library client cannot be plugged in.
package httpwire

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// WriteRequest serializes an HTTP/1.1 request to w: the request line, the
// folded headers, a blank line, and then the body copied chunk by chunk. The
// body may be nil. Headers are written with Host first and the remaining keys
// in sorted order, so the byte output is deterministic.
//
// requestURI is the origin-form target, e.g. "/get?x=1".
func WriteRequest(w io.Writer, method, requestURI string, header http.Header, body io.Reader) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", method, requestURI)
	if host := header.Get("Host"); host != "" {
		fmt.Fprintf(&sb, "Host: %s\r\n", host)
	}
	keys := make([]string, 0, len(header))
	for k := range header {
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
		}
	}
	sb.WriteString("\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("failed to write request header: %w", err)
	}
	if body != nil {
		if _, err := io.Copy(w, body); err != nil {
			return fmt.Errorf("failed to write request body: %w", err)
		}
	}
	return nil
}
