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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/wizos/SpectreProxy/transport"
)

// fetchTransport delegates the upstream exchange to the runtime's high-level
// HTTP client, dialing through the gateway's stream dialer. It supports only
// HTTP destinations.
type fetchTransport struct {
	errNoDNS
	client *http.Client
	logger *slog.Logger
}

var _ Transport = (*fetchTransport)(nil)

func newFetchTransport(dialer transport.StreamDialer, logger *slog.Logger) *fetchTransport {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
	return &fetchTransport{
		client: &http.Client{
			Transport: &http.Transport{DialContext: dialContext},
			// Upstream redirects pass through to the client unmodified.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Connect implements [Transport].
func (t *fetchTransport) Connect(w http.ResponseWriter, r *http.Request, dstURL *url.URL) error {
	if isWebSocketRequest(r) {
		return &StatusError{Code: http.StatusBadRequest, Message: "WebSocket is not supported by the fetch strategy"}
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, dstURL.String(), r.Body)
	if err != nil {
		return &StatusError{Code: http.StatusBadRequest, Message: fmt.Sprintf("invalid destination: %v", err)}
	}
	req.Header = sanitizeHeaders(r.Header)
	req.Host = dstURL.Host
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	writeFetchedResponse(w, resp, t.logger)
	return nil
}

// writeFetchedResponse streams a stdlib client response to the client.
func writeFetchedResponse(w http.ResponseWriter, resp *http.Response, logger *slog.Logger) {
	defer resp.Body.Close()
	for name, values := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(flushingWriter(w), resp.Body); err != nil {
		logger.Debug("response stream interrupted", "error", err)
	}
}
