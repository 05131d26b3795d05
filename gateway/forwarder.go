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
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// forwardTransport hands the exchange to a downstream forwarding service
// reached at proxyURL, passing the destination as a "target" query
// parameter. Both the thirdparty and cloudprovider strategies are this
// transport with different base URLs.
//
// Headers are forwarded unfiltered: filtering is delegated to the downstream
// service by contract.
type forwardTransport struct {
	errNoDNS
	name     Strategy
	proxyURL string
	client   *http.Client
	logger   *slog.Logger
}

var _ Transport = (*forwardTransport)(nil)

func newForwardTransport(name Strategy, proxyURL string, logger *slog.Logger) *forwardTransport {
	return &forwardTransport{
		name:     name,
		proxyURL: proxyURL,
		client: &http.Client{
			// redirect: manual. The downstream service's redirects reach the
			// client as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Connect implements [Transport].
func (t *forwardTransport) Connect(w http.ResponseWriter, r *http.Request, dstURL *url.URL) error {
	if isWebSocketRequest(r) {
		return &StatusError{Code: http.StatusBadRequest, Message: fmt.Sprintf("WebSocket is not supported by the %s strategy", t.name)}
	}
	if t.proxyURL == "" {
		return fmt.Errorf("no proxy URL configured for the %s strategy", t.name)
	}
	forwardURL := t.proxyURL + "?target=" + url.QueryEscape(dstURL.String())
	req, err := http.NewRequestWithContext(r.Context(), r.Method, forwardURL, r.Body)
	if err != nil {
		return &StatusError{Code: http.StatusBadRequest, Message: fmt.Sprintf("invalid proxy URL: %v", err)}
	}
	req.Header = r.Header.Clone()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request failed: %w", err)
	}
	writeFetchedResponse(w, resp, t.logger)
	return nil
}
