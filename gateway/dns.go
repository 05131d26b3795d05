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
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wizos/SpectreProxy/config"
	"github.com/wizos/SpectreProxy/dnswire"
	"github.com/wizos/SpectreProxy/transport"
	"github.com/wizos/SpectreProxy/transport/tls"
)

// dnsTransport proxies RFC 8484 queries to the configured resolver, over TLS
// (dot) or as DNS-over-HTTPS on a raw TLS stream (doh). Either mode falls
// back to the high-level DoH client path on failure; when that also fails,
// the client gets a 502.
type dnsTransport struct {
	mode Strategy
	cfg  config.Config
	// dialer produces the secured stream to the resolver.
	dialer transport.StreamDialer
	client *http.Client
	logger *slog.Logger
}

var _ Transport = (*dnsTransport)(nil)

func newDNSTransport(mode Strategy, cfg config.Config, baseDialer transport.StreamDialer, logger *slog.Logger) *dnsTransport {
	dialer := transport.StreamDialer(baseDialer)
	if tlsDialer, err := tls.NewStreamDialer(baseDialer); err == nil {
		dialer = tlsDialer
	}
	return &dnsTransport{
		mode:   mode,
		cfg:    cfg,
		dialer: dialer,
		client: &http.Client{},
		logger: logger,
	}
}

// Connect implements [Transport]. A DNS strategy treats every request as a
// DNS query.
func (t *dnsTransport) Connect(w http.ResponseWriter, r *http.Request, _ *url.URL) error {
	return t.HandleDNSQuery(w, r)
}

// HandleDNSQuery implements [Transport].
func (t *dnsTransport) HandleDNSQuery(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return &StatusError{Code: http.StatusBadRequest, Message: "DNS queries must use POST"}
	}
	if mediaType(r.Header.Get("Content-Type")) != dnswire.MIMEType {
		return &StatusError{Code: http.StatusBadRequest, Message: "DNS queries must have Content-Type " + dnswire.MIMEType}
	}
	query, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		return &StatusError{Code: http.StatusBadRequest, Message: "failed to read query body"}
	}
	if err := dnswire.ValidateQuery(query); err != nil {
		return &StatusError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	if t.cfg.DebugMode {
		if summary, err := dnswire.SummarizeQuery(query); err == nil {
			t.logger.Debug("dns query", "mode", string(t.mode), "question", summary)
		}
	}

	response, err := t.exchange(r, query)
	if err != nil {
		t.logger.Debug("dns exchange failed, trying DoH fallback", "mode", string(t.mode), "error", err)
		response, err = dnswire.ExchangeDoH(r.Context(), t.client, t.dohURL(), query)
		if err != nil {
			return &StatusError{Code: http.StatusBadGateway, Message: "DNS resolution failed: " + err.Error()}
		}
	}
	w.Header().Set("Content-Type", dnswire.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.WriteHeader(http.StatusOK)
	w.Write(response)
	return nil
}

func (t *dnsTransport) exchange(r *http.Request, query []byte) ([]byte, error) {
	if t.mode == StrategyDoT {
		addr := net.JoinHostPort(t.cfg.DoTServerHostname, strconv.Itoa(t.cfg.DoTServerPort))
		return dnswire.ExchangeDoT(r.Context(), t.dialer, addr, query)
	}
	addr := net.JoinHostPort(t.cfg.DoHServerHostname, strconv.Itoa(t.cfg.DoHServerPort))
	return dnswire.ExchangeDoHRaw(r.Context(), t.dialer, addr, t.cfg.DoHServerPath, query)
}

func (t *dnsTransport) dohURL() string {
	return "https://" + t.cfg.DoHServerHostname + t.cfg.DoHServerPath
}

// mediaType strips any parameters from a Content-Type value.
func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
