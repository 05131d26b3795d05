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

// Package gateway implements the multi-strategy forwarding gateway: the
// strategy dispatch and fallback controller, the pluggable transports, and
// the inbound HTTP surface.
package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wizos/SpectreProxy/config"
	"github.com/wizos/SpectreProxy/transport"
	"github.com/wizos/SpectreProxy/transport/socks5"
)

// Handler is the gateway's inbound HTTP surface. It derives the destination
// and strategy from the request path and configuration, dispatches one
// transport per request, and re-issues through the fallback strategy when
// the socket strategy hits a restricted-network error.
type Handler struct {
	cfg        config.Config
	baseDialer transport.StreamDialer
	logger     *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// Option configures a [Handler].
type Option func(*Handler)

// WithBaseDialer replaces the TCP dialer used for all upstream connections.
func WithBaseDialer(dialer transport.StreamDialer) Option {
	return func(h *Handler) { h.baseDialer = dialer }
}

// WithLogger sets the logger. The default, also used for a nil logger, is
// [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger == nil {
			logger = slog.Default()
		}
		h.logger = logger
	}
}

// NewHandler creates a gateway handler for the given configuration.
func NewHandler(cfg config.Config, options ...Option) *Handler {
	h := &Handler{
		cfg:        cfg,
		baseDialer: &transport.TCPDialer{Dialer: net.Dialer{Timeout: 30 * time.Second}},
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("panic while handling request", "panic", v)
			h.writeError(sw, fmt.Errorf("%v", v))
		}
	}()

	segments := splitPath(r.URL.Path)

	// DNS layout: /{token}/dns/{doh|dot}[/{server}]. The optional server
	// segment is accepted but not honored.
	if len(segments) >= 3 && segments[0] == h.cfg.AuthToken && segments[1] == "dns" {
		if mode, err := ParseStrategy(segments[2]); err == nil && (mode == StrategyDoH || mode == StrategyDoT) {
			t := newDNSTransport(mode, h.cfg, h.baseDialer, h.logger)
			if err := t.HandleDNSQuery(sw, r); err != nil {
				h.writeError(sw, err)
			}
			h.logRequest(r, "dns:"+string(mode), sw, start)
			return
		}
	}

	dstURL := h.destination(segments, r.URL.RawQuery)
	strategy, err := ParseStrategy(h.cfg.ProxyStrategy)
	if err != nil {
		h.writeError(sw, err)
		return
	}
	h.connect(sw, r, dstURL, strategy)
	h.logRequest(r, string(strategy), sw, start)
}

// connect runs the selected transport and, for the socket strategy, re-issues
// through the fallback transport on a restricted-network error, using the
// preserved body clone. Fallback errors surface verbatim.
func (h *Handler) connect(sw *statusWriter, r *http.Request, dstURL *url.URL, strategy Strategy) {
	var preserved *replayableBody
	if strategy == StrategySocket && r.Body != nil {
		preserved = newReplayableBody(r.Body, maxReplayBytes)
		r.Body = preserved
	}

	t, err := h.newTransport(strategy)
	if err == nil {
		err = t.Connect(sw, r, dstURL)
	}
	if err == nil {
		return
	}

	if strategy == StrategySocket && !sw.wrote && isRestrictedNetwork(err) {
		if clone, ok := h.cloneRequest(r, preserved); ok {
			fallback, fbErr := ParseStrategy(h.cfg.FallbackProxyStrategy)
			if fbErr != nil {
				fallback = StrategyFetch
			}
			h.logger.Debug("restricted network detected, using fallback strategy",
				"error", err, "fallback", string(fallback))
			ft, fbErr := h.newTransport(fallback)
			if fbErr == nil {
				fbErr = ft.Connect(sw, clone, dstURL)
			}
			if fbErr == nil {
				return
			}
			err = fbErr
		}
	}
	h.writeError(sw, err)
}

// newTransport instantiates the transport for the strategy. Transports live
// for a single request.
func (h *Handler) newTransport(strategy Strategy) (Transport, error) {
	switch strategy {
	case StrategySocket:
		return &socketTransport{dialer: h.baseDialer, logger: h.logger}, nil
	case StrategyFetch:
		return newFetchTransport(h.baseDialer, h.logger), nil
	case StrategySocks5:
		dialer, err := h.socks5Dialer()
		if err != nil {
			return nil, &StatusError{Code: http.StatusBadRequest, Message: err.Error()}
		}
		return &socketTransport{dialer: dialer, logger: h.logger}, nil
	case StrategyThirdParty:
		return newForwardTransport(strategy, h.cfg.ThirdPartyProxyURL, h.logger), nil
	case StrategyCloudProvider:
		return newForwardTransport(strategy, h.cfg.CloudProviderURL, h.logger), nil
	case StrategyDoH, StrategyDoT:
		return newDNSTransport(strategy, h.cfg, h.baseDialer, h.logger), nil
	default:
		return nil, fmt.Errorf("unknown proxy strategy %q", strategy)
	}
}

func (h *Handler) socks5Dialer() (transport.StreamDialer, error) {
	endpoint, err := socks5.ParseEndpoint(h.cfg.Socks5Address)
	if err != nil {
		return nil, err
	}
	dialer, err := socks5.NewStreamDialer(&transport.StreamDialerEndpoint{
		Dialer:  h.baseDialer,
		Address: endpoint.Address(),
	})
	if err != nil {
		return nil, err
	}
	if endpoint.Username != "" {
		if err := dialer.SetCredentials([]byte(endpoint.Username), []byte(endpoint.Password)); err != nil {
			return nil, err
		}
	}
	return dialer, nil
}

// destination derives the upstream URL from the path layout
// /{token}/{scheme}[:]/{host}[/...]. A token mismatch, or a path too short
// to name a target, selects the configured default destination.
func (h *Handler) destination(segments []string, rawQuery string) *url.URL {
	if len(segments) >= 3 && segments[0] == h.cfg.AuthToken {
		scheme := strings.TrimSuffix(segments[1], ":")
		raw := scheme + "://" + strings.Join(segments[2:], "/")
		if rawQuery != "" {
			raw += "?" + rawQuery
		}
		if dstURL, err := url.Parse(raw); err == nil && dstURL.Hostname() != "" {
			return dstURL
		}
	}
	dstURL, err := url.Parse(h.cfg.DefaultDstURL)
	if err != nil {
		// The default destination is validated at startup; an unparsable one
		// still must not take the handler down.
		return &url.URL{Scheme: "https", Host: "example.com"}
	}
	return dstURL
}

// cloneRequest rebuilds the request with the preserved body so the fallback
// transport reads the original bytes. It fails when the body outgrew the
// replay buffer.
func (h *Handler) cloneRequest(r *http.Request, preserved *replayableBody) (*http.Request, bool) {
	clone := r.Clone(r.Context())
	if preserved == nil {
		return clone, true
	}
	body, ok := preserved.Replay()
	if !ok {
		h.logger.Warn("request body too large to replay, fallback disabled")
		return nil, false
	}
	clone.Body = body
	return clone, true
}

func (h *Handler) writeError(sw *statusWriter, err error) {
	if sw.wrote {
		// The response header is out; the stream just ends.
		h.logger.Debug("error after response started", "error", err)
		return
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		http.Error(sw, statusErr.Message, statusErr.Code)
		return
	}
	http.Error(sw, "Error: "+err.Error(), http.StatusInternalServerError)
}

func (h *Handler) logRequest(r *http.Request, strategy string, sw *statusWriter, start time.Time) {
	if !h.cfg.DebugMode {
		return
	}
	h.logger.Debug("request handled",
		"method", r.Method,
		"path", r.URL.Path,
		"strategy", strategy,
		"status", sw.status,
		"duration", time.Since(start))
}

// splitPath returns the non-empty segments of a URL path.
func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// statusWriter records whether the response header has been emitted, which
// gates both fallback and error reporting, and the status for logging.
// It forwards Hijack so the WebSocket upgrade keeps working.
type statusWriter struct {
	http.ResponseWriter
	wrote  bool
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.wrote = true
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
