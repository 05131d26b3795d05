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
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/wizos/SpectreProxy/httpwire"
	"github.com/wizos/SpectreProxy/transport"
	"github.com/wizos/SpectreProxy/transport/tls"
	"github.com/wizos/SpectreProxy/wswire"
)

// socketTransport speaks HTTP/1.1 and WebSocket directly over a byte stream
// obtained from its dialer. The socks5 strategy is the same codec with a
// SOCKS5-routing dialer plugged in.
type socketTransport struct {
	errNoDNS
	dialer transport.StreamDialer
	logger *slog.Logger
}

var _ Transport = (*socketTransport)(nil)

// dial opens the stream to the destination's authority, TLS-wrapped iff
// secure. Half-open is not used: every error path closes the whole stream.
func (t *socketTransport) dial(r *http.Request, dstURL *url.URL, secure bool) (transport.StreamConn, error) {
	dialer := t.dialer
	if secure {
		tlsDialer, err := tls.NewStreamDialer(dialer)
		if err != nil {
			return nil, err
		}
		dialer = tlsDialer
	}
	return dialer.DialStream(r.Context(), destinationAddr(dstURL))
}

// Connect implements [Transport]. Requests carrying an Upgrade: websocket
// header take the WebSocket path; everything else is a plain HTTP/1.1
// exchange.
func (t *socketTransport) Connect(w http.ResponseWriter, r *http.Request, dstURL *url.URL) error {
	if isWebSocketRequest(r) {
		return t.connectWebSocket(w, r, dstURL)
	}
	return t.connectHTTP(w, r, dstURL)
}

func (t *socketTransport) connectHTTP(w http.ResponseWriter, r *http.Request, dstURL *url.URL) error {
	scheme := strings.ToLower(dstURL.Scheme)
	conn, err := t.dial(r, dstURL, scheme == "https")
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	header := sanitizeHeaders(r.Header)
	header.Set("Host", dstURL.Hostname())
	header.Set("Accept-Encoding", "identity")
	if err := httpwire.WriteRequest(conn, r.Method, requestURI(dstURL), header, r.Body); err != nil {
		conn.Close()
		return err
	}
	resp, err := httpwire.ReadResponse(conn)
	if err != nil {
		conn.Close()
		return err
	}
	writeUpstreamResponse(w, resp, t.logger)
	return nil
}

func (t *socketTransport) connectWebSocket(w http.ResponseWriter, r *http.Request, dstURL *url.URL) error {
	scheme := strings.ToLower(dstURL.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return &StatusError{Code: http.StatusBadRequest, Message: "WebSocket requests require a ws or wss destination"}
	}
	conn, err := t.dial(r, dstURL, scheme == "wss")
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	upstream := wswire.NewConn(conn)
	if err := upstream.Handshake(dstURL, sanitizeHeaders(r.Header)); err != nil {
		conn.Close()
		return err
	}
	return relayWebSocket(w, r, upstream, t.logger)
}

// destinationAddr returns the host:port to dial, defaulting the port from
// the scheme (443 for https/wss, 80 otherwise).
func destinationAddr(dstURL *url.URL) string {
	port := dstURL.Port()
	if port == "" {
		switch strings.ToLower(dstURL.Scheme) {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(dstURL.Hostname(), port)
}

// requestURI returns the origin-form target of the destination URL.
func requestURI(dstURL *url.URL) string {
	uri := dstURL.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if dstURL.RawQuery != "" {
		uri += "?" + dstURL.RawQuery
	}
	return uri
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// writeUpstreamResponse streams a parsed upstream response to the client.
// Once the header has been emitted, a body error only terminates the stream;
// the request is never reissued.
func writeUpstreamResponse(w http.ResponseWriter, resp *httpwire.Response, logger *slog.Logger) {
	defer resp.Body.Close()
	for name, values := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Transfer-Encoding", "Connection":
			// The gateway's own server applies its framing.
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

// flushingWriter makes body bytes reach the client as they arrive instead of
// sitting in the server's write buffer.
func flushingWriter(w http.ResponseWriter) io.Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return w
	}
	return &flushWriter{w: w, flusher: flusher}
}

type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		f.flusher.Flush()
	}
	return n, err
}
