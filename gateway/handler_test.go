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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizos/SpectreProxy/config"
	"github.com/wizos/SpectreProxy/transport"
)

const testToken = "TOK"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AuthToken = testToken
	return cfg
}

// startGateway serves the handler and returns its base URL.
func startGateway(t *testing.T, cfg config.Config, options ...Option) string {
	t.Helper()
	server := httptest.NewServer(NewHandler(cfg, options...))
	t.Cleanup(server.Close)
	return server.URL
}

// proxyPath builds the gateway path for a destination URL.
func proxyPath(dst string) string {
	scheme, rest, _ := strings.Cut(dst, "://")
	return "/" + testToken + "/" + scheme + "/" + rest
}

func TestHandler_SocketGet(t *testing.T) {
	const body = "exactly17bytes!!!" // len 17
	var upstreamHeader http.Header
	var upstreamHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHeader = r.Header.Clone()
		upstreamHost = r.Host
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, body)
	}))
	defer upstream.Close()

	gatewayURL := startGateway(t, testConfig())
	req, err := http.NewRequest(http.MethodGet, gatewayURL+proxyPath(upstream.URL)+"/get", nil)
	require.NoError(t, err)
	req.Header.Set("Cf-Connecting-Ip", "192.0.2.1")
	req.Header.Set("Referer", "https://leaky.example/")
	req.Header.Set("X-Custom", "kept")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(payload))
	assert.Len(t, payload, 17)

	// Upstream must see a fresh Host and the sanitized header set.
	host, _, err := net.SplitHostPort(strings.TrimPrefix(upstream.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, host, upstreamHost)
	assert.Empty(t, upstreamHeader.Values("Cf-Connecting-Ip"))
	assert.Empty(t, upstreamHeader.Values("Referer"))
	assert.Equal(t, "identity", upstreamHeader.Get("Accept-Encoding"))
	assert.Equal(t, "kept", upstreamHeader.Get("X-Custom"))
}

func TestHandler_SocketChunkedResponse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	}()

	gatewayURL := startGateway(t, testConfig())
	resp, err := http.Get(gatewayURL + proxyPath("http://"+listener.Addr().String()) + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(payload))
}

func TestHandler_TokenGate(t *testing.T) {
	defaultDst := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "default-destination")
	}))
	defer defaultDst.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "should-not-be-reached")
	}))
	defer other.Close()

	cfg := testConfig()
	cfg.DefaultDstURL = defaultDst.URL
	gatewayURL := startGateway(t, cfg)

	for _, path := range []string{
		"/WRONG/http/" + strings.TrimPrefix(other.URL, "http://") + "/secret",
		"/",
		"/" + testToken,
		"/" + testToken + "/http",
	} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(gatewayURL + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			payload, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "default-destination", string(payload))
		})
	}
}

func TestHandler_SchemeWithTrailingColon(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "reached")
	}))
	defer upstream.Close()

	gatewayURL := startGateway(t, testConfig())
	resp, err := http.Get(gatewayURL + "/" + testToken + "/http:/" + strings.TrimPrefix(upstream.URL, "http://") + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "reached", string(payload))
}

func TestHandler_QueryStringForwarded(t *testing.T) {
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}))
	defer upstream.Close()

	gatewayURL := startGateway(t, testConfig())
	resp, err := http.Get(gatewayURL + proxyPath(upstream.URL) + "/search?q=hello&lang=en")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "q=hello&lang=en", gotQuery)
}

// scriptedDialer fails the first len(failures) dials with the given messages,
// then delegates to the inner dialer.
type scriptedDialer struct {
	mu       sync.Mutex
	failures []string
	dials    int
	inner    transport.StreamDialer
}

func (d *scriptedDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	d.mu.Unlock()
	if i < len(d.failures) {
		return nil, errors.New(d.failures[i])
	}
	return d.inner.DialStream(ctx, raddr)
}

// TestHandler_RestrictedNetworkFallback drives the socket strategy into a
// classified restricted-network error and verifies the fetch fallback
// delivers the byte-identical original body.
func TestHandler_RestrictedNetworkFallback(t *testing.T) {
	const requestBody = "fallback-preserved-body"
	var mu sync.Mutex
	var upstreamBodies []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		upstreamBodies = append(upstreamBodies, string(payload))
		mu.Unlock()
		fmt.Fprint(w, "via-fallback")
	}))
	defer upstream.Close()

	dialer := &scriptedDialer{
		failures: []string{"TCP Loop detected"},
		inner:    &transport.TCPDialer{},
	}
	gatewayURL := startGateway(t, testConfig(), WithBaseDialer(dialer))

	resp, err := http.Post(gatewayURL+proxyPath(upstream.URL)+"/submit", "text/plain",
		strings.NewReader(requestBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "via-fallback", string(payload))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{requestBody}, upstreamBodies,
		"upstream must see exactly one request, with the full original body")
}

func TestHandler_UnclassifiedErrorIs500(t *testing.T) {
	// An upstream speaking garbage produces a parse error, which is not a
	// restricted-network error: no fallback, plain 500.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("SPEAK FRIEND AND ENTER\r\n\r\n"))
	}()

	gatewayURL := startGateway(t, testConfig())
	resp, err := http.Get(gatewayURL + proxyPath("http://"+listener.Addr().String()) + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(payload), "Error: "), "got body %q", payload)
	assert.Contains(t, string(payload), "invalid status line")
}

func TestHandler_ThirdPartyForward(t *testing.T) {
	var gotTarget string
	var gotHeader http.Header
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.URL.Query().Get("target")
		gotHeader = r.Header.Clone()
		fmt.Fprint(w, "via-thirdparty")
	}))
	defer downstream.Close()

	cfg := testConfig()
	cfg.ProxyStrategy = "thirdparty"
	cfg.ThirdPartyProxyURL = downstream.URL + "/forward"
	gatewayURL := startGateway(t, cfg)

	req, err := http.NewRequest(http.MethodGet, gatewayURL+"/"+testToken+"/https/upstream.example/path?q=1", nil)
	require.NoError(t, err)
	req.Header.Set("Cf-Ray", "raw-forwarded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "via-thirdparty", string(payload))
	assert.Equal(t, "https://upstream.example/path?q=1", gotTarget)
	// Header filtering is delegated to the downstream service.
	assert.Equal(t, "raw-forwarded", gotHeader.Get("Cf-Ray"))
}

func TestHandler_ThirdPartyMisconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyStrategy = "thirdparty"
	gatewayURL := startGateway(t, cfg)
	resp, err := http.Get(gatewayURL + "/" + testToken + "/https/upstream.example/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandler_FetchStrategy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Values("Cf-Ray"))
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "fetched")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.ProxyStrategy = "fetch"
	gatewayURL := startGateway(t, cfg)

	req, err := http.NewRequest(http.MethodGet, gatewayURL+proxyPath(upstream.URL)+"/x", nil)
	require.NoError(t, err)
	req.Header.Set("Cf-Ray", "should-be-stripped")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "fetched", string(payload))
}

func TestHandler_FetchRejectsWebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyStrategy = "fetch"
	gatewayURL := startGateway(t, cfg)

	req, err := http.NewRequest(http.MethodGet, gatewayURL+"/"+testToken+"/wss/echo.example/", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_SocketWebSocketRequiresWSScheme(t *testing.T) {
	gatewayURL := startGateway(t, testConfig())
	req, err := http.NewRequest(http.MethodGet, gatewayURL+"/"+testToken+"/https/echo.example/", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_DNSRequiresPost(t *testing.T) {
	gatewayURL := startGateway(t, testConfig())
	for _, mode := range []string{"doh", "dot"} {
		t.Run(mode, func(t *testing.T) {
			resp, err := http.Get(gatewayURL + "/" + testToken + "/dns/" + mode)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandler_DNSOptionalServerSegmentAccepted(t *testing.T) {
	gatewayURL := startGateway(t, testConfig())
	resp, err := http.Get(gatewayURL + "/" + testToken + "/dns/dot/ignored.example")
	require.NoError(t, err)
	defer resp.Body.Close()
	// Still routed to the DNS handler: a GET gets the DNS 400, not a proxy
	// attempt toward a "dns" destination.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_UnknownStrategyIs500(t *testing.T) {
	defaultDst := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer defaultDst.Close()
	cfg := testConfig()
	cfg.DefaultDstURL = defaultDst.URL
	cfg.ProxyStrategy = "carrier-pigeon"
	gatewayURL := startGateway(t, cfg)
	resp, err := http.Get(gatewayURL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
