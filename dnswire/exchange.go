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

// Package dnswire exchanges RFC 8484 wire-format DNS messages with upstream
// resolvers over TLS: length-prefixed per [RFC 7858] (DoT), as a hand-rolled
// HTTP/1.1 POST over a raw TLS stream, or through an [http.Client].
//
// [RFC 7858]: https://datatracker.ietf.org/doc/html/rfc7858
package dnswire

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/wizos/SpectreProxy/httpwire"
	"github.com/wizos/SpectreProxy/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// MIMEType is the media type of RFC 8484 DNS messages.
const MIMEType = "application/dns-message"

const maxMsgSize = 65535

// ValidateQuery checks that raw parses as a DNS message, so that malformed
// payloads are rejected before any upstream I/O.
func ValidateQuery(raw []byte) error {
	var msg dnsmessage.Message
	if err := msg.Unpack(raw); err != nil {
		return fmt.Errorf("not a DNS message: %w", err)
	}
	return nil
}

// SummarizeQuery renders the first question of the query for logging,
// e.g. "example.com. TypeA".
func SummarizeQuery(raw []byte) (string, error) {
	var msg dnsmessage.Message
	if err := msg.Unpack(raw); err != nil {
		return "", fmt.Errorf("not a DNS message: %w", err)
	}
	if len(msg.Questions) == 0 {
		return "no questions", nil
	}
	q := msg.Questions[0]
	return fmt.Sprintf("%v %v", q.Name, q.Type), nil
}

// ExchangeDoT sends the query to the resolver at resolverAddr ("host:port"),
// framed with a 2-byte big-endian length prefix, and returns the response
// message bytes. The dialer must produce the secured stream; the gateway
// passes a TLS-wrapping dialer.
func ExchangeDoT(ctx context.Context, dialer transport.StreamDialer, resolverAddr string, query []byte) ([]byte, error) {
	if len(query) > maxMsgSize {
		return nil, fmt.Errorf("query too large: %v bytes", len(query))
	}
	conn, err := dialer.DialStream(ctx, resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DoT server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(query)), uint16(len(query)))
	buf = append(buf, query...)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write query: %w", err)
	}
	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read response length: %w", err)
	}
	response := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return response, nil
}

// ExchangeDoHRaw sends the query as an RFC 8484 POST over a raw stream to
// the resolver at resolverAddr, using a hand-rolled HTTP/1.1 exchange with
// "Connection: close", and returns the response body bytes. The dialer must
// produce the secured stream; the gateway passes a TLS-wrapping dialer.
func ExchangeDoHRaw(ctx context.Context, dialer transport.StreamDialer, resolverAddr, path string, query []byte) ([]byte, error) {
	host, _, err := net.SplitHostPort(resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid resolver address: %w", err)
	}
	conn, err := dialer.DialStream(ctx, resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DoH server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	header := make(http.Header)
	header.Set("Host", host)
	header.Set("Content-Type", MIMEType)
	header.Set("Accept", MIMEType)
	header.Set("Content-Length", strconv.Itoa(len(query)))
	header.Set("Connection", "close")
	if err := httpwire.WriteRequest(conn, http.MethodPost, path, header, bytes.NewReader(query)); err != nil {
		return nil, fmt.Errorf("failed to write query: %w", err)
	}
	resp, err := httpwire.ReadResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH server returned status %v", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// ExchangeDoH sends the query to url with the given [http.Client]. It is the
// high-level path, and the fallback for both ExchangeDoT and ExchangeDoHRaw.
func ExchangeDoH(ctx context.Context, client *http.Client, url string, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", MIMEType)
	req.Header.Set("Accept", MIMEType)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH server returned status %v", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}
