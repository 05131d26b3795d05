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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wizos/SpectreProxy/transport"
)

// StreamDialer routes stream connections through a SOCKS5 proxy.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	username      []byte
	password      []byte
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [transport.StreamDialer] that routes connections
// to a SOCKS5 proxy listening at the given [transport.StreamEndpoint].
func NewStreamDialer(endpoint transport.StreamEndpoint) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	return &StreamDialer{proxyEndpoint: endpoint}, nil
}

// SetCredentials sets the username and password to offer during the
// [RFC 1929] sub-negotiation, if the server selects it.
//
// [RFC 1929]: https://datatracker.ietf.org/doc/html/rfc1929
func (c *StreamDialer) SetCredentials(username, password []byte) error {
	if len(username) == 0 || len(username) > 255 {
		return fmt.Errorf("username length %v must be within 1-255 bytes", len(username))
	}
	if len(password) == 0 || len(password) > 255 {
		return fmt.Errorf("password length %v must be within 1-255 bytes", len(password))
	}
	c.username = username
	c.password = password
	return nil
}

// DialStream implements [transport.StreamDialer].DialStream using SOCKS5.
//
// The greeting always offers both NO AUTHENTICATION REQUIRED and
// USERNAME/PASSWORD, in that order; the server chooses. The returned [error]
// wraps a [ReplyCode] if the server sends a SOCKS error reply code, which you
// can check against the error constants in this package using [errors.Is].
func (c *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	proxyConn, err := c.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS5 proxy: %w", err)
	}
	dialSuccess := false
	defer func() {
		if !dialSuccess {
			proxyConn.Close()
		}
	}()

	// Method selection: VER = 5, NMETHODS = 2, METHODS = {no auth, username/password}.
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	// | 1  |    1     | 1 to 255 |
	// +----+----------+----------+
	// Large enough for the connect request with a 255-byte domain name, and
	// for the credentials sub-negotiation.
	var buffer [520]byte
	if _, err := proxyConn.Write([]byte{5, 2, authMethodNoAuth, authMethodUserPass}); err != nil {
		return nil, fmt.Errorf("failed to write greeting: %w", err)
	}
	if _, err := io.ReadFull(proxyConn, buffer[:2]); err != nil {
		return nil, fmt.Errorf("failed to read method server response: %w", err)
	}
	if buffer[0] != 5 {
		return nil, fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}
	switch buffer[1] {
	case authMethodNoAuth:
		// No authentication required.
	case authMethodUserPass:
		if err := c.authenticate(proxyConn, buffer[:]); err != nil {
			return nil, err
		}
	case authMethodNoAcceptable:
		return nil, errors.New("no acceptable methods")
	default:
		return nil, fmt.Errorf("unsupported SOCKS authentication method %v", buffer[1])
	}

	// Connect request:
	// VER = 5, CMD = 1 (connect), RSV = 0, DST.ADDR, DST.PORT
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	b := append(buffer[:0], 5, 1, 0)
	b, err = appendAddress(b, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 address: %w", err)
	}
	if _, err := proxyConn.Write(b); err != nil {
		return nil, fmt.Errorf("failed to write connect request: %w", err)
	}

	// Connect response: VER, REP, RSV, ATYP, BND.ADDR, BND.PORT.
	// See https://datatracker.ietf.org/doc/html/rfc1928#section-6.
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	if _, err := io.ReadFull(proxyConn, buffer[:4]); err != nil {
		return nil, fmt.Errorf("failed to read connect server response: %w", err)
	}
	if buffer[0] != 5 {
		return nil, fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}
	if buffer[1] != 0 {
		return nil, fmt.Errorf("fail to open socks connection: %w", ReplyCode(buffer[1]))
	}

	// Read and discard the bound address and port.
	var bndAddrLen int
	switch buffer[3] {
	case addrTypeIPv4:
		bndAddrLen = 4
	case addrTypeIPv6:
		bndAddrLen = 16
	case addrTypeDomainName:
		if _, err := io.ReadFull(proxyConn, buffer[:1]); err != nil {
			return nil, fmt.Errorf("failed to read address length in connect response: %w", err)
		}
		bndAddrLen = int(buffer[0])
	default:
		return nil, fmt.Errorf("invalid address type %v", buffer[3])
	}
	if _, err := io.ReadFull(proxyConn, buffer[:bndAddrLen+2]); err != nil {
		return nil, fmt.Errorf("failed to read bound address: %w", err)
	}
	dialSuccess = true
	return proxyConn, nil
}

// authenticate performs the username/password sub-negotiation:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
func (c *StreamDialer) authenticate(proxyConn transport.StreamConn, buffer []byte) error {
	if c.username == nil {
		return errors.New("server requires credentials but none are configured")
	}
	b := append(buffer[:0], 1)
	b = append(b, byte(len(c.username)))
	b = append(b, c.username...)
	b = append(b, byte(len(c.password)))
	b = append(b, c.password...)
	if _, err := proxyConn.Write(b); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if _, err := io.ReadFull(proxyConn, buffer[:2]); err != nil {
		return fmt.Errorf("failed to read authentication response: %w", err)
	}
	if buffer[0] != 1 {
		return fmt.Errorf("invalid authentication version %v. Expected 1", buffer[0])
	}
	if buffer[1] != 0 {
		return fmt.Errorf("authentication failed: %v", buffer[1])
	}
	return nil
}
