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

// Package socks5 implements the client side of the SOCKS Protocol Version 5
// as specified in [RFC 1928], with username/password authentication as
// specified in [RFC 1929].
//
// [RFC 1928]: https://datatracker.ietf.org/doc/html/rfc1928
// [RFC 1929]: https://datatracker.ietf.org/doc/html/rfc1929
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ReplyCode is a byte-unsigned number that represents a SOCKS error as
// indicated in the REP field of the server response.
type ReplyCode byte

// SOCKS reply codes, as enumerated in https://datatracker.ietf.org/doc/html/rfc1928#section-6.
const (
	ErrGeneralServerFailure          = ReplyCode(0x01)
	ErrConnectionNotAllowedByRuleset = ReplyCode(0x02)
	ErrNetworkUnreachable            = ReplyCode(0x03)
	ErrHostUnreachable               = ReplyCode(0x04)
	ErrConnectionRefused             = ReplyCode(0x05)
	ErrTTLExpired                    = ReplyCode(0x06)
	ErrCommandNotSupported           = ReplyCode(0x07)
	ErrAddressTypeNotSupported       = ReplyCode(0x08)
)

// SOCKS5 authentication methods, as specified in https://datatracker.ietf.org/doc/html/rfc1928#section-3
const (
	authMethodNoAuth       = 0x00
	authMethodUserPass     = 0x02
	authMethodNoAcceptable = 0xFF
)

var _ error = (ReplyCode)(0)

// Error returns a human-readable description of the error, based on the SOCKS5 RFC.
func (e ReplyCode) Error() string {
	switch e {
	case ErrGeneralServerFailure:
		return "general SOCKS server failure"
	case ErrConnectionNotAllowedByRuleset:
		return "connection not allowed by ruleset"
	case ErrNetworkUnreachable:
		return "network unreachable"
	case ErrHostUnreachable:
		return "host unreachable"
	case ErrConnectionRefused:
		return "connection refused"
	case ErrTTLExpired:
		return "TTL expired"
	case ErrCommandNotSupported:
		return "command not supported"
	case ErrAddressTypeNotSupported:
		return "address type not supported"
	default:
		return "reply code " + strconv.Itoa(int(e))
	}
}

// SOCKS address types defined at https://datatracker.ietf.org/doc/html/rfc1928#section-5
const (
	addrTypeIPv4       = 0x01
	addrTypeDomainName = 0x03
	addrTypeIPv6       = 0x04
)

// appendAddress adds the address to buffer b in SOCKS5 format,
// as specified in https://datatracker.ietf.org/doc/html/rfc1928#section-4
//
// The SOCKS address format is as follows:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//	+------+----------+----------+
func appendAddress(b []byte, address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, addrTypeIPv4)
			b = append(b, ip4...)
		} else if ip6 := ip.To16(); ip6 != nil {
			b = append(b, addrTypeIPv6)
			b = append(b, ip6...)
		} else {
			// This should never happen.
			return nil, errors.New("IP address not IPv4 or IPv6")
		}
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("domain name length = %v is over 255", len(host))
		}
		b = append(b, addrTypeDomainName)
		b = append(b, byte(len(host)))
		b = append(b, host...)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(portNum))
	return b, nil
}

// Endpoint is the location of a SOCKS5 proxy server, with optional
// username/password credentials.
type Endpoint struct {
	Username string
	Password string
	Hostname string
	Port     int
}

// Address returns the host:port dial address of the endpoint. An IPv6 host
// literal is bracketed.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Hostname, strconv.Itoa(e.Port))
}

// ParseEndpoint parses an endpoint in "[user:pass@]host:port" form.
// An IPv6 host literal must be bracketed, e.g. "[::1]:1080".
func ParseEndpoint(address string) (*Endpoint, error) {
	if address == "" {
		return nil, errors.New("empty SOCKS5 address")
	}
	var ep Endpoint
	hostport := address
	if at := strings.LastIndex(address, "@"); at >= 0 {
		userinfo := address[:at]
		hostport = address[at+1:]
		user, pass, found := strings.Cut(userinfo, ":")
		if !found {
			return nil, fmt.Errorf("invalid SOCKS5 credentials %q: missing password", userinfo)
		}
		// Percent-escapes are allowed so that ":" and "@" can appear in credentials.
		var err error
		if ep.Username, err = url.QueryUnescape(user); err != nil {
			return nil, fmt.Errorf("invalid SOCKS5 username: %w", err)
		}
		if ep.Password, err = url.QueryUnescape(pass); err != nil {
			return nil, fmt.Errorf("invalid SOCKS5 password: %w", err)
		}
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("invalid SOCKS5 address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid SOCKS5 port %q: %w", portStr, err)
	}
	ep.Hostname = host
	ep.Port = int(port)
	return &ep, nil
}
