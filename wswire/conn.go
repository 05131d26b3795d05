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

package wswire

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// keyGUID is the fixed GUID the server appends to the key when computing
// Sec-WebSocket-Accept. https://datatracker.ietf.org/doc/html/rfc6455#section-1.3
const keyGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Conn is a client-side WebSocket connection over a byte stream.
// It is created unopened; Handshake must succeed before frames are exchanged.
//
// One reader and any number of writers may use a Conn concurrently; writes
// are serialized so frames never interleave on the stream.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	// wmu serializes frame writes.
	wmu sync.Mutex
}

// NewConn wraps an established stream, typically a raw TCP or TLS connection.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, br: bufio.NewReader(rwc)}
}

// Handshake performs the client opening handshake for dstURL, which must have
// scheme "ws" or "wss". extra headers are sent after the required handshake
// headers; Host, Connection, Upgrade and the Sec-WebSocket-* keys in extra are
// ignored to keep the handshake well-formed.
//
// The server reply must carry both "101" and "Switching Protocols" in its
// status line. When the server sends Sec-WebSocket-Accept, it is verified
// against the sent key.
func (c *Conn) Handshake(dstURL *url.URL, extra http.Header) error {
	var keyBytes [16]byte
	if _, err := rand.Read(keyBytes[:]); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(keyBytes[:])

	requestURI := dstURL.Path
	if requestURI == "" {
		requestURI = "/"
	}
	if dstURL.RawQuery != "" {
		requestURI += "?" + dstURL.RawQuery
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", requestURI)
	fmt.Fprintf(&sb, "Host: %s\r\n", dstURL.Host)
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Sec-WebSocket-Version: 13\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Key: %s\r\n", key)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Connection", "Upgrade":
			continue
		}
		if strings.HasPrefix(http.CanonicalHeaderKey(k), "Sec-Websocket-") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range extra[k] {
			fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
		}
	}
	sb.WriteString("\r\n")
	if _, err := io.WriteString(c.rwc, sb.String()); err != nil {
		return fmt.Errorf("failed to write handshake: %w", err)
	}

	statusLine, header, err := c.readReply()
	if err != nil {
		return err
	}
	if !strings.Contains(statusLine, "101") || !strings.Contains(statusLine, "Switching Protocols") {
		return fmt.Errorf("websocket handshake rejected: %q", statusLine)
	}
	if accept := header.Get("Sec-WebSocket-Accept"); accept != "" {
		h := sha1.Sum([]byte(key + keyGUID))
		if accept != base64.StdEncoding.EncodeToString(h[:]) {
			return fmt.Errorf("websocket handshake failed: bad Sec-WebSocket-Accept %q", accept)
		}
	}
	return nil
}

// readReply consumes the server handshake reply up to the blank line.
func (c *Conn) readReply() (string, http.Header, error) {
	statusLine, err := c.readLine()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read handshake reply: %w", err)
	}
	header := make(http.Header)
	for {
		line, err := c.readLine()
		if err != nil {
			return "", nil, fmt.Errorf("failed to read handshake reply: %w", err)
		}
		if line == "" {
			return statusLine, header, nil
		}
		if name, value, found := strings.Cut(line, ":"); found {
			header.Add(name, strings.TrimLeft(value, " \t"))
		}
	}
}

func (c *Conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Conn) writeFrame(opcode byte, payload []byte) error {
	frame, err := appendFrame(make([]byte, 0, len(payload)+8), opcode, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessage packs payload into a single masked frame with the given data
// opcode and writes it upstream.
func (c *Conn) WriteMessage(opcode byte, payload []byte) error {
	return c.writeFrame(opcode, payload)
}

// WriteClose sends a close frame with the given status code.
func (c *Conn) WriteClose(code uint16) error {
	return c.writeFrame(OpcodeClose, binary.BigEndian.AppendUint16(nil, code))
}

// WritePong answers a ping with the same payload.
func (c *Conn) WritePong(payload []byte) error {
	return c.writeFrame(OpcodePong, payload)
}

// ReadFrame parses the next frame from the upstream.
func (c *Conn) ReadFrame() (*Frame, error) {
	return readFrame(c.br)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
