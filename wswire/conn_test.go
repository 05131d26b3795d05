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
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer reads the client handshake from conn and replies with status,
// optionally computing a correct Sec-WebSocket-Accept.
func fakeServer(t *testing.T, conn net.Conn, status string, sendAccept bool, gotRequest chan<- http.Header) {
	t.Helper()
	br := bufio.NewReader(conn)
	requestLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(requestLine, "GET "))
	header := make(http.Header)
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		require.True(t, found)
		header.Add(name, strings.TrimLeft(value, " "))
	}
	reply := status + "\r\n"
	if sendAccept {
		h := sha1.Sum([]byte(header.Get("Sec-WebSocket-Key") + keyGUID))
		reply += "Sec-WebSocket-Accept: " + base64.StdEncoding.EncodeToString(h[:]) + "\r\n"
	}
	reply += "\r\n"
	_, err = conn.Write([]byte(reply))
	require.NoError(t, err)
	if gotRequest != nil {
		gotRequest <- header
	}
}

func TestHandshake(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	gotRequest := make(chan http.Header, 1)
	go fakeServer(t, serverSide, "HTTP/1.1 101 Switching Protocols", true, gotRequest)

	conn := NewConn(clientSide)
	dstURL, err := url.Parse("wss://echo.example/chat?room=1")
	require.NoError(t, err)
	extra := make(http.Header)
	extra.Set("Authorization", "Bearer tok")
	extra.Set("Connection", "close") // must be ignored
	require.NoError(t, conn.Handshake(dstURL, extra))

	header := <-gotRequest
	assert.Equal(t, "echo.example", header.Get("Host"))
	assert.Equal(t, "Upgrade", header.Get("Connection"))
	assert.Equal(t, "websocket", header.Get("Upgrade"))
	assert.Equal(t, "13", header.Get("Sec-WebSocket-Version"))
	assert.Equal(t, "Bearer tok", header.Get("Authorization"))
	key, err := base64.StdEncoding.DecodeString(header.Get("Sec-WebSocket-Key"))
	require.NoError(t, err)
	assert.Len(t, key, 16)
}

func TestHandshake_Rejected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go fakeServer(t, serverSide, "HTTP/1.1 403 Forbidden", false, nil)

	conn := NewConn(clientSide)
	dstURL, _ := url.Parse("ws://echo.example/")
	err := conn.Handshake(dstURL, nil)
	require.ErrorContains(t, err, "rejected")
}

func TestHandshake_RequiresSwitchingProtocols(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go fakeServer(t, serverSide, "HTTP/1.1 101 Who Knows", false, nil)

	conn := NewConn(clientSide)
	dstURL, _ := url.Parse("ws://echo.example/")
	err := conn.Handshake(dstURL, nil)
	require.Error(t, err)
}

func TestHandshake_BadAccept(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go func() {
		br := bufio.NewReader(serverSide)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		serverSide.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nSec-WebSocket-Accept: bogus\r\n\r\n"))
	}()

	conn := NewConn(clientSide)
	dstURL, _ := url.Parse("ws://echo.example/")
	err := conn.Handshake(dstURL, nil)
	require.ErrorContains(t, err, "Sec-WebSocket-Accept")
}

func TestConn_WriteAndReadFrames(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConn(clientSide)

	go func() {
		// Echo the client's first frame back unmasked, then a close frame.
		frame, err := readFrame(bufio.NewReader(serverSide))
		if err != nil {
			return
		}
		raw := []byte{0x80 | frame.Opcode, byte(len(frame.Payload))}
		raw = append(raw, frame.Payload...)
		raw = append(raw, 0x88, 0x00)
		serverSide.Write(raw)
	}()

	require.NoError(t, conn.WriteMessage(OpcodeText, []byte("hi")))
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpcodeText, frame.Opcode)
	assert.Equal(t, "hi", string(frame.Payload))
	frame, err = conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpcodeClose, frame.Opcode)
}
