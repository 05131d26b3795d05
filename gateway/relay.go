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
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wizos/SpectreProxy/wswire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The token gate already ran; the relay accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

const closeGracePeriod = 5 * time.Second

// relayWebSocket accepts the client side of the session and shuttles
// messages between it and the already-handshaken upstream connection until
// either side closes. Each direction runs in its own goroutine; the first
// error tears both sides down.
func relayWebSocket(w http.ResponseWriter, r *http.Request, upstream *wswire.Conn, logger *slog.Logger) error {
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		upstream.Close()
		logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		defer client.Close()
		return relayUpstreamToClient(client, upstream)
	})
	g.Go(func() error {
		defer upstream.Close()
		return relayClientToUpstream(client, upstream)
	})
	if err := g.Wait(); err != nil {
		logger.Debug("websocket relay ended", "error", err)
	}
	client.Close()
	upstream.Close()
	return nil
}

// relayUpstreamToClient parses upstream frames, reassembles fragmented
// messages, and forwards data messages to the client with the upstream's
// opcode preserved. A remote close frame closes the client with code 1000.
func relayUpstreamToClient(client *websocket.Conn, upstream *wswire.Conn) error {
	var assembler wswire.Assembler
	for {
		frame, err := upstream.ReadFrame()
		if err != nil {
			return fmt.Errorf("upstream read failed: %w", err)
		}
		if frame.IsControl() {
			switch frame.Opcode {
			case wswire.OpcodeClose:
				deadline := time.Now().Add(closeGracePeriod)
				client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(wswire.CloseNormal, ""), deadline)
				return nil
			case wswire.OpcodePing:
				if err := upstream.WritePong(frame.Payload); err != nil {
					return err
				}
			case wswire.OpcodePong:
				// Ignored.
			default:
				return fmt.Errorf("unsupported control opcode %#x", frame.Opcode)
			}
			continue
		}
		msg, err := assembler.Push(frame)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		if err := client.WriteMessage(int(msg.Opcode), msg.Payload); err != nil {
			return fmt.Errorf("client write failed: %w", err)
		}
	}
}

// relayClientToUpstream forwards client messages upstream, masked, with the
// client's opcode preserved. A client disconnect closes the upstream socket
// immediately via the deferred Close in the caller.
func relayClientToUpstream(client *websocket.Conn, upstream *wswire.Conn) error {
	for {
		msgType, payload, err := client.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				upstream.WriteClose(wswire.CloseNormal)
				return nil
			}
			return fmt.Errorf("client read failed: %w", err)
		}
		if err := upstream.WriteMessage(byte(msgType), payload); err != nil {
			return fmt.Errorf("upstream write failed: %w", err)
		}
	}
}
