// Copyright 2025 The Gobby Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/mcptools"
)

const (
	wsPingPeriod  = 30 * time.Second
	wsIdleTimeout = 60 * time.Second
	wsWriteWait   = 10 * time.Second
)

// wsMessage is the envelope for both directions.
type wsMessage struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Server    string         `json:"server,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Event     *bus.Event     `json:"event,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Hub upgrades WebSocket clients and fans bus events out to them. Inbound
// messages carry tool calls and pings; everything else is an error frame.
type Hub struct {
	bus      *bus.Bus
	registry *mcptools.Registry
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub wires a hub.
func NewHub(b *bus.Bus, registry *mcptools.Registry, metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:      b,
		registry: registry,
		metrics:  metrics,
		logger:   log.WithComponent(logger, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The listener is loopback-only; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades one client connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	h.metrics.wsClients.Inc()
	defer h.metrics.wsClients.Dec()

	sub := h.bus.Subscribe()
	defer sub.Close()

	// outbound serializes all writes to the connection.
	outbound := make(chan wsMessage, 64)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(ctx, conn, sub, outbound)
	h.readPump(ctx, conn, outbound)
}

// readPump consumes client frames until the connection dies or goes idle.
func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, outbound chan<- wsMessage) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", log.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		switch msg.Type {
		case "ping":
			h.send(ctx, outbound, wsMessage{Type: "pong", ID: msg.ID})
		case "tool_call":
			// Tool calls run inline; the store serializes writes anyway and
			// a client waits for its own result.
			result, err := h.registry.Call(ctx, msg.Server, msg.Tool, msg.SessionID, msg.Args)
			h.metrics.ObserveToolCall(msg.Server, err)
			reply := wsMessage{Type: "tool_result", ID: msg.ID}
			ok := err == nil
			reply.Success = &ok
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Result = result
			}
			h.send(ctx, outbound, reply)
		default:
			h.send(ctx, outbound, wsMessage{
				Type: "error", ID: msg.ID,
				Error: "unknown message type " + msg.Type,
			})
		}
	}
}

// writePump owns the write side: bus fan-out, replies, and keepalive pings.
func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, outbound <-chan wsMessage) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, wsMessage{Type: "session_update", Event: &ev}); err != nil {
				return
			}
		case msg := <-outbound:
			if err := h.writeJSON(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeJSON(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) send(ctx context.Context, outbound chan<- wsMessage, msg wsMessage) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}
