// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds each connection's outbound queue. Per spec §5
// ("subscription sets are unbounded... closed sockets are pruned
// opportunistically on the write path") and the design notes'
// "back-pressure via drop-oldest with a warning" guidance, a slow
// reader drops its oldest queued notification rather than blocking
// the emitting session's single event-ordering goroutine.
const sendBufferSize = 256

const writeDeadline = 10 * time.Second

// connection owns one client WebSocket. readPump and writePump are
// the two tasks spec §5 assigns per socket: "one reader task per
// client socket plus a shared write path serialized per socket."
type connection struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	subscriptions map[string]func() // session id -> cancel
}

func newConnection(id string, conn *websocket.Conn, server *Server, logger *slog.Logger) *connection {
	return &connection{
		id:            id,
		conn:          conn,
		server:        server,
		logger:        logger,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		subscriptions: map[string]func(){},
	}
}

// closeDone signals the connection is finished, idempotently.
func (c *connection) closeDone() {
	c.once.Do(func() { close(c.done) })
}

// enqueue sends a frame without blocking. On a full queue it drops
// the oldest queued frame and retries once, logging the drop — this
// is the bounded-channel, drop-oldest back-pressure policy from
// spec §9's design notes, adapted from the teacher's sendToViewer.
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	case <-c.done:
		return
	default:
	}

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.logger.Warn("connection send buffer saturated, dropping frame", "connection", c.id)
	}
}

func (c *connection) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshaling outbound frame failed", "connection", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *connection) writePump() {
	defer func() {
		c.closeDone()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write failed, closing connection", "connection", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) readPump(ctx context.Context) {
	defer func() {
		c.closeDone()
		c.conn.Close()
		c.server.detach(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueueJSON(errorResponse(nil, codeParseError, "invalid JSON-RPC frame"))
			continue
		}

		// In-flight requests are not individually cancellable per
		// spec §5; a generous server-side deadline bounds each one.
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, alreadySent := c.server.dispatch(reqCtx, c, req)
		cancel()

		if req.IsNotification() || alreadySent {
			continue
		}
		c.enqueueJSON(resp)
	}
}

// addSubscription records cancel under sessionID, replacing (and
// cancelling) any prior subscription for the same session on this
// connection — session.subscribe is idempotent per connection.
func (c *connection) addSubscription(sessionID string, cancel func()) {
	c.mu.Lock()
	if existing, ok := c.subscriptions[sessionID]; ok {
		existing()
	}
	c.subscriptions[sessionID] = cancel
	c.mu.Unlock()
}

func (c *connection) removeSubscription(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.subscriptions[sessionID]
	if !ok {
		return false
	}
	cancel()
	delete(c.subscriptions, sessionID)
	return true
}

// cancelAllSubscriptions is called on disconnect: it cancels this
// connection's own subscriptions only, never touching other sockets'
// subscriptions or the running session itself (spec §5: "client
// disconnect cancels only its subscriptions; it does not stop running
// sessions").
func (c *connection) cancelAllSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sessionID, cancel := range c.subscriptions {
		cancel()
		delete(c.subscriptions, sessionID)
	}
}
