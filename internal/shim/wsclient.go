// Copyright 2025 Tom Barlow
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

// Package shim bridges a stdio MCP session to a persistent WebSocket
// session against the daemon (C7), translating call_tool/list_tools and
// surfacing progress as it arrives.
package shim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/obslog"
	"github.com/tombee/exai-toolbridge/internal/timeouts"
	"github.com/tombee/exai-toolbridge/internal/toolregistry"
)

// ErrNotConnected is returned when a call is attempted while disconnected.
var ErrNotConnected = errors.New("shim: not connected to daemon")

// listToolsKey is the pending-call key used for the singleton in-flight
// list_tools request; the daemon never assigns it a request id.
const listToolsKey = "__list_tools__"

// reconnectBackoffs is the fixed retry schedule: 1s, 2s, 4s.
var reconnectBackoffs = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ClientConfig configures the WS client.
type ClientConfig struct {
	URL       string // e.g. ws://127.0.0.1:8765/ws
	Token     string
	SessionID string
	Logger    *slog.Logger
	Timeouts  *timeouts.Set
}

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Client maintains one persistent WS session to the daemon and multiplexes
// concurrent call_tool requests over it by request id.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	pending   map[string]*pendingCall
	progress  func(requestID string, ev any)

	closed bool
}

// NewClient creates a Client. It does not connect until Connect is called.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeouts == nil {
		if ts, err := timeouts.Load(nil); err == nil {
			cfg.Timeouts = ts
		}
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingCall),
	}
}

// OnProgress installs a callback invoked for every inbound progress message.
func (c *Client) OnProgress(fn func(requestID string, ev any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = fn
}

// Connect dials the daemon and completes the hello/hello_ack handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}

	hello := map[string]any{"op": "hello", "token": c.cfg.Token, "session_id": c.cfg.SessionID}
	data, _ := json.Marshal(hello)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello_ack: %w", err)
	}
	var ack struct {
		Op        string `json:"op"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Op != "hello_ack" {
		conn.Close()
		return errors.New("hello_ack not received")
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ack.SessionID
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// ConnectWithRetry attempts Connect up to len(reconnectBackoffs)+1 times,
// sleeping the fixed 1/2/4s schedule between attempts.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	var lastErr error
	if err := c.Connect(ctx); err == nil {
		return nil
	} else {
		lastErr = err
	}
	for _, backoff := range reconnectBackoffs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err := c.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("daemon unreachable after retries: %w", lastErr)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("daemon connection lost", obslog.Error(err))
			c.mu.Lock()
			c.closed = true
			pending := c.pending
			c.pending = make(map[string]*pendingCall)
			c.mu.Unlock()
			for _, p := range pending {
				p.errCh <- ErrNotConnected
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw json.RawMessage) {
	var env struct {
		Op        string `json:"op"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Op {
	case "progress":
		c.mu.Lock()
		cb := c.progress
		c.mu.Unlock()
		if cb != nil {
			var full struct {
				Data any `json:"data"`
			}
			json.Unmarshal(raw, &full)
			cb(env.RequestID, full.Data)
		}
	case "tools":
		c.completeCall(listToolsKey, raw, nil)
	case "call_tool_result":
		c.completeCall(env.RequestID, raw, nil)
	case "call_tool_error":
		var payload struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		json.Unmarshal(raw, &payload)
		c.completeCall(env.RequestID, nil, daemonerr.New(daemonerr.Kind(payload.Error.Kind), payload.Error.Message))
	}
}

func (c *Client) completeCall(requestID string, raw json.RawMessage, callErr error) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if callErr != nil {
		p.errCh <- callErr
		return
	}
	p.resultCh <- raw
}

// ensureConnected reconnects with the fixed 1/2/4s backoff schedule if a
// previously established connection was dropped, so a daemon restart does
// not permanently strand the shim. A client that has never connected
// (Connect was never called) fails fast instead of retrying here; that is
// the caller's responsibility via Connect/ConnectWithRetry.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	neverConnected := c.conn == nil && !c.closed
	stale := c.closed
	c.mu.Unlock()

	if neverConnected {
		return ErrNotConnected
	}
	if stale {
		return c.ConnectWithRetry(ctx)
	}
	return nil
}

// CallTool forwards a call_tool request and blocks for the matching result,
// bounded by the shim timeout layer (the next outer bound past the tool's
// own timeout, protecting against an unresponsive daemon).
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if c.cfg.Timeouts != nil {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeouts.ShimTimeout())
	}
	defer cancel()

	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	requestID := uuid.NewString()
	p := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	c.pending[requestID] = p
	conn := c.conn
	c.mu.Unlock()

	msg := map[string]any{"op": "call_tool", "name": name, "args": args, "request_id": requestID}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	select {
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, daemonerr.Timeout(daemonerr.LayerShim, name)
		}
		return nil, callCtx.Err()
	case err := <-p.errCh:
		return nil, err
	case raw := <-p.resultCh:
		var result struct {
			Content any `json:"content"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		return result.Content, nil
	}
}

// ListTools requests the daemon's tool inventory.
func (c *Client) ListTools(ctx context.Context) ([]toolregistry.Descriptor, error) {
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	p := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	c.pending[listToolsKey] = p
	c.mu.Unlock()

	msg := map[string]any{"op": "list_tools"}
	data, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-p.errCh:
		return nil, err
	case raw := <-p.resultCh:
		var result struct {
			Items []toolregistry.Descriptor `json:"items"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		return result.Items, nil
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
