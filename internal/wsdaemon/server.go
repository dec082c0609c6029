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

// Package wsdaemon is the WebSocket daemon (C7): it authenticates clients,
// maintains per-connection sessions, enforces concurrency limits, and
// dispatches tool calls through the circuit breaker down to the opaque
// tool registry.
package wsdaemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/exai-toolbridge/internal/daemonconfig"
	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/dedup"
	"github.com/tombee/exai-toolbridge/internal/degrade"
	"github.com/tombee/exai-toolbridge/internal/eventlog"
	"github.com/tombee/exai-toolbridge/internal/heartbeat"
	"github.com/tombee/exai-toolbridge/internal/metrics"
	"github.com/tombee/exai-toolbridge/internal/obslog"
	"github.com/tombee/exai-toolbridge/internal/provider"
	"github.com/tombee/exai-toolbridge/internal/session"
	"github.com/tombee/exai-toolbridge/internal/toolregistry"
)

var (
	// ErrServerClosed is returned when operations are attempted on a closed server.
	ErrServerClosed = errors.New("wsdaemon: server closed")
)

// Server is the WebSocket daemon.
type Server struct {
	cfg       daemonconfig.Config
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	validator *TokenValidator

	sessions   *session.Manager
	executor   *degrade.Executor
	dedup      *dedup.Dedup
	events     *eventlog.Log
	heartbeats *heartbeat.Tracker
	registry   toolregistry.Registry
	providers  map[provider.Name]provider.Provider
	semas      *Group

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool
	startTime  time.Time

	connMu      sync.RWMutex
	connSession map[*websocket.Conn]string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Server from daemon configuration and the opaque registry and
// providers it will dispatch to.
func New(cfg daemonconfig.Config, registry toolregistry.Registry, providers map[provider.Name]provider.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validator: NewTokenValidator(cfg.AuthToken, cfg.PrevAuthToken),
		sessions: session.New(session.Config{
			SessionTimeout:        cfg.SessionTimeout,
			MaxConcurrentSessions: cfg.SessionMaxTotal,
			CleanupInterval:       cfg.SessionCleanup,
			Logger:                logger,
		}),
		executor: degrade.New(degrade.Config{
			FailureThreshold: uint32(cfg.CircuitFailureThreshold),
			RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
			Logger:           logger,
		}),
		dedup:       dedup.New(),
		events:      eventlog.New(cfg.LogDir, logger),
		heartbeats:  heartbeat.NewTracker(),
		registry:    registry,
		providers:   providers,
		semas:       NewGroup(cfg.SessionMaxInflight, cfg.GlobalMaxInflight, cfg.GLMMaxInflight, cfg.KimiMaxInflight),
		connSession: make(map[*websocket.Conn]string),
		shutdownCh:  make(chan struct{}),
	}
}

// Start binds the listener, begins serving, and launches the background
// session sweep and health-file writer. It returns once the listener is
// bound; serving continues in background goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return daemonerr.Wrap(daemonerr.KindConfig, "bind failed", err)
	}
	s.listener = listener
	s.startTime = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHTTPHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wsdaemon serve error", obslog.Error(err))
		}
	}()

	s.sessions.StartSweep()
	go s.writeHealthFileLoop()

	s.logger.Info("wsdaemon started", obslog.String("addr", addr))
	return nil
}

// Port returns the bound port, or 0 if not started.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) handleHTTPHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	status := http.StatusOK
	if closed {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(s.healthSnapshot())
}

func (s *Server) healthSnapshot() map[string]any {
	return map[string]any{
		"pid":      os.Getpid(),
		"sessions": len(s.sessions.ListIDs()),
		"uptime_s": time.Since(s.startTime).Seconds(),
		"ts":       time.Now().Unix(),
	}
}

func (s *Server) writeHealthFileLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	path := filepath.Join(s.cfg.LogDir, "ws_daemon.health.json")
	for {
		select {
		case <-ticker.C:
			s.writeHealthFile(path)
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Server) writeHealthFile(path string) {
	data, err := json.Marshal(s.healthSnapshot())
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		s.logger.Error("failed to create health file dir", obslog.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Error("failed to write health file", obslog.Error(err))
	}
}

// handleWebSocket upgrades the connection; authentication happens on the
// first inbound "hello" message rather than at upgrade time, per the wire
// protocol.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", obslog.Error(err))
		return
	}

	go s.handleConnection(conn, r.RemoteAddr)
}

func (s *Server) handleConnection(conn *websocket.Conn, remoteAddr string) {
	defer func() {
		s.connMu.Lock()
		sessionID := s.connSession[conn]
		delete(s.connSession, conn)
		s.connMu.Unlock()

		if sessionID != "" {
			s.sessions.Remove(sessionID)
		}
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-s.shutdownCh:
				return
			}
		}
	}()

	sess, err := s.authenticate(conn, remoteAddr)
	if err != nil {
		s.logger.Warn("authentication failed", obslog.String("remote", remoteAddr), obslog.Error(err))
		return
	}

	s.connMu.Lock()
	s.connSession[conn] = sess.ID
	s.connMu.Unlock()

	s.writeJSON(conn, HelloAck{Op: opHelloAck, SessionID: sess.ID})

	for {
		var msg InboundMessage
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.writeJSON(conn, CallToolError{Op: opToolError, Error: ErrorPayload{Kind: "internal", Message: "malformed message"}})
			continue
		}

		s.sessions.UpdateActivity(sess.ID)

		switch msg.Op {
		case opListTools:
			s.handleListTools(conn)
		case opCallTool:
			go s.handleCallTool(conn, sess.ID, msg)
		case opHealth:
			s.handleHealth(conn)
		case opShutdown:
			return
		default:
			s.writeJSON(conn, CallToolError{Op: opToolError, Error: ErrorPayload{Kind: "internal", Message: "unknown op: " + msg.Op}})
		}
	}
}

func (s *Server) authenticate(conn *websocket.Conn, remoteAddr string) (*session.Session, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var hello InboundMessage
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Op != opHello {
		return nil, ErrAuthenticationFailed
	}

	if s.cfg.AuthToken != "" {
		if err := s.validator.Validate(hello.Token, remoteAddr); err != nil {
			return nil, err
		}
	}

	sess, err := s.sessions.Ensure(hello.SessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Server) handleListTools(conn *websocket.Conn) {
	descriptors := s.registry.List()
	items := make([]any, len(descriptors))
	for i, d := range descriptors {
		items[i] = d
	}
	s.writeJSON(conn, ListToolsResult{Op: opTools, Items: items})
}

func (s *Server) handleHealth(conn *websocket.Conn) {
	snapshot := map[string]any{
		"session_metrics": s.sessions.Metrics(),
		"sessions_in_use": s.semas.Session.InUse(),
		"global_in_use":   s.semas.Global.InUse(),
	}
	s.writeJSON(conn, HealthAck{Op: opHealthAck, Metrics: snapshot})
}

// handleCallTool runs the full tool-call pipeline: semaphore acquisition,
// circuit-breaker-guarded invocation, progress heartbeats, and structured
// logging, then writes the result or typed error back to the client.
func (s *Server) handleCallTool(conn *websocket.Conn, sessionID string, msg InboundMessage) {
	requestID := msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	timeout := s.toolTimeout(msg.Name)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.DaemonTimeout())
	defer cancel()

	if err := s.semas.Session.Acquire(ctx); err != nil {
		s.writeToolError(conn, requestID, err)
		return
	}
	defer s.semas.Session.Release()

	if err := s.semas.Global.Acquire(ctx); err != nil {
		s.writeToolError(conn, requestID, err)
		return
	}
	defer s.semas.Global.Release()

	if providerSema := s.providerSemaphore(msg.Args); providerSema != nil {
		if err := providerSema.Acquire(ctx); err != nil {
			s.writeToolError(conn, requestID, err)
			return
		}
		defer providerSema.Release()
	}

	s.events.ToolStart(msg.Name, requestID, msg.Args)
	start := time.Now()

	hb := s.heartbeats.Start(requestID, 6*time.Second, func(ev heartbeat.Event) {
		s.writeJSON(conn, ProgressEnvelope{Op: opProgress, RequestID: requestID, Data: ev})
		step, total := 0, 0
		if ev.Step != nil {
			step = *ev.Step
		}
		if ev.TotalSteps != nil {
			total = *ev.TotalSteps
		}
		s.events.ToolProgress(msg.Name, requestID, step, total, ev.Message, ev.Metadata)
	})
	defer s.heartbeats.Stop(requestID)

	callCtx, callCancel := context.WithTimeout(context.Background(), timeout)
	defer callCancel()
	callCtx = toolregistry.WithHeartbeat(callCtx, func(message string, metadata map[string]any) {
		hb.Send(message, metadata)
	})
	callCtx = toolregistry.WithExpertValidate(callCtx, func(ctx context.Context, tool, rid string, findings any, compute func(context.Context) (any, error)) (any, error) {
		s.events.ExpertStart(tool, rid, fmt.Sprintf("%v", findings))
		vStart := time.Now()
		result, err := s.dedup.Validate(ctx, tool, rid, findings, dedup.Compute(compute))
		s.events.ExpertComplete(tool, rid, time.Since(vStart), fmt.Sprintf("%v", result))
		return result, err
	})
	callCtx = toolregistry.WithProviders(callCtx, func(name provider.Name) (provider.Provider, bool) {
		p, ok := s.providers[name]
		return p, ok
	})

	maxRetries := 2
	if s.registry.IsWorkflow(msg.Name) {
		maxRetries = 0
	}
	result, err := s.executor.ExecuteWithFallback(callCtx, func(ctx context.Context) (any, error) {
		return s.registry.Invoke(ctx, msg.Name, msg.Args)
	}, nil, timeout, maxRetries, msg.Name)

	if err != nil {
		s.events.ToolError(msg.Name, requestID, err, "", nil)
		metrics.RecordToolCall(msg.Name, outcomeFor(err), time.Since(start).Seconds())
		s.writeToolError(conn, requestID, err)
		return
	}

	s.events.ToolComplete(msg.Name, requestID, time.Since(start), fmt.Sprintf("%v", result), nil)
	metrics.RecordToolCall(msg.Name, "ok", time.Since(start).Seconds())
	s.writeJSON(conn, CallToolResult{Op: opToolResult, RequestID: requestID, Content: result})
}

// outcomeFor maps a call_tool error to a coarse metrics label.
func outcomeFor(err error) string {
	var de *daemonerr.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case daemonerr.KindCircuitOpen:
			return "circuit_open"
		case daemonerr.KindOverloaded:
			return "overloaded"
		case daemonerr.KindTimeout:
			return "timeout"
		}
	}
	return "error"
}

func (s *Server) toolTimeout(name string) time.Duration {
	if s.registry.IsWorkflow(name) {
		return s.cfg.Timeouts.WorkflowTool
	}
	return s.cfg.Timeouts.SimpleTool
}

func (s *Server) providerSemaphore(args map[string]any) *Semaphore {
	p, ok := args["provider"].(string)
	if !ok {
		return nil
	}
	switch provider.Name(p) {
	case provider.GLM:
		return s.semas.GLM
	case provider.Kimi, provider.KimiWebSearch:
		return s.semas.Kimi
	default:
		return nil
	}
}

func (s *Server) writeToolError(conn *websocket.Conn, requestID string, err error) {
	kind := "internal"
	message := err.Error()
	var derr *daemonerr.Error
	if errors.As(err, &derr) {
		kind = string(derr.Kind)
	}
	s.writeJSON(conn, CallToolError{Op: opToolError, RequestID: requestID, Error: ErrorPayload{Kind: kind, Message: message}})
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal outbound message", obslog.Error(err))
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("write failed", obslog.Error(err))
	}
}

// Shutdown gracefully stops the server, closing all connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.sessions.Stop()
		s.events.Close()

		s.connMu.Lock()
		for conn := range s.connSession {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
			conn.Close()
		}
		s.connMu.Unlock()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
		s.logger.Info("wsdaemon shutdown complete")
	})
	return shutdownErr
}
