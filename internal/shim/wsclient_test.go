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

package shim

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/timeouts"
)

type fakeDaemon struct {
	upgrader     websocket.Upgrader
	onCall       func(name string, args map[string]any) any
	sendProgress bool
	callDelay    time.Duration
}

func newFakeDaemon() (*httptest.Server, *fakeDaemon) {
	fd := &fakeDaemon{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fd.handle)
	srv := httptest.NewServer(mux)
	return srv, fd
}

func (f *fakeDaemon) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Op        string         `json:"op"`
			Name      string         `json:"name"`
			Args      map[string]any `json:"args"`
			RequestID string         `json:"request_id"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Op {
		case "hello":
			ack := map[string]any{"op": "hello_ack", "session_id": "sess-1"}
			data, _ := json.Marshal(ack)
			conn.WriteMessage(websocket.TextMessage, data)
		case "list_tools":
			result := map[string]any{"op": "tools", "items": []map[string]any{{"name": "chat", "description": "chat tool"}}}
			data, _ := json.Marshal(result)
			conn.WriteMessage(websocket.TextMessage, data)
		case "call_tool":
			if f.callDelay > 0 {
				time.Sleep(f.callDelay)
			}
			if f.sendProgress {
				progress := map[string]any{"op": "progress", "request_id": msg.RequestID, "data": map[string]any{"message": "working"}}
				data, _ := json.Marshal(progress)
				conn.WriteMessage(websocket.TextMessage, data)
			}
			var content any = "ok"
			if f.onCall != nil {
				content = f.onCall(msg.Name, msg.Args)
			}
			result := map[string]any{"op": "call_tool_result", "request_id": msg.RequestID, "content": content}
			data, _ := json.Marshal(result)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):] + "/ws"
}

func TestClient_ConnectAndListTools(t *testing.T) {
	srv, _ := newFakeDaemon()
	defer srv.Close()

	client := NewClient(ClientConfig{URL: wsURL(srv.URL)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "chat", tools[0].Name)
}

func TestClient_CallToolRoundTrip(t *testing.T) {
	srv, fd := newFakeDaemon()
	defer srv.Close()
	fd.onCall = func(name string, args map[string]any) any {
		return map[string]any{"echo": args["prompt"]}
	}

	client := NewClient(ClientConfig{URL: wsURL(srv.URL)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	result, err := client.CallTool(context.Background(), "chat", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hi", m["echo"])
}

func TestClient_ConcurrentCallsDoNotRace(t *testing.T) {
	srv, _ := newFakeDaemon()
	defer srv.Close()

	client := NewClient(ClientConfig{URL: wsURL(srv.URL)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	const n = 20
	errs := make(chan error, n)
	var calls int32
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.CallTool(context.Background(), "chat", nil)
			atomic.AddInt32(&calls, 1)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	require.EqualValues(t, n, atomic.LoadInt32(&calls))
}

func TestClient_ListToolsDoesNotRaceWithReadLoop(t *testing.T) {
	srv, _ := newFakeDaemon()
	defer srv.Close()

	client := NewClient(ClientConfig{URL: wsURL(srv.URL)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			client.CallTool(context.Background(), "chat", nil)
		}
	}()

	for i := 0; i < 5; i++ {
		tools, err := client.ListTools(context.Background())
		require.NoError(t, err)
		require.Len(t, tools, 1)
	}
	<-done
}

func TestClient_ProgressCallback(t *testing.T) {
	srv, fd := newFakeDaemon()
	defer srv.Close()
	fd.sendProgress = true

	client := NewClient(ClientConfig{URL: wsURL(srv.URL)})

	received := make(chan string, 1)
	client.OnProgress(func(requestID string, ev any) {
		received <- requestID
	})

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	_, err := client.CallTool(context.Background(), "chat", nil)
	require.NoError(t, err)

	select {
	case requestID := <-received:
		require.NotEmpty(t, requestID)
	case <-time.After(time.Second):
		t.Fatal("progress callback never fired")
	}
}

func TestClient_CallToolFailsWhenNotConnected(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws"})
	_, err := client.CallTool(context.Background(), "chat", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectWithRetry_FailsFastWhenUnreachable(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := client.ConnectWithRetry(ctx)
	require.Error(t, err)
}

func TestConnectWithRetry_SucceedsAfterDaemonComesUp(t *testing.T) {
	// Reserve a URL, bring the fake daemon up only after retry attempts
	// have begun, and confirm Connect eventually succeeds once it does.
	srv, _ := newFakeDaemon()
	addr := srv.Listener.Addr().String()
	url := wsURL(srv.URL)
	srv.Close()

	client := NewClient(ClientConfig{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- client.ConnectWithRetry(ctx) }()

	time.Sleep(300 * time.Millisecond)
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	fd := &fakeDaemon{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fd.handle)
	newSrv := &http.Server{Handler: mux}
	go newSrv.Serve(listener)
	defer newSrv.Close()

	require.NoError(t, <-errCh)
	client.Close()
}

// shortShimTimeouts loads the smallest timeout hierarchy the validator
// accepts (Expert=1s, WorkflowTool=2s), giving a 4s shim timeout.
func shortShimTimeouts(t *testing.T) *timeouts.Set {
	t.Helper()
	env := map[string]string{
		"EXPERT_ANALYSIS_TIMEOUT_SECS": "1",
		"WORKFLOW_TOOL_TIMEOUT_SECS":   "2",
	}
	ts, err := timeouts.Load(func(k string) string { return env[k] })
	require.NoError(t, err)
	return ts
}

func TestClient_CallTool_TimesOutAtShimLayer(t *testing.T) {
	srv, fd := newFakeDaemon()
	defer srv.Close()
	fd.callDelay = 6 * time.Second

	client := NewClient(ClientConfig{URL: wsURL(srv.URL), Timeouts: shortShimTimeouts(t)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	_, err := client.CallTool(context.Background(), "chat", nil)
	require.Error(t, err)
	var de *daemonerr.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, daemonerr.KindTimeout, de.Kind)
	require.Equal(t, daemonerr.LayerShim, de.Layer)
}

func TestClient_EnsureConnected_NeverConnectedFailsFast(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws"})
	err := client.ensureConnected(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CallTool_ReconnectsAfterDaemonDrop(t *testing.T) {
	srv, _ := newFakeDaemon()
	addr := srv.Listener.Addr().String()

	client := NewClient(ClientConfig{URL: wsURL(srv.URL)})
	require.NoError(t, client.Connect(context.Background()))
	srv.Close()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.closed
	}, 2*time.Second, 10*time.Millisecond, "read loop never observed the dropped connection")

	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	fd2 := &fakeDaemon{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fd2.handle)
	newSrv := &http.Server{Handler: mux}
	go newSrv.Serve(listener)
	defer newSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	result, err := client.CallTool(ctx, "chat", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}
