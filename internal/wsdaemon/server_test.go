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

package wsdaemon

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tombee/exai-toolbridge/internal/daemonconfig"
	"github.com/tombee/exai-toolbridge/internal/provider"
	"github.com/tombee/exai-toolbridge/internal/timeouts"
	"github.com/tombee/exai-toolbridge/internal/toolregistry"
)

type fakeRegistry struct {
	invokeFn func(ctx context.Context, name string, args map[string]any) (any, error)
}

func (f *fakeRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if f.invokeFn != nil {
		return f.invokeFn(ctx, name, args)
	}
	return "ok", nil
}

func (f *fakeRegistry) List() []toolregistry.Descriptor {
	return []toolregistry.Descriptor{{Name: "chat", Description: "chat tool"}}
}

func (f *fakeRegistry) IsWorkflow(name string) bool { return false }

func testConfig(t *testing.T, token string) daemonconfig.Config {
	t.Helper()
	ts, err := timeouts.Load(nil)
	require.NoError(t, err)
	return daemonconfig.Config{
		Timeouts:           ts,
		Host:               "127.0.0.1",
		Port:               0,
		SessionMaxInflight: 4,
		GlobalMaxInflight:  4,
		GLMMaxInflight:     2,
		KimiMaxInflight:    2,
		SessionTimeout:     time.Hour,
		SessionMaxTotal:    10,
		SessionCleanup:     time.Hour,
		LogDir:             t.TempDir(),
		AuthToken:          token,
	}
}

func dialAndHello(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	require.NoError(t, err)

	hello := InboundMessage{Op: opHello, Token: token}
	data, err := json.Marshal(hello)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return conn
}

func startTestServer(t *testing.T, cfg daemonconfig.Config, registry toolregistry.Registry) *Server {
	t.Helper()
	srv := New(cfg, registry, map[provider.Name]provider.Provider{}, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func TestHelloAck_AssignsSessionID(t *testing.T) {
	cfg := testConfig(t, "")
	srv := startTestServer(t, cfg, &fakeRegistry{})

	conn := dialAndHello(t, fmt.Sprintf("127.0.0.1:%d", srv.Port()), "")
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack HelloAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, opHelloAck, ack.Op)
	require.NotEmpty(t, ack.SessionID)
}

func TestAuth_WrongTokenRejected(t *testing.T) {
	cfg := testConfig(t, "correct-token")
	srv := startTestServer(t, cfg, &fakeRegistry{})

	conn := dialAndHello(t, fmt.Sprintf("127.0.0.1:%d", srv.Port()), "wrong-token")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestAuth_PreviousTokenAccepted(t *testing.T) {
	cfg := testConfig(t, "current-token")
	cfg.PrevAuthToken = "previous-token"
	srv := startTestServer(t, cfg, &fakeRegistry{})

	conn := dialAndHello(t, fmt.Sprintf("127.0.0.1:%d", srv.Port()), "previous-token")
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack HelloAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, opHelloAck, ack.Op)
}

func TestCallTool_RoundTrip(t *testing.T) {
	cfg := testConfig(t, "")
	registry := &fakeRegistry{invokeFn: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return map[string]any{"reply": "hi"}, nil
	}}
	srv := startTestServer(t, cfg, registry)

	conn := dialAndHello(t, fmt.Sprintf("127.0.0.1:%d", srv.Port()), "")
	defer conn.Close()

	_, _, err := conn.ReadMessage() // hello_ack
	require.NoError(t, err)

	call := InboundMessage{Op: opCallTool, Name: "chat", Args: map[string]any{"prompt": "hi"}, RequestID: "req-1"}
	data, err := json.Marshal(call)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var result CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, opToolResult, result.Op)
	require.Equal(t, "req-1", result.RequestID)
}

func TestListTools(t *testing.T) {
	cfg := testConfig(t, "")
	srv := startTestServer(t, cfg, &fakeRegistry{})

	conn := dialAndHello(t, fmt.Sprintf("127.0.0.1:%d", srv.Port()), "")
	defer conn.Close()
	_, _, err := conn.ReadMessage() // hello_ack
	require.NoError(t, err)

	req := InboundMessage{Op: opListTools}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, opTools, result.Op)
	require.Len(t, result.Items, 1)
}
