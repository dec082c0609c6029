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

package toolregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/exai-toolbridge/internal/provider"
)

func TestStaticRegistry_InvokeAndList(t *testing.T) {
	reg := NewStaticRegistry(
		[]Descriptor{{Name: "echo", Description: "echoes args"}},
		map[string]Handler{"echo": EchoHandler},
	)

	result, err := reg.Invoke(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 1}, m["echo"])

	require.Len(t, reg.List(), 1)
	require.False(t, reg.IsWorkflow("echo"))
}

func TestStaticRegistry_UnknownToolErrors(t *testing.T) {
	reg := NewStaticRegistry(nil, nil)
	_, err := reg.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestChatHandler_CallsResolvedProvider(t *testing.T) {
	ctx := WithProviders(context.Background(), func(name provider.Name) (provider.Provider, bool) {
		if name != provider.GLM {
			return nil, false
		}
		return provider.NewStub(provider.GLM), true
	})

	result, err := ChatHandler(ctx, map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	require.Contains(t, m["content"], "hi")
}

func TestChatHandler_ErrorsWithoutProviderLookup(t *testing.T) {
	_, err := ChatHandler(context.Background(), map[string]any{"prompt": "hi"})
	require.Error(t, err)
}

func TestEchoHandler_UsesHeartbeatWhenPresent(t *testing.T) {
	var sent string
	ctx := WithHeartbeat(context.Background(), func(message string, metadata map[string]any) {
		sent = message
	})
	_, err := EchoHandler(ctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "echoing", sent)
}
