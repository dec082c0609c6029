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

package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func getenvMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(getenvMap(nil))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 8765, cfg.Port)
	require.Equal(t, 6, cfg.SessionMaxInflight)
	require.Equal(t, 16, cfg.GlobalMaxInflight)
	require.Equal(t, 8, cfg.GLMMaxInflight)
	require.Equal(t, 4, cfg.KimiMaxInflight)
	require.Equal(t, time.Hour, cfg.SessionTimeout)
	require.Equal(t, 100, cfg.SessionMaxTotal)
	require.Equal(t, 5*time.Minute, cfg.SessionCleanup)
	require.Equal(t, 5, cfg.CircuitFailureThreshold)
	require.Equal(t, 5*time.Minute, cfg.CircuitRecoveryTimeout)
	require.True(t, cfg.Autostart)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := Load(getenvMap(map[string]string{
		"EXAI_WS_HOST":           "0.0.0.0",
		"EXAI_WS_PORT":           "9999",
		"EXAI_WS_AUTOSTART":      "false",
		"EXAI_WS_TOKEN":          "tok",
		"EXAI_WS_TOKEN_PREVIOUS": "old-tok",
		"SESSION_MAX_CONCURRENT": "42",
	}))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 9999, cfg.Port)
	require.False(t, cfg.Autostart)
	require.Equal(t, "tok", cfg.AuthToken)
	require.Equal(t, "old-tok", cfg.PrevAuthToken)
	require.Equal(t, 42, cfg.SessionMaxTotal)
}

func TestLoad_InvalidPortRejected(t *testing.T) {
	_, err := Load(getenvMap(map[string]string{"EXAI_WS_PORT": "70000"}))
	require.Error(t, err)
}

func TestApplyFile_MissingFileIsNoop(t *testing.T) {
	cfg, err := Load(getenvMap(nil))
	require.NoError(t, err)
	before := cfg
	require.NoError(t, cfg.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Equal(t, before, cfg)
}

func TestApplyFile_OverlaysOnlySetFields(t *testing.T) {
	cfg, err := Load(getenvMap(nil))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "daemon.yaml")
	writeFile(t, path, "host: 10.0.0.5\nport: 9100\nautostart: false\n")

	require.NoError(t, cfg.ApplyFile(path))
	require.Equal(t, "10.0.0.5", cfg.Host)
	require.Equal(t, 9100, cfg.Port)
	require.False(t, cfg.Autostart)
	require.Equal(t, 100, cfg.SessionMaxTotal) // untouched by overlay
}

func TestApplyFile_InvalidPortRejected(t *testing.T) {
	cfg, err := Load(getenvMap(nil))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "daemon.yaml")
	writeFile(t, path, "port: 0\n")

	require.Error(t, cfg.ApplyFile(path))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}
