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

package timeouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(overrides map[string]string) Getenv {
	return func(key string) string { return overrides[key] }
}

func TestLoad_HierarchyCheck(t *testing.T) {
	s, err := Load(envMap(map[string]string{"WORKFLOW_TOOL_TIMEOUT_SECS": "120"}))
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, s.WorkflowTool)
	assert.Equal(t, 180*time.Second, s.DaemonTimeout())
	assert.Equal(t, 240*time.Second, s.ShimTimeout())
	assert.Equal(t, 300*time.Second, s.ClientTimeout())
}

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, s.SimpleTool)
	assert.Equal(t, 120*time.Second, s.WorkflowTool)
	assert.Equal(t, 90*time.Second, s.Expert)
	assert.Equal(t, 90*time.Second, s.GLM)
	assert.Equal(t, 120*time.Second, s.Kimi)
	assert.Equal(t, 150*time.Second, s.KimiWebSearch)
}

func TestLoad_Idempotent(t *testing.T) {
	getenv := envMap(map[string]string{"WORKFLOW_TOOL_TIMEOUT_SECS": "150"})
	a, err := Load(getenv)
	require.NoError(t, err)
	b, err := Load(getenv)
	require.NoError(t, err)

	assert.Equal(t, *a, *b)
}

func TestLoad_ExpertMustBeLessThanWorkflow(t *testing.T) {
	_, err := Load(envMap(map[string]string{
		"WORKFLOW_TOOL_TIMEOUT_SECS":  "60",
		"EXPERT_ANALYSIS_TIMEOUT_SECS": "90",
	}))
	require.Error(t, err)
}

func TestLoad_IgnoresInvalidOverride(t *testing.T) {
	s, err := Load(envMap(map[string]string{"WORKFLOW_TOOL_TIMEOUT_SECS": "not-a-number"}))
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, s.WorkflowTool)
}
