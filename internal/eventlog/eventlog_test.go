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

package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestToolStartCompleteBracketsProgress(t *testing.T) {
	dir := t.TempDir()
	log := New(dir, nil)

	log.ToolStart("chat", "req1", map[string]any{"prompt": "hi"})
	log.ToolProgress("chat", "req1", 1, 2, "halfway", nil)
	log.ToolComplete("chat", "req1", 10*time.Millisecond, "ok", nil)
	log.Flush()

	events := readLines(t, filepath.Join(dir, "toolcalls.jsonl"))
	require.Len(t, events, 3)
	assert.Equal(t, EventToolStart, events[0].Event)
	assert.Equal(t, EventToolProgress, events[1].Event)
	assert.Equal(t, EventToolComplete, events[2].Event)
	for _, ev := range events {
		assert.Equal(t, "req1", ev.RequestID)
	}
}

func TestSanitizationRedactsSensitiveKeys(t *testing.T) {
	dir := t.TempDir()
	log := New(dir, nil)

	log.ToolStart("chat", "req2", map[string]any{
		"api_key":  "sk-super-secret",
		"Token":    "abc",
		"password": "hunter2",
		"prompt":   "hello",
	})
	log.Flush()

	events := readLines(t, filepath.Join(dir, "toolcalls.jsonl"))
	require.Len(t, events, 1)
	params := events[0].Params
	assert.Equal(t, redactionMarker, params["api_key"])
	assert.Equal(t, redactionMarker, params["Token"])
	assert.Equal(t, redactionMarker, params["password"])
	assert.Equal(t, "hello", params["prompt"])

	raw, err := os.ReadFile(filepath.Join(dir, "toolcalls.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-super-secret")
	assert.NotContains(t, string(raw), "hunter2")
}

func TestLongStringsAreTruncated(t *testing.T) {
	dir := t.TempDir()
	log := New(dir, nil)

	long := strings.Repeat("x", 600)
	log.ToolStart("chat", "req3", map[string]any{"prompt": long})
	log.Flush()

	events := readLines(t, filepath.Join(dir, "toolcalls.jsonl"))
	require.Len(t, events, 1)
	got := events[0].Params["prompt"].(string)
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.Less(t, len(got), len(long))
}

func TestFlushThresholdAutoFlushes(t *testing.T) {
	dir := t.TempDir()
	log := New(dir, nil)

	for i := 0; i < flushThreshold; i++ {
		log.ToolStart("chat", "req-auto", nil)
	}
	// No explicit Flush call - threshold should have triggered it.
	path := filepath.Join(dir, "toolcalls.jsonl")
	_, err := os.Stat(path)
	require.NoError(t, err)
	events := readLines(t, path)
	assert.Len(t, events, flushThreshold)
}
