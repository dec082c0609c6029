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

// Package timeouts resolves and validates the coordinated timeout hierarchy:
// tool -> daemon -> shim -> client, each derived from WorkflowTool with a
// fixed buffer. Built once at process start; no component may read raw
// timeout environment variables directly — they ask this package by name.
package timeouts

import (
	"os"
	"strconv"
	"time"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
)

// Set holds the resolved timeout hierarchy for one process lifetime.
type Set struct {
	SimpleTool    time.Duration
	WorkflowTool  time.Duration
	Expert        time.Duration
	GLM           time.Duration
	Kimi          time.Duration
	KimiWebSearch time.Duration

	// Derived from WorkflowTool.
	daemon time.Duration
	shim   time.Duration
	client time.Duration
}

// defaults, in seconds, per spec.
const (
	defaultSimpleTool    = 60
	defaultWorkflowTool  = 120
	defaultExpert        = 90
	defaultGLM           = 90
	defaultKimi          = 120
	defaultKimiWebSearch = 150
)

const (
	daemonMultiplier = 1.5
	shimMultiplier   = 2.0
	clientMultiplier = 2.5
)

// Getenv abstracts environment lookup for testability.
type Getenv func(key string) string

// Load reads the six base timeouts from env (falling back to defaults),
// derives Daemon/Shim/Client, and validates the hierarchy invariant.
func Load(getenv Getenv) (*Set, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	s := &Set{
		SimpleTool:    seconds(getenv, "SIMPLE_TOOL_TIMEOUT_SECS", defaultSimpleTool),
		WorkflowTool:  seconds(getenv, "WORKFLOW_TOOL_TIMEOUT_SECS", defaultWorkflowTool),
		Expert:        seconds(getenv, "EXPERT_ANALYSIS_TIMEOUT_SECS", defaultExpert),
		GLM:           seconds(getenv, "GLM_TIMEOUT_SECS", defaultGLM),
		Kimi:          seconds(getenv, "KIMI_TIMEOUT_SECS", defaultKimi),
		KimiWebSearch: seconds(getenv, "KIMI_WEB_SEARCH_TIMEOUT_SECS", defaultKimiWebSearch),
	}

	s.daemon = scale(s.WorkflowTool, daemonMultiplier)
	s.shim = scale(s.WorkflowTool, shimMultiplier)
	s.client = scale(s.WorkflowTool, clientMultiplier)

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustLoad is like Load but panics on error; used by tests and mains that
// treat a bad hierarchy as an unrecoverable startup condition.
func MustLoad(getenv Getenv) *Set {
	s, err := Load(getenv)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) validate() error {
	if !(s.Expert < s.WorkflowTool) {
		return daemonerr.ConfigError("expert timeout (%s) must be less than workflow tool timeout (%s)", s.Expert, s.WorkflowTool)
	}
	if !(s.WorkflowTool < s.daemon && s.daemon < s.shim && s.shim < s.client) {
		return daemonerr.ConfigError("timeout hierarchy violated: workflow=%s daemon=%s shim=%s client=%s", s.WorkflowTool, s.daemon, s.shim, s.client)
	}
	return nil
}

// DaemonTimeout returns the daemon's outer bound (WorkflowTool * 1.5).
func (s *Set) DaemonTimeout() time.Duration { return s.daemon }

// ShimTimeout returns the shim's outer bound (WorkflowTool * 2.0).
func (s *Set) ShimTimeout() time.Duration { return s.shim }

// ClientTimeout returns the client's outer bound (WorkflowTool * 2.5).
func (s *Set) ClientTimeout() time.Duration { return s.client }

func seconds(getenv Getenv, key string, def int) time.Duration {
	if raw := getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}

func scale(d time.Duration, mult float64) time.Duration {
	return time.Duration(float64(d) * mult)
}
