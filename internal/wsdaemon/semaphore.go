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

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/metrics"
)

// Semaphore is a buffered-channel-based scoped acquire/release guard used
// for the session/global/per-provider concurrency caps.
type Semaphore struct {
	slots chan struct{}
	name  string
}

// NewSemaphore creates a Semaphore with capacity permits. name is used for
// the Overloaded error's Op field and as the rejection metric's label.
func NewSemaphore(name string, capacity int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, capacity), name: name}
}

// Acquire blocks until a permit is available, ctx is done, or the daemon
// timeout passed via ctx elapses; ctx expiry surfaces as Overloaded.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		metrics.RecordSemaphoreRejection(s.name)
		return daemonerr.Overloaded(s.name)
	}
}

// Release returns a permit to the pool. Must be called exactly once per
// successful Acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InUse returns the number of permits currently held, for metrics.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Group holds the three semaphore scopes a call_tool invocation acquires:
// session, global, and (when the tool is provider-backed) per-provider.
type Group struct {
	Session *Semaphore
	Global  *Semaphore
	GLM     *Semaphore
	Kimi    *Semaphore
}

// NewGroup builds the standard semaphore set from configured capacities.
func NewGroup(sessionCap, globalCap, glmCap, kimiCap int) *Group {
	return &Group{
		Session: NewSemaphore("session", sessionCap),
		Global:  NewSemaphore("global", globalCap),
		GLM:     NewSemaphore("glm", glmCap),
		Kimi:    NewSemaphore("kimi", kimiCap),
	}
}
