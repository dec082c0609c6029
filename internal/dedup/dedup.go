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

// Package dedup caches expert-validation results keyed by tool, request id,
// and a stable hash of the findings under validation, so that concurrent
// callers for identical work share one computation and the result sticks
// around for the life of the process.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/metrics"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxWait      = 120 * time.Second
)

// Compute performs the actual (expensive) validation work.
type Compute func(ctx context.Context) (any, error)

type entry struct {
	result any
	err    error
}

// Dedup is a process-wide single-flight cache. The zero value is not usable;
// construct with New.
type Dedup struct {
	mu         sync.Mutex
	cache      map[string]entry
	inProgress map[string]struct{}

	pollInterval time.Duration
	maxWait      time.Duration
	sleep        func(time.Duration)
	now          func() time.Time
}

// New creates a Dedup with spec-default polling (500ms) and wait cap (120s).
func New() *Dedup {
	return &Dedup{
		cache:        make(map[string]entry),
		inProgress:   make(map[string]struct{}),
		pollInterval: defaultPollInterval,
		maxWait:      defaultMaxWait,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// Key builds the cache key "tool:requestID:hash(findings)". Hashing goes
// through encoding/json, which canonicalizes map key order, so the result is
// independent of how findings was constructed.
func Key(tool, requestID string, findings any) string {
	return fmt.Sprintf("%s:%s:%s", tool, requestID, stableHash(findings))
}

func stableHash(findings any) string {
	// encoding/json sorts map keys alphabetically, making this marshal
	// deterministic regardless of the caller's map iteration order.
	data, err := json.Marshal(findings)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", findings))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate runs compute at most once per key for the life of the process.
// Concurrent callers for the same key share the single computation; later
// callers get the cached result without recomputing.
func (d *Dedup) Validate(ctx context.Context, tool, requestID string, findings any, compute Compute) (any, error) {
	key := Key(tool, requestID, findings)

	d.mu.Lock()
	if e, ok := d.cache[key]; ok {
		d.mu.Unlock()
		metrics.RecordDedupOutcome("hit")
		return e.result, e.err
	}
	if _, inProg := d.inProgress[key]; inProg {
		d.mu.Unlock()
		return d.waitForResult(ctx, key)
	}
	d.inProgress[key] = struct{}{}
	d.mu.Unlock()

	result, err := compute(ctx)

	d.mu.Lock()
	d.cache[key] = entry{result: result, err: err}
	delete(d.inProgress, key)
	d.mu.Unlock()

	metrics.RecordDedupOutcome("computed")
	return result, err
}

// waitForResult polls for a key to leave in_progress and land in cache,
// capped at maxWait total. Exceeding the cap is a fatal DedupTimeout error.
func (d *Dedup) waitForResult(ctx context.Context, key string) (any, error) {
	deadline := d.now().Add(d.maxWait)

	for {
		d.mu.Lock()
		if e, ok := d.cache[key]; ok {
			d.mu.Unlock()
			return e.result, e.err
		}
		d.mu.Unlock()

		if d.now().After(deadline) {
			metrics.RecordDedupOutcome("wait_timeout")
			return nil, daemonerr.New(daemonerr.KindDedupTimeout, "expert validation wait exceeded 120s").WithOp(key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		d.sleep(d.pollInterval)
	}
}

// Len reports the number of cached entries, for metrics/tests.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}
