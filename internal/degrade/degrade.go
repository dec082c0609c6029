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

// Package degrade composes retry-with-backoff, a per-operation circuit
// breaker, and a typed fallback chain into a single call:
// ExecuteWithFallback. The circuit breaker itself is sony/gobreaker; its
// built-in half-open trial (MaxRequests: 1) already gives a single next
// attempt through the primary path, so no separate half-open
// implementation is needed on top of it.
package degrade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/metrics"
	"github.com/tombee/exai-toolbridge/internal/obslog"
)

// Func is a unit of work the Executor can run under a timeout.
type Func func(ctx context.Context) (any, error)

// Config controls circuit-breaker thresholds. Zero values fall back to
// spec defaults (threshold 5, recovery 300s).
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	Logger           *slog.Logger
}

// Executor runs primary/fallback pairs through a per-operation circuit
// breaker with retry and typed fallback.
type Executor struct {
	threshold uint32
	recovery  time.Duration
	logger    *slog.Logger

	breakers sync.Map // opName -> *gobreaker.CircuitBreaker
}

// New creates an Executor. A zero Config is valid and uses spec defaults.
func New(cfg Config) *Executor {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	recovery := cfg.RecoveryTimeout
	if recovery == 0 {
		recovery = 300 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{threshold: threshold, recovery: recovery, logger: logger}
}

func (e *Executor) breakerFor(opName string) *gobreaker.CircuitBreaker {
	if existing, ok := e.breakers.Load(opName); ok {
		return existing.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     e.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Info("circuit breaker state change",
				obslog.String("op", name),
				obslog.String("from", from.String()),
				obslog.String("to", to.String()))
			metrics.RecordCircuitState(name, to.String())
		},
	})

	actual, _ := e.breakers.LoadOrStore(opName, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

// IsOpen reports whether opName's circuit is currently open (primary calls
// are short-circuited to the fallback path).
func (e *Executor) IsOpen(opName string) bool {
	return e.breakerFor(opName).State() == gobreaker.StateOpen
}

// ExecuteWithFallback runs primary under a retry+timeout envelope guarded by
// opName's circuit breaker; if primary is unavailable (circuit open) or
// exhausts its retries, it falls back to fallback (if provided).
func (e *Executor) ExecuteWithFallback(ctx context.Context, primary, fallback Func, timeout time.Duration, maxRetries int, opName string) (any, error) {
	cb := e.breakerFor(opName)

	result, err := cb.Execute(func() (any, error) {
		return e.runWithRetry(ctx, primary, timeout, maxRetries, opName)
	})

	if err == nil {
		return result, nil
	}

	if err == gobreaker.ErrOpenState {
		e.logger.Warn("circuit open, skipping primary", obslog.String("op", opName))
		if fallback != nil {
			return e.runOnce(ctx, fallback, timeout)
		}
		retryAfter := e.recovery.Seconds()
		return nil, daemonerr.CircuitBreakerOpen(opName, retryAfter)
	}

	// Primary exhausted its retries; RecordFailure already happened inside
	// cb.Execute via the returned error. Try the fallback chain.
	e.logger.Warn("primary failed, attempting fallback",
		obslog.String("op", opName), obslog.Error(err))
	if fallback != nil {
		fbResult, fbErr := e.runOnce(ctx, fallback, timeout)
		if fbErr != nil {
			return nil, fbErr
		}
		return fbResult, nil
	}
	return nil, err
}

// runWithRetry executes primary up to maxRetries+1 times with exponential
// backoff between attempts, returning the final error if all attempts fail.
func (e *Executor) runWithRetry(ctx context.Context, primary Func, timeout time.Duration, maxRetries int, opName string) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := e.runOnce(ctx, primary, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			e.logger.Debug("retrying after failure",
				obslog.String("op", opName), obslog.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

// runOnce runs fn under a fresh timeout derived from ctx.
func (e *Executor) runOnce(ctx context.Context, fn Func, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx)
		ch <- outcome{result, err}
	}()

	select {
	case <-callCtx.Done():
		return nil, daemonerr.Timeout(daemonerr.LayerTool, "")
	case o := <-ch:
		return o.result, o.err
	}
}
