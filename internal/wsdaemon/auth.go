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
	"crypto/subtle"
	"errors"
	"net"
	"sync"
	"time"
)

var (
	// ErrAuthenticationFailed is returned when the hello token matches
	// neither the current nor previous token.
	ErrAuthenticationFailed = errors.New("wsdaemon: authentication failed")

	// ErrRateLimitExceeded is returned when a remote IP is locked out after
	// too many failed attempts.
	ErrRateLimitExceeded = errors.New("wsdaemon: rate limit exceeded")
)

const (
	maxFailedAttempts = 5
	rateLimitWindow   = 1 * time.Minute
	rateLimitLockout  = 60 * time.Second
)

// TokenValidator validates a bearer token against the current token and,
// optionally, a previous one to support rotation without dropping
// in-flight clients. It rate-limits failed attempts per remote IP.
type TokenValidator struct {
	current  string
	previous string

	mu             sync.Mutex
	failedAttempts map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count       int
	firstFail   time.Time
	lockedUntil time.Time
}

// NewTokenValidator creates a validator. previous may be empty.
func NewTokenValidator(current, previous string) *TokenValidator {
	return &TokenValidator{
		current:        current,
		previous:       previous,
		failedAttempts: make(map[string]*rateLimitEntry),
	}
}

// Validate checks token against the current and previous tokens using
// constant-time comparison, enforcing a per-IP rate limit on failures.
func (v *TokenValidator) Validate(token, remoteAddr string) error {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	v.mu.Lock()
	entry, locked := v.failedAttempts[ip]
	if locked && time.Now().Before(entry.lockedUntil) {
		v.mu.Unlock()
		return ErrRateLimitExceeded
	}
	v.mu.Unlock()

	matchCurrent := subtle.ConstantTimeCompare([]byte(token), []byte(v.current)) == 1
	matchPrevious := v.previous != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.previous)) == 1

	if !matchCurrent && !matchPrevious {
		v.recordFailedAttempt(ip)
		return ErrAuthenticationFailed
	}

	v.mu.Lock()
	delete(v.failedAttempts, ip)
	v.mu.Unlock()
	return nil
}

func (v *TokenValidator) recordFailedAttempt(ip string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	entry, exists := v.failedAttempts[ip]
	if !exists {
		v.failedAttempts[ip] = &rateLimitEntry{count: 1, firstFail: now}
		return
	}

	if now.Sub(entry.firstFail) > rateLimitWindow {
		entry.count = 1
		entry.firstFail = now
		entry.lockedUntil = time.Time{}
		return
	}

	entry.count++
	if entry.count >= maxFailedAttempts {
		entry.lockedUntil = now.Add(rateLimitLockout)
	}
}
