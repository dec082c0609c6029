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

// Package eventlog appends structured tool-call events to a JSON-lines file,
// correlated by request id. Every write is buffered and flushed in batches;
// write failures never propagate to callers, only to stderr.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// flushThreshold is the number of buffered entries that triggers an
// automatic flush.
const flushThreshold = 10

// maxStringLen is the length at which string values are truncated.
const maxStringLen = 500

// previewLen is the max length of a tool-complete result preview.
const previewLen = 200

const redactionMarker = "***REDACTED***"
const truncationMarker = "…[truncated]"

var sensitiveKeys = map[string]struct{}{
	"api_key":  {},
	"token":    {},
	"password": {},
	"secret":   {},
}

// Event is one JSON-lines record. Fields are tagged to match spec.md's
// wire names exactly.
type Event struct {
	TS       int64          `json:"ts"`
	ISOTime  string         `json:"iso_time"`
	Event    string         `json:"event"`
	Tool     string         `json:"tool"`
	RequestID string        `json:"request_id"`
	Params   map[string]any `json:"params,omitempty"`
	Step     *int           `json:"step,omitempty"`
	Total    *int           `json:"total_steps,omitempty"`
	Message  string         `json:"message,omitempty"`
	Duration *float64       `json:"duration_s,omitempty"`
	Result   string         `json:"result_preview,omitempty"`
	Error    string         `json:"error,omitempty"`
	Trace    string         `json:"traceback,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	EventToolStart                = "tool_start"
	EventToolProgress             = "tool_progress"
	EventToolComplete             = "tool_complete"
	EventToolError                = "tool_error"
	EventExpertValidationStart    = "expert_validation_start"
	EventExpertValidationComplete = "expert_validation_complete"
)

// Log is the process-wide structured event log. One instance is constructed
// at daemon startup and injected into the call-handling path; it is not a
// package-level global.
type Log struct {
	path string

	mu     sync.Mutex
	buf    []Event
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log writing to <logdir>/toolcalls.jsonl. The file and its
// parent directory are created lazily on first write.
func New(logDir string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		path:   filepath.Join(logDir, "toolcalls.jsonl"),
		logger: logger,
		now:    time.Now,
	}
}

func (l *Log) append(ev Event) {
	ev.TS = l.now().Unix()
	ev.ISOTime = l.now().UTC().Format(time.RFC3339)

	l.mu.Lock()
	l.buf = append(l.buf, ev)
	shouldFlush := len(l.buf) >= flushThreshold
	l.mu.Unlock()

	if shouldFlush {
		l.Flush()
	}
}

// ToolStart logs the start of a tool invocation.
func (l *Log) ToolStart(tool, requestID string, params map[string]any) {
	l.append(Event{Event: EventToolStart, Tool: tool, RequestID: requestID, Params: sanitizeParams(params)})
}

// ToolProgress logs one progress step.
func (l *Log) ToolProgress(tool, requestID string, step, total int, msg string, meta map[string]any) {
	s, tt := step, total
	l.append(Event{Event: EventToolProgress, Tool: tool, RequestID: requestID, Step: &s, Total: &tt, Message: msg, Metadata: sanitizeParams(meta)})
}

// ToolComplete logs a successful completion.
func (l *Log) ToolComplete(tool, requestID string, duration time.Duration, resultPreview string, meta map[string]any) {
	d := duration.Seconds()
	l.append(Event{Event: EventToolComplete, Tool: tool, RequestID: requestID, Duration: &d, Result: truncate(resultPreview, previewLen), Metadata: sanitizeParams(meta)})
}

// ToolError logs a failed tool call.
func (l *Log) ToolError(tool, requestID string, err error, trace string, meta map[string]any) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.append(Event{Event: EventToolError, Tool: tool, RequestID: requestID, Error: msg, Trace: trace, Metadata: sanitizeParams(meta)})
}

// ExpertStart logs the start of an expert validation.
func (l *Log) ExpertStart(tool, requestID, contentPreview string) {
	l.append(Event{Event: EventExpertValidationStart, Tool: tool, RequestID: requestID, Result: truncate(contentPreview, previewLen)})
}

// ExpertComplete logs the completion of an expert validation.
func (l *Log) ExpertComplete(tool, requestID string, duration time.Duration, resultPreview string) {
	d := duration.Seconds()
	l.append(Event{Event: EventExpertValidationComplete, Tool: tool, RequestID: requestID, Duration: &d, Result: truncate(resultPreview, previewLen)})
}

// Flush writes all buffered events to disk. Safe to call concurrently and
// from a shutdown path. Write failures are logged to stderr and swallowed.
func (l *Log) Flush() {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	if err := l.ensureFile(); err != nil {
		l.logger.Error("eventlog: failed to open log file", slog.Any("error", err))
		return
	}

	var sb strings.Builder
	for _, ev := range pending {
		data, err := json.Marshal(ev)
		if err != nil {
			l.logger.Error("eventlog: failed to marshal event", slog.Any("error", err))
			continue
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.WriteString(sb.String()); err != nil {
		l.logger.Error("eventlog: failed to write log file", slog.Any("error", err))
	}
}

func (l *Log) ensureFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	l.file = f
	return nil
}

// Close flushes and closes the underlying file. Intended for shutdown.
func (l *Log) Close() error {
	l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func sanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = redactionMarker
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = truncate(s, maxStringLen)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
