// Copyright 2025 CentianCLI Contributors
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

// Package requestlog implements the bounded, in-memory ring buffer of
// in-flight and completed proxy calls (C10). Field shape is grounded on the
// teacher's internal/logging/logger.go LogEntry, adapted from file-JSONL
// persistence to an in-memory ring per spec §4.10.
package requestlog

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies which MCP call family an entry records.
type Type string

const (
	TypeTool     Type = "tool"
	TypeResource Type = "resource"
	TypePrompt   Type = "prompt"
)

// Status is the lifecycle state of a RequestLogEntry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is one proxy call, in-flight or completed (spec §3).
type Entry struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	Type             Type           `json:"type"`
	Method           string         `json:"method"`
	OriginalMethod   string         `json:"originalMethod,omitempty"`
	UpstreamID       string         `json:"upstreamId"`
	UpstreamName     string         `json:"upstreamName"`
	Arguments        any            `json:"arguments,omitempty"`
	ResponseContent  any            `json:"responseContent,omitempty"`
	ResponseIsError  bool           `json:"responseIsError,omitempty"`
	DurationMs       *int64         `json:"durationMs,omitempty"`
	DownstreamSessID string         `json:"downstreamSessionId,omitempty"`
	Status           Status         `json:"status"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	startedAt        time.Time
}

// StartParams is the input to Log.Start.
type StartParams struct {
	Type             Type
	Method           string
	OriginalMethod   string
	UpstreamID       string
	UpstreamName     string
	Arguments        any
	DownstreamSessID string
}

// DefaultCapacity is the ring buffer bound applied when Log is constructed
// with capacity <= 0.
const DefaultCapacity = 500

// Log is a bounded, newest-first ring buffer of request log entries, safe
// for concurrent use.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry // newest-first
	byID     map[string]int
}

// New returns a Log with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		byID:     make(map[string]int),
	}
}

// Start records a new pending entry and returns its id.
func (l *Log) Start(p StartParams) string {
	id := uuid.NewString()
	now := time.Now().UTC()
	entry := Entry{
		ID:               id,
		Timestamp:        now,
		Type:             p.Type,
		Method:           p.Method,
		OriginalMethod:   p.OriginalMethod,
		UpstreamID:       p.UpstreamID,
		UpstreamName:     p.UpstreamName,
		Arguments:        p.Arguments,
		DownstreamSessID: p.DownstreamSessID,
		Status:           StatusPending,
		startedAt:        now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushLocked(entry)
	return id
}

// Complete transitions id to success, recording result and duration.
func (l *Log) Complete(id string, result any, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return
	}
	entry := &l.entries[idx]
	entry.Status = StatusSuccess
	entry.ResponseContent = result
	entry.ResponseIsError = isError
	entry.setDuration()
}

// Fail transitions id to error, recording errMsg and duration.
func (l *Log) Fail(id string, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return
	}
	entry := &l.entries[idx]
	entry.Status = StatusError
	entry.ErrorMessage = errMsg
	entry.setDuration()
}

func (e *Entry) setDuration() {
	ms := time.Since(e.startedAt).Milliseconds()
	e.DurationMs = &ms
}

// pushLocked must be called with l.mu held. It inserts entry at the front
// (newest-first) and evicts the oldest entry if over capacity.
func (l *Log) pushLocked(entry Entry) {
	l.entries = append([]Entry{entry}, l.entries...)
	if len(l.entries) > l.capacity {
		evicted := l.entries[l.capacity:]
		l.entries = l.entries[:l.capacity]
		for _, e := range evicted {
			delete(l.byID, e.ID)
		}
	}
	l.reindexLocked()
}

func (l *Log) reindexLocked() {
	for i, e := range l.entries {
		l.byID[e.ID] = i
	}
}

// Filter selects entries matching all non-zero fields. Query matches
// substrings of Method or ErrorMessage, case-insensitively. Since and
// Until bound Timestamp (inclusive). Offset/Limit apply after filtering,
// over the newest-first ordering.
type Filter struct {
	Type     Type
	UpstreamID string
	Status   Status
	Query    string
	Since    time.Time
	Until    time.Time
	Offset   int
	Limit    int
}

// Snapshot returns a filtered, paged, newest-first copy of the log.
func (l *Log) Snapshot(f Filter) []Entry {
	l.mu.Lock()
	all := make([]Entry, len(l.entries))
	copy(all, l.entries)
	l.mu.Unlock()

	matched := make([]Entry, 0, len(all))
	query := strings.ToLower(f.Query)
	for _, e := range all {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.UpstreamID != "" && e.UpstreamID != f.UpstreamID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(e.Method), query) &&
			!strings.Contains(strings.ToLower(e.ErrorMessage), query) {
			continue
		}
		matched = append(matched, e)
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Entry{}
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

// Get returns a single entry by id.
func (l *Log) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return Entry{}, false
	}
	return l.entries[idx], true
}

// Stats summarizes the current ring buffer contents.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats computes aggregate counts over the current buffer.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := Stats{Total: len(l.entries)}
	for _, e := range l.entries {
		switch e.Status {
		case StatusPending:
			stats.Pending++
		case StatusSuccess:
			stats.Succeeded++
		case StatusError:
			stats.Failed++
		}
	}
	return stats
}

// Clear empties the buffer.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.byID = make(map[string]int)
}
