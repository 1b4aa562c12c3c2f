// Package progress streams structured pipeline events. Events are
// plain maps so sinks stay decoupled from pipeline types; the NDJSON
// sink is the durable form consumed by status tooling.
package progress

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Sink receives pipeline events. Emit must be safe for concurrent use.
type Sink interface {
	Emit(ev map[string]any)
}

// Func adapts a function to the Sink interface.
type Func func(map[string]any)

func (f Func) Emit(ev map[string]any) { f(ev) }

// Discard drops every event.
var Discard Sink = Func(func(map[string]any) {})

// NDJSONSink appends one JSON object per line to a file. Events gain a
// "ts" field at emit time. Write errors are swallowed; progress is
// advisory and must never fail a run.
type NDJSONSink struct {
	mu   sync.Mutex
	path string
}

func NewNDJSONSink(path string) *NDJSONSink {
	return &NDJSONSink{path: path}
}

func (s *NDJSONSink) Emit(ev map[string]any) {
	line := make(map[string]any, len(ev)+1)
	for k, v := range ev {
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// MemSink retains events in memory for tests and embedding.
type MemSink struct {
	mu     sync.Mutex
	events []map[string]any
}

func (s *MemSink) Emit(ev map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything emitted so far.
func (s *MemSink) Events() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.events))
	copy(out, s.events)
	return out
}
