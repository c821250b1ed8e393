package store

import (
	"context"
	"sync"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
)

// Memory is an in-memory Store useful for tests. It is not intended for
// production use.
type Memory struct {
	mu         sync.Mutex
	calls      map[string]calls.Call
	recordings map[string]calls.Recording
	quality    map[string][]calls.QualitySnapshot
}

func NewMemory() *Memory {
	return &Memory{
		calls:      make(map[string]calls.Call),
		recordings: make(map[string]calls.Recording),
		quality:    make(map[string][]calls.QualitySnapshot),
	}
}

func (m *Memory) SaveCall(_ context.Context, c calls.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.SID] = c
	return nil
}

func (m *Memory) SaveRecording(_ context.Context, rec calls.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[rec.SID] = rec
	return nil
}

func (m *Memory) AppendQualityMetrics(_ context.Context, callSID string, q calls.QualitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality[callSID] = append(m.quality[callSID], q)
	return nil
}

func (m *Memory) Call(sid string) (calls.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sid]
	return c, ok
}

func (m *Memory) Recording(sid string) (calls.Recording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[sid]
	return r, ok
}

func (m *Memory) QualityMetrics(callSID string) []calls.QualitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]calls.QualitySnapshot, len(m.quality[callSID]))
	copy(out, m.quality[callSID])
	return out
}
