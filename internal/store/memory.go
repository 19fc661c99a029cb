package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

type memData struct {
	activations map[string]ActivationRecord
	events      []ActivationEvent
	status      map[string]string
	settings    map[string]map[string]string
}

func newMemData() *memData {
	return &memData{
		activations: make(map[string]ActivationRecord),
		status:      make(map[string]string),
		settings:    make(map[string]map[string]string),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		activations: maps.Clone(d.activations),
		events:      slices.Clone(d.events),
		status:      maps.Clone(d.status),
		settings:    make(map[string]map[string]string, len(d.settings)),
	}
	for k, v := range d.settings {
		c.settings[k] = maps.Clone(v)
	}
	return c
}

// MemoryStore keeps everything in process memory. It backs the "memory"
// database driver and the tests.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *memData
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// InTx serializes transactions and restores the pre-transaction snapshot
// when fn fails or ctx is done before the commit.
func (s *MemoryStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	err := fn(s)
	if err == nil {
		// A cancelled context fails the commit, as it does on a SQL driver.
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetActivation(_ context.Context, pluginName string) (ActivationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data.activations[pluginName]
	if !ok {
		return ActivationRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListActivations(_ context.Context) ([]ActivationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ActivationRecord, 0, len(s.data.activations))
	for _, name := range slices.Sorted(maps.Keys(s.data.activations)) {
		out = append(out, s.data.activations[name])
	}
	return out, nil
}

func (s *MemoryStore) UpsertActivation(_ context.Context, rec ActivationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.activations[rec.PluginName] = rec
	return nil
}

func (s *MemoryStore) InsertActivationEvent(_ context.Context, ev ActivationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.events = append(s.data.events, ev)
	return nil
}

func (s *MemoryStore) ListActivationEvents(_ context.Context, pluginName string, limit int) ([]ActivationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ActivationEvent
	for i := len(s.data.events) - 1; i >= 0; i-- {
		ev := s.data.events[i]
		if ev.PluginName != pluginName {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetStatus(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data.status[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.status[key] = value
	return nil
}

func (s *MemoryStore) DeleteStatus(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.status, key)
	return nil
}

func (s *MemoryStore) ListSettings(_ context.Context, pluginName string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.data.settings[pluginName]), nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, pluginName string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.data.settings[pluginName]
	if current == nil {
		current = make(map[string]string, len(values))
		s.data.settings[pluginName] = current
	}
	maps.Copy(current, values)
	return nil
}
