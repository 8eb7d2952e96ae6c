package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Engine with in-memory tables. It is safe for
// concurrent use.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string]map[Table]map[string][]byte
	closed bool

	// fault injection for tests
	failures int
	delay    time.Duration
}

// NewMemory creates an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]map[Table]map[string][]byte),
	}
}

// Room returns the store for the named room. Rooms share nothing.
func (m *Memory) Room(name string) Store {
	return &memoryRoom{engine: m, name: name}
}

// Close marks the engine closed. Data stays readable through a new
// engine only if the caller kept a reference, which tests rely on via
// Reopen.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen returns a fresh engine over the same tables, the way a process
// restart would see a persistent database.
func (m *Memory) Reopen() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := NewMemory()
	for room, tables := range m.rooms {
		copyTables := make(map[Table]map[string][]byte, len(tables))
		for t, rows := range tables {
			copyRows := make(map[string][]byte, len(rows))
			for k, v := range rows {
				copyRows[k] = append([]byte(nil), v...)
			}
			copyTables[t] = copyRows
		}
		out.rooms[room] = copyTables
	}
	return out
}

// FailCommits makes the next n commits fail with ErrInjected.
func (m *Memory) FailCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// SetCommitDelay makes every commit wait d before applying, honoring the
// caller's context.
func (m *Memory) SetCommitDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Rows returns the number of rows in a table of a room.
func (m *Memory) Rows(room string, t Table) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[room][t])
}

type memoryRoom struct {
	engine *Memory
	name   string
}

func (r *memoryRoom) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := r.engine
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	sb := &snapshotBuilder{}
	tables := m.rooms[r.name]
	for _, t := range Tables {
		rows := tables[t]
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := sb.add(t, rows[k]); err != nil {
				return nil, err
			}
		}
	}
	return sb.finish(), nil
}

func (r *memoryRoom) Commit(ctx context.Context, b *Batch) error {
	if err := b.Err(); err != nil {
		return err
	}
	m := r.engine

	m.mu.RLock()
	delay := m.delay
	m.mu.RUnlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failures > 0 {
		m.failures--
		return ErrInjected
	}

	tables, ok := m.rooms[r.name]
	if !ok {
		tables = make(map[Table]map[string][]byte)
		m.rooms[r.name] = tables
	}
	for _, op := range b.Ops() {
		rows, ok := tables[op.Table]
		if !ok {
			rows = make(map[string][]byte)
			tables[op.Table] = rows
		}
		if op.Delete {
			delete(rows, op.Key)
			continue
		}
		// Make a copy to prevent external modification
		rows[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}
