package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/dustin/go-humanize"

	"github.com/Tyrowin/roomchat/internal/logger"
)

// Pebble implements Engine on a single Pebble database. Room rows live
// under the key prefix "room/<name>/<table>/".
type Pebble struct {
	mu    sync.RWMutex
	db    *pebble.DB
	path  string
	gates sync.Map // room prefix -> chan struct{}
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*Pebble, error) {
	return openPebble(path, &pebble.Options{})
}

// OpenPebbleInMemory opens a Pebble database backed by an in-memory
// filesystem. The data disappears when the engine is closed.
func OpenPebbleInMemory() (*Pebble, error) {
	return openPebble("roomchat", &pebble.Options{FS: vfs.NewMem()})
}

// OpenPebbleFS opens a database on the given filesystem; reopening the
// same vfs.FS simulates a process restart in tests.
func OpenPebbleFS(fs vfs.FS, path string) (*Pebble, error) {
	return openPebble(path, &pebble.Options{FS: fs})
}

func openPebble(path string, opts *pebble.Options) (*Pebble, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("store: open pebble at %q: %w", path, err)
	}
	if m := db.Metrics(); m != nil {
		logger.Info("pebble_opened", "path", path, "disk_usage", humanize.Bytes(m.DiskSpaceUsage()))
	}
	return &Pebble{db: db, path: path}, nil
}

// Room returns the store for the named room.
func (p *Pebble) Room(name string) Store {
	prefix := "room/" + name + "/"
	gate, _ := p.gates.LoadOrStore(prefix, make(chan struct{}, 1))
	return &pebbleRoom{engine: p, prefix: prefix, gate: gate.(chan struct{})}
}

// Close closes the database. Further calls return ErrClosed.
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return err
	}
	p.db = nil
	logger.Info("pebble_closed", "path", p.path)
	return nil
}

// pebbleRoom writes one room's rows. gate admits one commit at a time,
// including a commit whose caller has already given up on it.
type pebbleRoom struct {
	engine *Pebble
	prefix string
	gate   chan struct{}
}

func (r *pebbleRoom) key(t Table, key string) []byte {
	return []byte(r.prefix + string(t) + "/" + key)
}

func (r *pebbleRoom) Load(ctx context.Context) (*Snapshot, error) {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	db := r.engine.db
	if db == nil {
		return nil, ErrClosed
	}

	sb := &snapshotBuilder{}
	for _, t := range Tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prefix := []byte(r.prefix + string(t) + "/")
		iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix})
		if err != nil {
			return nil, fmt.Errorf("store: iterate %s: %w", t, err)
		}
		for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), prefix) {
				break
			}
			v := append([]byte(nil), iter.Value()...)
			if err := sb.add(t, v); err != nil {
				_ = iter.Close()
				return nil, err
			}
		}
		if err := iter.Error(); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("store: iterate %s: %w", t, err)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	return sb.finish(), nil
}

// Commit writes the batch with fsync. Pebble has no context support, so
// the write runs on its own goroutine and the caller stops waiting at the
// deadline. A write that lands after its caller gave up is reverted to the
// rows' previous values before the next commit of the room is admitted, so
// disk never holds an event the room reported as failed.
func (r *pebbleRoom) Commit(ctx context.Context, b *Batch) error {
	if err := b.Err(); err != nil {
		return err
	}
	select {
	case r.gate <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("store: commit: %w", ctx.Err())
	}
	release := func() { <-r.gate }

	r.engine.mu.RLock()
	db := r.engine.db
	if db == nil {
		r.engine.mu.RUnlock()
		release()
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		r.engine.mu.RUnlock()
		release()
		return fmt.Errorf("store: commit: %w", err)
	}

	prev, err := r.previous(db, b)
	if err != nil {
		r.engine.mu.RUnlock()
		release()
		return err
	}
	pb, err := r.stage(db, b)
	if err != nil {
		r.engine.mu.RUnlock()
		release()
		return err
	}

	w := &pendingWrite{done: make(chan struct{})}
	go func() {
		defer release()
		defer r.engine.mu.RUnlock()

		err := pb.Commit(pebble.Sync)
		_ = pb.Close()

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.abandoned && err == nil {
			r.revert(db, prev)
		}
		w.err = err
		w.finished = true
		close(w.done)
	}()

	select {
	case <-w.done:
		return w.result()
	case <-ctx.Done():
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.finished {
			return w.resultLocked()
		}
		w.abandoned = true
		return fmt.Errorf("store: commit: %w", ctx.Err())
	}
}

// pendingWrite is the hand-off between a caller and its commit goroutine.
// Whichever side takes mu first decides whether the write counts.
type pendingWrite struct {
	mu        sync.Mutex
	done      chan struct{}
	finished  bool
	abandoned bool
	err       error
}

func (w *pendingWrite) result() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resultLocked()
}

func (w *pendingWrite) resultLocked() error {
	if w.err != nil {
		return fmt.Errorf("store: commit: %w", w.err)
	}
	return nil
}

// priorRow is a key's value before a batch; absent rows are deleted on
// revert.
type priorRow struct {
	key     []byte
	value   []byte
	present bool
}

// previous reads the current value of every key b touches.
func (r *pebbleRoom) previous(db *pebble.DB, b *Batch) ([]priorRow, error) {
	seen := make(map[string]bool, b.Len())
	rows := make([]priorRow, 0, b.Len())
	for _, op := range b.Ops() {
		key := r.key(op.Table, op.Key)
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true

		v, closer, err := db.Get(key)
		switch {
		case errors.Is(err, pebble.ErrNotFound):
			rows = append(rows, priorRow{key: key})
		case err != nil:
			return nil, fmt.Errorf("store: read %s/%s: %w", op.Table, op.Key, err)
		default:
			rows = append(rows, priorRow{key: key, value: append([]byte(nil), v...), present: true})
			_ = closer.Close()
		}
	}
	return rows, nil
}

func (r *pebbleRoom) stage(db *pebble.DB, b *Batch) (*pebble.Batch, error) {
	pb := db.NewBatch()
	for _, op := range b.Ops() {
		var err error
		if op.Delete {
			err = pb.Delete(r.key(op.Table, op.Key), nil)
		} else {
			err = pb.Set(r.key(op.Table, op.Key), op.Value, nil)
		}
		if err != nil {
			_ = pb.Close()
			return nil, fmt.Errorf("store: stage %s/%s: %w", op.Table, op.Key, err)
		}
	}
	return pb, nil
}

// revert puts back the rows a late write replaced.
func (r *pebbleRoom) revert(db *pebble.DB, rows []priorRow) {
	pb := db.NewBatch()
	defer pb.Close()
	for _, row := range rows {
		var err error
		if row.present {
			err = pb.Set(row.key, row.value, nil)
		} else {
			err = pb.Delete(row.key, nil)
		}
		if err != nil {
			logger.Error("store_revert_failed", "room", r.prefix, "error", err)
			return
		}
	}
	if err := pb.Commit(pebble.Sync); err != nil {
		logger.Error("store_revert_failed", "room", r.prefix, "error", err)
		return
	}
	logger.Warn("store_late_commit_reverted", "room", r.prefix, "rows", len(rows))
}

// IsClosed reports whether err came from a closed engine.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
