package store_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/store"
)

// slowFS delays every fsync of files written after delay is set.
type slowFS struct {
	vfs.FS
	delay atomic.Int64
}

func (fs *slowFS) wrap(f vfs.File, err error) (vfs.File, error) {
	if err != nil {
		return nil, err
	}
	return &slowFile{File: f, fs: fs}, nil
}

func (fs *slowFS) Create(name string) (vfs.File, error) {
	return fs.wrap(fs.FS.Create(name))
}

func (fs *slowFS) ReuseForWrite(oldname, newname string) (vfs.File, error) {
	return fs.wrap(fs.FS.ReuseForWrite(oldname, newname))
}

type slowFile struct {
	vfs.File
	fs *slowFS
}

func (f *slowFile) pause() {
	time.Sleep(time.Duration(f.fs.delay.Load()))
}

func (f *slowFile) Sync() error {
	f.pause()
	return f.File.Sync()
}

func (f *slowFile) SyncData() error {
	f.pause()
	return f.File.SyncData()
}

func (f *slowFile) SyncTo(length int64) (bool, error) {
	f.pause()
	return f.File.SyncTo(length)
}

func userBatch(sessionID, name string) *store.Batch {
	b := store.NewBatch()
	b.PutUser(store.UserRow{SessionID: sessionID, Name: name, CreatedAt: 1000})
	return b
}

func TestPebbleRevertsCommitThatLandsAfterDeadline(t *testing.T) {
	ctx := context.Background()
	mem := vfs.NewMem()
	fs := &slowFS{FS: mem}

	p, err := store.OpenPebbleFS(fs, "chat")
	require.NoError(t, err)
	room := p.Room("main")
	require.NoError(t, room.Commit(ctx, userBatch("s1", "Alice")))

	fs.delay.Store(int64(200 * time.Millisecond))

	late := userBatch("s1", "Mallory")
	late.PutUser(store.UserRow{SessionID: "s2", Name: "Bob", CreatedAt: 2000})
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, room.Commit(tctx, late), context.DeadlineExceeded)

	// admitted only after the abandoned write is settled
	require.NoError(t, room.Commit(ctx, userBatch("s3", "Carol")))

	fs.delay.Store(0)
	require.NoError(t, p.Close())

	p, err = store.OpenPebbleFS(mem, "chat")
	require.NoError(t, err)
	defer p.Close()

	snap, err := p.Room("main").Load(ctx)
	require.NoError(t, err)
	names := make(map[string]string)
	for _, u := range snap.Users {
		names[u.SessionID] = u.Name
	}
	assert.Equal(t, map[string]string{"s1": "Alice", "s3": "Carol"}, names)
}

func TestPebbleLaterCommitIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	fs := &slowFS{FS: vfs.NewMem()}

	p, err := store.OpenPebbleFS(fs, "chat")
	require.NoError(t, err)
	defer p.Close()
	room := p.Room("main")

	fs.delay.Store(int64(100 * time.Millisecond))
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, room.Commit(tctx, userBatch("s1", "Stale")))

	fs.delay.Store(0)
	require.NoError(t, room.Commit(ctx, userBatch("s1", "Fresh")))

	snap, err := room.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "Fresh", snap.Users[0].Name)
}

func TestPebbleCommitWaitsForGate(t *testing.T) {
	ctx := context.Background()
	fs := &slowFS{FS: vfs.NewMem()}

	p, err := store.OpenPebbleFS(fs, "chat")
	require.NoError(t, err)
	defer p.Close()
	room := p.Room("main")

	fs.delay.Store(int64(300 * time.Millisecond))
	first, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, room.Commit(first, userBatch("s1", "Alice")))

	second, cancel2 := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, room.Commit(second, userBatch("s2", "Bob")), context.DeadlineExceeded,
		"no commit starts while an abandoned one is in flight")

	fs.delay.Store(0)
	require.NoError(t, room.Commit(ctx, userBatch("s3", "Carol")))
	snap, err := room.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "s3", snap.Users[0].SessionID)
}
