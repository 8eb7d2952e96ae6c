package chat

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/store"
)

// slowSyncFS makes fsync sleep for delay once it is set.
type slowSyncFS struct {
	vfs.FS
	delay atomic.Int64
}

func (fs *slowSyncFS) Create(name string) (vfs.File, error) {
	f, err := fs.FS.Create(name)
	if err != nil {
		return nil, err
	}
	return &slowSyncFile{File: f, fs: fs}, nil
}

func (fs *slowSyncFS) ReuseForWrite(oldname, newname string) (vfs.File, error) {
	f, err := fs.FS.ReuseForWrite(oldname, newname)
	if err != nil {
		return nil, err
	}
	return &slowSyncFile{File: f, fs: fs}, nil
}

type slowSyncFile struct {
	vfs.File
	fs *slowSyncFS
}

func (f *slowSyncFile) Sync() error {
	time.Sleep(time.Duration(f.fs.delay.Load()))
	return f.File.Sync()
}

func (f *slowSyncFile) SyncData() error {
	time.Sleep(time.Duration(f.fs.delay.Load()))
	return f.File.SyncData()
}

func (f *slowSyncFile) SyncTo(length int64) (bool, error) {
	time.Sleep(time.Duration(f.fs.delay.Load()))
	return f.File.SyncTo(length)
}

func TestTimedOutJoinIsNotReloaded(t *testing.T) {
	ctx := context.Background()
	mem := vfs.NewMem()
	fs := &slowSyncFS{FS: mem}
	clock := newFakeClock()

	openRoom := func(engine *store.Pebble) *Room {
		r, err := Open(ctx, Options{
			Name:         "test",
			Store:        engine.Room("test"),
			StoreTimeout: 20 * time.Millisecond,
			Now:          clock.Now,
			NewID:        sequentialIDs("internal"),
		})
		require.NoError(t, err)
		return r
	}

	engine, err := store.OpenPebbleFS(fs, "chat")
	require.NoError(t, err)
	room := openRoom(engine)

	room.Connect("c1")
	confirm, _ := json.Marshal(map[string]any{"type": TypeConfirmName, "name": "Alice", "sessionId": "s1"})
	_, err = room.Handle(ctx, "c1", confirm)
	require.NoError(t, err)

	fs.delay.Store(int64(200 * time.Millisecond))
	raw, _ := json.Marshal(join("s1", "general"))
	out, err := room.Handle(ctx, "c1", raw)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"operation_failed"}, decodeAll(t, out).types())
	assert.Empty(t, room.Members("general"))

	require.NoError(t, engine.Close())
	fs.delay.Store(0)

	engine, err = store.OpenPebbleFS(mem, "chat")
	require.NoError(t, err)
	defer engine.Close()

	reloaded := openRoom(engine)
	assert.Empty(t, reloaded.Members("general"))
	assert.Equal(t, 0, channelByID(t, reloaded, "general").MemberCount)
	s, ok := reloaded.Session("s1")
	require.True(t, ok)
	assert.Empty(t, s.CurrentChannel)
}
