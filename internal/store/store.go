// Package store is the durable side of a chat room. It exposes the room's
// tables as typed rows, a write batch that commits atomically, and a Load
// that returns every row for rebuilding in-memory state after a restart.
//
// Two engines implement it: Pebble for real deployments and an in-memory
// engine for tests and for runs without a data directory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrClosed is returned by any call made after the engine was closed.
	ErrClosed = errors.New("store: closed")

	// ErrInjected is the error produced by the memory engine when a test
	// asks it to fail commits.
	ErrInjected = errors.New("store: injected failure")
)

// Table names the logical tables of a room.
type Table string

const (
	TableUsers           Table = "users"
	TableChannels        Table = "channels"
	TableChannelMembers  Table = "channel_members"
	TableMessages        Table = "messages"
	TablePrivateMessages Table = "private_messages"
	TableReadState       Table = "read_state"
)

// Tables lists every table in load order.
var Tables = []Table{
	TableUsers,
	TableChannels,
	TableChannelMembers,
	TableMessages,
	TablePrivateMessages,
	TableReadState,
}

// UserRow is one row of the users table.
type UserRow struct {
	SessionID      string `json:"sessionId"`
	Name           string `json:"name"`
	IsAnon         bool   `json:"isAnon"`
	CreatedAt      int64  `json:"createdAt"`
	CurrentChannel string `json:"currentChannel,omitempty"`
	InternalID     string `json:"internalId,omitempty"`
}

// ChannelRow is one row of the channels table.
type ChannelRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount int    `json:"memberCount"`
	IsActive    bool   `json:"isActive"`
}

// MemberRow is one row of the channel_members table, keyed by the pair.
type MemberRow struct {
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
	JoinedAt  int64  `json:"joinedAt"`
}

// MessageRow is one row of the messages table. ChannelID is empty for
// global messages. Seq preserves insertion order across restarts.
type MessageRow struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	ChannelID string `json:"channelId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
	Seq       uint64 `json:"seq"`
}

// PrivateMessageRow is one row of the private_messages table.
type PrivateMessageRow struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	Seq         uint64 `json:"seq"`
}

// ReadStateRow is one row of the read_state table.
type ReadStateRow struct {
	SessionID  string `json:"sessionId"`
	Key        string `json:"key"`
	Unread     int    `json:"unread"`
	LastReadAt int64  `json:"lastReadAt,omitempty"`
}

// Snapshot holds every row of a room. Messages and PrivateMessages are
// ordered by Seq.
type Snapshot struct {
	Users           []UserRow
	Channels        []ChannelRow
	Members         []MemberRow
	Messages        []MessageRow
	PrivateMessages []PrivateMessageRow
	ReadState       []ReadStateRow
}

// Store is the durable view of one room.
type Store interface {
	// Load returns every row of the room.
	Load(ctx context.Context) (*Snapshot, error)

	// Commit applies all operations of b atomically. On error none of
	// them is visible.
	Commit(ctx context.Context, b *Batch) error
}

// Engine hands out independent per-room stores over one backing database.
type Engine interface {
	Room(name string) Store
	Close() error
}

// Op is a single row mutation inside a Batch.
type Op struct {
	Table  Table
	Key    string
	Value  []byte
	Delete bool
}

// Batch collects row mutations. Setters never fail; encoding errors are
// kept and reported by Err, which engines check before committing.
type Batch struct {
	ops []Op
	err error
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len reports the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Ops returns the queued operations in order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Err returns the first encoding error, if any.
func (b *Batch) Err() error {
	return b.err
}

func (b *Batch) put(t Table, key string, row any) {
	data, err := json.Marshal(row)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("store: encode %s/%s: %w", t, key, err)
		}
		return
	}
	b.ops = append(b.ops, Op{Table: t, Key: key, Value: data})
}

func (b *Batch) del(t Table, key string) {
	b.ops = append(b.ops, Op{Table: t, Key: key, Delete: true})
}

// PutUser upserts a users row.
func (b *Batch) PutUser(r UserRow) { b.put(TableUsers, r.SessionID, r) }

// DeleteUser removes a users row.
func (b *Batch) DeleteUser(sessionID string) { b.del(TableUsers, sessionID) }

// PutChannel upserts a channels row.
func (b *Batch) PutChannel(r ChannelRow) { b.put(TableChannels, r.ID, r) }

// PutMember upserts a channel_members row.
func (b *Batch) PutMember(r MemberRow) {
	b.put(TableChannelMembers, memberKey(r.ChannelID, r.SessionID), r)
}

// DeleteMember removes a channel_members row.
func (b *Batch) DeleteMember(channelID, sessionID string) {
	b.del(TableChannelMembers, memberKey(channelID, sessionID))
}

// PutMessage upserts a messages row.
func (b *Batch) PutMessage(r MessageRow) { b.put(TableMessages, r.ID, r) }

// DeleteMessage removes a messages row.
func (b *Batch) DeleteMessage(id string) { b.del(TableMessages, id) }

// PutPrivateMessage upserts a private_messages row.
func (b *Batch) PutPrivateMessage(r PrivateMessageRow) { b.put(TablePrivateMessages, r.ID, r) }

// DeletePrivateMessage removes a private_messages row.
func (b *Batch) DeletePrivateMessage(id string) { b.del(TablePrivateMessages, id) }

// PutReadState upserts a read_state row.
func (b *Batch) PutReadState(r ReadStateRow) {
	b.put(TableReadState, readStateKey(r.SessionID, r.Key), r)
}

// DeleteReadState removes a read_state row.
func (b *Batch) DeleteReadState(sessionID, key string) {
	b.del(TableReadState, readStateKey(sessionID, key))
}

func memberKey(channelID, sessionID string) string {
	return channelID + "\x00" + sessionID
}

func readStateKey(sessionID, key string) string {
	return sessionID + "\x00" + key
}

// snapshotBuilder decodes raw rows table by table into a Snapshot.
type snapshotBuilder struct {
	snap Snapshot
}

func (sb *snapshotBuilder) add(t Table, value []byte) error {
	var err error
	switch t {
	case TableUsers:
		var r UserRow
		if err = json.Unmarshal(value, &r); err == nil {
			sb.snap.Users = append(sb.snap.Users, r)
		}
	case TableChannels:
		var r ChannelRow
		if err = json.Unmarshal(value, &r); err == nil {
			sb.snap.Channels = append(sb.snap.Channels, r)
		}
	case TableChannelMembers:
		var r MemberRow
		if err = json.Unmarshal(value, &r); err == nil {
			sb.snap.Members = append(sb.snap.Members, r)
		}
	case TableMessages:
		var r MessageRow
		if err = json.Unmarshal(value, &r); err == nil {
			sb.snap.Messages = append(sb.snap.Messages, r)
		}
	case TablePrivateMessages:
		var r PrivateMessageRow
		if err = json.Unmarshal(value, &r); err == nil {
			sb.snap.PrivateMessages = append(sb.snap.PrivateMessages, r)
		}
	case TableReadState:
		var r ReadStateRow
		if err = json.Unmarshal(value, &r); err == nil {
			sb.snap.ReadState = append(sb.snap.ReadState, r)
		}
	default:
		return fmt.Errorf("store: unknown table %q", t)
	}
	if err != nil {
		return fmt.Errorf("store: decode %s row: %w", t, err)
	}
	return nil
}

func (sb *snapshotBuilder) finish() *Snapshot {
	sort.SliceStable(sb.snap.Messages, func(i, j int) bool {
		return sb.snap.Messages[i].Seq < sb.snap.Messages[j].Seq
	})
	sort.SliceStable(sb.snap.PrivateMessages, func(i, j int) bool {
		return sb.snap.PrivateMessages[i].Seq < sb.snap.PrivateMessages[j].Seq
	})
	return &sb.snap
}
