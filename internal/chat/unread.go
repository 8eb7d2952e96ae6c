package chat

import (
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/store"
)

// Conversation kinds used in unread keys and on the wire.
const (
	ChatTypeChannel = "channel"
	ChatTypePrivate = "private"
)

// ChannelKey is the unread key of a channel.
func ChannelKey(channelID string) string { return ChatTypeChannel + ":" + channelID }

// PrivateKey is the unread key of the private conversation with peer.
func PrivateKey(peerSessionID string) string { return ChatTypePrivate + ":" + peerSessionID }

// splitKey is the inverse of ChannelKey and PrivateKey.
func splitKey(key string) (chatType, chatID string, ok bool) {
	chatType, chatID, ok = strings.Cut(key, ":")
	if !ok || chatID == "" || (chatType != ChatTypeChannel && chatType != ChatTypePrivate) {
		return "", "", false
	}
	return chatType, chatID, true
}

type readState struct {
	unread   int
	lastRead time.Time
}

// unreadTracker holds per-viewer counters. Counters start at zero and are
// created on first touch.
type unreadTracker struct {
	counts map[string]map[string]*readState
}

func newUnreadTracker() *unreadTracker {
	return &unreadTracker{counts: make(map[string]map[string]*readState)}
}

func (u *unreadTracker) state(tx *txn, sessionID, key string) *readState {
	perSession, ok := u.counts[sessionID]
	if !ok {
		perSession = make(map[string]*readState)
		u.counts[sessionID] = perSession
		tx.onRollback(func() { delete(u.counts, sessionID) })
	}
	st, ok := perSession[key]
	if !ok {
		st = &readState{}
		perSession[key] = st
		tx.onRollback(func() { delete(perSession, key) })
	}
	return st
}

// Increment adds one unread message and returns the new count.
func (u *unreadTracker) Increment(tx *txn, sessionID, key string) int {
	st := u.state(tx, sessionID, key)
	st.unread++
	tx.onRollback(func() { st.unread-- })
	tx.batch.PutReadState(readStateRow(sessionID, key, st))
	return st.unread
}

// MarkRead resets the counter and records when it happened. The time is
// kept for bookkeeping; counts are never recomputed from it.
func (u *unreadTracker) MarkRead(tx *txn, sessionID, key string, at time.Time) {
	st := u.state(tx, sessionID, key)
	prev := *st
	st.unread = 0
	st.lastRead = at
	tx.onRollback(func() { *st = prev })
	tx.batch.PutReadState(readStateRow(sessionID, key, st))
}

// Count returns the unread count, zero when never touched.
func (u *unreadTracker) Count(sessionID, key string) int {
	if st, ok := u.counts[sessionID][key]; ok {
		return st.unread
	}
	return 0
}

// privateCounts returns the private counters of sessionID keyed by peer.
func (u *unreadTracker) privateCounts(sessionID string) map[string]int {
	out := make(map[string]int)
	for key, st := range u.counts[sessionID] {
		if chatType, peer, ok := splitKey(key); ok && chatType == ChatTypePrivate {
			out[peer] = st.unread
		}
	}
	return out
}

// removeSession forgets every counter owned by sessionID or pointing at it
// as a private peer.
func (u *unreadTracker) removeSession(tx *txn, sessionID string) {
	if perSession, ok := u.counts[sessionID]; ok {
		for key := range perSession {
			tx.batch.DeleteReadState(sessionID, key)
		}
		delete(u.counts, sessionID)
		tx.onRollback(func() { u.counts[sessionID] = perSession })
	}
	peerKey := PrivateKey(sessionID)
	for owner, perSession := range u.counts {
		st, ok := perSession[peerKey]
		if !ok {
			continue
		}
		delete(perSession, peerKey)
		tx.batch.DeleteReadState(owner, peerKey)
		m := perSession
		tx.onRollback(func() { m[peerKey] = st })
	}
}

// load restores a stored counter.
func (u *unreadTracker) load(r store.ReadStateRow) {
	perSession, ok := u.counts[r.SessionID]
	if !ok {
		perSession = make(map[string]*readState)
		u.counts[r.SessionID] = perSession
	}
	st := &readState{unread: r.Unread}
	if r.LastReadAt > 0 {
		st.lastRead = time.UnixMilli(r.LastReadAt)
	}
	perSession[r.Key] = st
}

func readStateRow(sessionID, key string, st *readState) store.ReadStateRow {
	row := store.ReadStateRow{SessionID: sessionID, Key: key, Unread: st.unread}
	if !st.lastRead.IsZero() {
		row.LastReadAt = st.lastRead.UnixMilli()
	}
	return row
}
