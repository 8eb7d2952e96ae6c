package chat

import (
	"time"

	"github.com/Tyrowin/roomchat/internal/store"
)

// membership owns the channel roster. A session is in at most one channel;
// the Session's CurrentChannel mirrors that and is kept in step by Room.
type membership struct {
	channels map[string]*Channel
	order    []string
	members  map[string]map[string]time.Time
}

func newMembership() *membership {
	m := &membership{
		channels: make(map[string]*Channel),
		members:  make(map[string]map[string]time.Time),
	}
	for _, ch := range DefaultChannels {
		m.define(ch)
	}
	return m
}

// define adds or replaces a channel definition, keeping its position.
func (m *membership) define(ch Channel) {
	if _, ok := m.channels[ch.ID]; !ok {
		m.order = append(m.order, ch.ID)
	}
	c := ch
	m.channels[ch.ID] = &c
	if m.members[ch.ID] == nil {
		m.members[ch.ID] = make(map[string]time.Time)
	}
}

func (m *membership) channel(id string) (Channel, bool) {
	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

func (m *membership) isMember(channelID, sessionID string) bool {
	_, ok := m.members[channelID][sessionID]
	return ok
}

// memberIDs lists the sessions in a channel.
func (m *membership) memberIDs(channelID string) []string {
	set := m.members[channelID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// List returns every channel in definition order.
func (m *membership) List() []Channel {
	out := make([]Channel, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.channels[id])
	}
	return out
}

// add inserts the pair; a no-op when already present.
func (m *membership) add(tx *txn, channelID, sessionID string, at time.Time) {
	set := m.members[channelID]
	if set == nil {
		return
	}
	if _, ok := set[sessionID]; ok {
		return
	}
	set[sessionID] = at
	tx.batch.PutMember(memberRow(channelID, sessionID, at))
	tx.onRollback(func() { delete(set, sessionID) })
}

// remove deletes the pair; a no-op when absent.
func (m *membership) remove(tx *txn, channelID, sessionID string) {
	set := m.members[channelID]
	joined, ok := set[sessionID]
	if !ok {
		return
	}
	delete(set, sessionID)
	tx.batch.DeleteMember(channelID, sessionID)
	tx.onRollback(func() { set[sessionID] = joined })
}

// removeEverywhere drops sessionID from every channel.
func (m *membership) removeEverywhere(tx *txn, sessionID string) {
	for _, id := range m.order {
		m.remove(tx, id, sessionID)
	}
}

// recount sets every MemberCount from the member sets in one full pass and
// persists the channels whose count moved.
func (m *membership) recount(tx *txn) {
	for _, id := range m.order {
		ch := m.channels[id]
		n := len(m.members[id])
		if ch.MemberCount == n {
			continue
		}
		prev := ch.MemberCount
		ch.MemberCount = n
		if tx != nil {
			tx.batch.PutChannel(ch.row())
			tx.onRollback(func() { ch.MemberCount = prev })
		}
	}
}

func memberRow(channelID, sessionID string, at time.Time) store.MemberRow {
	return store.MemberRow{ChannelID: channelID, SessionID: sessionID, JoinedAt: at.UnixMilli()}
}
