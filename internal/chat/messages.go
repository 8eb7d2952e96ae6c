package chat

import (
	"errors"
	"strings"

	"github.com/Tyrowin/roomchat/internal/store"
)

// ErrMessageConflict means a message id is already used by another
// audience or another author.
var ErrMessageConflict = errors.New("message id belongs to another conversation or author")

// Audience identifies one message stream: the global stream, a channel,
// or an unordered private pair.
type Audience struct {
	ChannelID string
	Private   bool
	A, B      string
}

// GlobalAudience is the room-wide stream.
func GlobalAudience() Audience { return Audience{} }

// ChannelAudience is the stream of one channel.
func ChannelAudience(channelID string) Audience { return Audience{ChannelID: channelID} }

// PrivateAudience is the conversation between two sessions; argument order
// does not matter.
func PrivateAudience(a, b string) Audience {
	if b < a {
		a, b = b, a
	}
	return Audience{Private: true, A: a, B: b}
}

func (a Audience) key() string {
	switch {
	case a.Private:
		return "private:" + a.A + "\x00" + a.B
	case a.ChannelID != "":
		return "channel:" + a.ChannelID
	default:
		return "global"
	}
}

type conversation struct {
	msgs  []ChatMessage
	index map[string]int
}

func newConversation() *conversation {
	return &conversation{index: make(map[string]int)}
}

// messageStore keeps every stream in insertion order. A private
// conversation is one list reachable from both participants through the
// directed byPeer views.
type messageStore struct {
	convs  map[string]*conversation
	byPeer map[string]map[string]*conversation
	ids    map[string]string
	seq    uint64
}

func newMessageStore() *messageStore {
	return &messageStore{
		convs:  map[string]*conversation{"global": newConversation()},
		byPeer: make(map[string]map[string]*conversation),
		ids:    make(map[string]string),
	}
}

func (ms *messageStore) ensure(aud Audience) (*conversation, func()) {
	key := aud.key()
	if conv, ok := ms.convs[key]; ok {
		return conv, func() {}
	}
	conv := newConversation()
	ms.convs[key] = conv
	if !aud.Private {
		return conv, func() { delete(ms.convs, key) }
	}
	ms.link(aud.A, aud.B, conv)
	ms.link(aud.B, aud.A, conv)
	return conv, func() {
		delete(ms.convs, key)
		delete(ms.byPeer[aud.A], aud.B)
		delete(ms.byPeer[aud.B], aud.A)
	}
}

func (ms *messageStore) link(from, to string, conv *conversation) {
	views, ok := ms.byPeer[from]
	if !ok {
		views = make(map[string]*conversation)
		ms.byPeer[from] = views
	}
	views[to] = conv
}

// Append inserts msg, or replaces the content of the message with the same
// id in the same audience. It reports whether an existing message was
// replaced.
func (ms *messageStore) Append(tx *txn, aud Audience, msg ChatMessage) (ChatMessage, bool, error) {
	key := aud.key()
	if owner, ok := ms.ids[msg.ID]; ok {
		if owner != key {
			return ChatMessage{}, false, ErrMessageConflict
		}
		conv := ms.convs[key]
		i := conv.index[msg.ID]
		old := conv.msgs[i]
		if old.author != msg.author {
			return ChatMessage{}, false, ErrMessageConflict
		}
		updated := old
		updated.Content = msg.Content
		conv.msgs[i] = updated
		ms.persist(tx, aud, updated)
		tx.onRollback(func() { conv.msgs[i] = old })
		return updated, true, nil
	}

	conv, undoEnsure := ms.ensure(aud)
	prevSeq := ms.seq
	ms.seq++
	msg.seq = ms.seq
	conv.index[msg.ID] = len(conv.msgs)
	conv.msgs = append(conv.msgs, msg)
	ms.ids[msg.ID] = key
	ms.persist(tx, aud, msg)
	tx.onRollback(func() {
		conv.msgs = conv.msgs[:len(conv.msgs)-1]
		delete(conv.index, msg.ID)
		delete(ms.ids, msg.ID)
		ms.seq = prevSeq
		undoEnsure()
	})
	return msg, false, nil
}

func (ms *messageStore) persist(tx *txn, aud Audience, m ChatMessage) {
	if aud.Private {
		tx.batch.PutPrivateMessage(store.PrivateMessageRow{
			ID:          m.ID,
			SenderID:    m.author,
			RecipientID: m.RecipientID,
			Content:     m.Content,
			Timestamp:   m.Timestamp,
			Seq:         m.seq,
		})
		return
	}
	tx.batch.PutMessage(store.MessageRow{
		ID:        m.ID,
		User:      m.User,
		Role:      m.Role,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		Timestamp: m.Timestamp,
		SessionID: m.author,
		Seq:       m.seq,
	})
}

// load inserts a stored message during startup. Later rows with the same
// id win.
func (ms *messageStore) load(aud Audience, msg ChatMessage) {
	if msg.seq > ms.seq {
		ms.seq = msg.seq
	}
	key := aud.key()
	if owner, ok := ms.ids[msg.ID]; ok && owner == key {
		conv := ms.convs[key]
		conv.msgs[conv.index[msg.ID]] = msg
		return
	}
	conv, _ := ms.ensure(aud)
	conv.index[msg.ID] = len(conv.msgs)
	conv.msgs = append(conv.msgs, msg)
	ms.ids[msg.ID] = key
}

// History returns a copy of one stream in insertion order.
func (ms *messageStore) History(aud Audience) []ChatMessage {
	conv, ok := ms.convs[aud.key()]
	if !ok {
		return []ChatMessage{}
	}
	out := make([]ChatMessage, len(conv.msgs))
	copy(out, conv.msgs)
	return out
}

// lastPrivate returns the newest message of each private conversation
// sessionID takes part in, keyed by peer.
func (ms *messageStore) lastPrivate(sessionID string) map[string]ChatMessage {
	out := make(map[string]ChatMessage)
	for peer, conv := range ms.byPeer[sessionID] {
		if len(conv.msgs) == 0 {
			continue
		}
		out[peer] = conv.msgs[len(conv.msgs)-1]
	}
	return out
}

// removeSession drops every private conversation sessionID takes part in
// and every public message it authored. It returns the counts removed.
func (ms *messageStore) removeSession(tx *txn, sessionID string) (public, private int) {
	for peer, conv := range ms.byPeer[sessionID] {
		aud := PrivateAudience(sessionID, peer)
		key := aud.key()
		for _, m := range conv.msgs {
			delete(ms.ids, m.ID)
			tx.batch.DeletePrivateMessage(m.ID)
			private++
		}
		delete(ms.convs, key)
		delete(ms.byPeer[peer], sessionID)
		restored, p := conv, peer
		tx.onRollback(func() {
			ms.convs[key] = restored
			ms.link(sessionID, p, restored)
			ms.link(p, sessionID, restored)
			for _, m := range restored.msgs {
				ms.ids[m.ID] = key
			}
		})
	}
	if views, ok := ms.byPeer[sessionID]; ok {
		delete(ms.byPeer, sessionID)
		tx.onRollback(func() { ms.byPeer[sessionID] = views })
	}

	for key, conv := range ms.convs {
		if strings.HasPrefix(key, "private:") {
			continue
		}
		kept := make([]ChatMessage, 0, len(conv.msgs))
		for _, m := range conv.msgs {
			if m.author == sessionID {
				delete(ms.ids, m.ID)
				tx.batch.DeleteMessage(m.ID)
				public++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == len(conv.msgs) {
			continue
		}
		oldMsgs, oldIndex := conv.msgs, conv.index
		conv.msgs = kept
		conv.index = make(map[string]int, len(kept))
		for i, m := range kept {
			conv.index[m.ID] = i
		}
		k, c := key, conv
		tx.onRollback(func() {
			c.msgs, c.index = oldMsgs, oldIndex
			for _, m := range oldMsgs {
				ms.ids[m.ID] = k
			}
		})
	}
	return public, private
}
