package chat

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

func encodeOrLog(ev Event) ([]byte, bool) {
	payload, err := Encode(ev)
	if err != nil {
		logger.Error("encode_failed", "type", ev.EventType(), "error", err)
		return nil, false
	}
	return payload, true
}

// send queues ev for one connection.
func (r *Room) send(tx *txn, connID string, ev Event) {
	if payload, ok := encodeOrLog(ev); ok {
		tx.out = append(tx.out, Outbound{ConnID: connID, Payload: payload})
	}
}

// sendSession queues ev for every live connection of sessionID.
func (r *Room) sendSession(tx *txn, sessionID string, ev Event) {
	r.sendWhere(tx, ev, func(c *conn) bool { return c.identified && c.sessionID == sessionID })
}

// broadcast queues ev for every live connection.
func (r *Room) broadcast(tx *txn, ev Event) {
	r.sendWhere(tx, ev, func(*conn) bool { return true })
}

// sendChannel queues ev for the connections of channel members.
func (r *Room) sendChannel(tx *txn, channelID string, ev Event) {
	r.sendWhere(tx, ev, func(c *conn) bool {
		return c.identified && r.members.isMember(channelID, c.sessionID)
	})
}

func (r *Room) sendWhere(tx *txn, ev Event, match func(*conn) bool) {
	var payload []byte
	for _, id := range r.connOrder {
		c := r.conns[id]
		if !match(c) {
			continue
		}
		if payload == nil {
			var ok bool
			if payload, ok = encodeOrLog(ev); !ok {
				return
			}
		}
		tx.out = append(tx.out, Outbound{ConnID: id, Payload: payload})
	}
}

// presenceEvent is the masked join/leave view of s.
func (r *Room) presenceEvent(s Session) UserJoined {
	if s.IsAnon {
		return UserJoined{Name: AnonLabel}
	}
	return UserJoined{Name: s.DisplayName, SessionID: s.SessionID}
}

// usersList builds the public roster: named sessions only, oldest first.
func (r *Room) usersList() UsersList {
	users := make([]UserInfo, 0, len(r.ids.sessions))
	sessions := make([]Session, 0, len(r.ids.sessions))
	for _, s := range r.ids.sessions {
		if !s.IsAnon {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	for _, s := range sessions {
		info := UserInfo{
			Name:           s.DisplayName,
			SessionID:      s.SessionID,
			IsOnline:       r.online(s.SessionID),
			CurrentChannel: s.CurrentChannel,
		}
		if seen, ok := r.ids.lastSeen[s.SessionID]; ok {
			info.LastSeen = seen.UnixMilli()
		}
		users = append(users, info)
	}
	return UsersList{Users: users}
}

func (r *Room) privateChats(sessionID string) []PrivateChatInfo {
	last := r.messages.lastPrivate(sessionID)
	chats := make([]PrivateChatInfo, 0, len(last))
	for peer, msg := range last {
		name := peer
		if s, ok := r.ids.session(peer); ok {
			name = s.DisplayName
		}
		chats = append(chats, PrivateChatInfo{
			RecipientID:     peer,
			RecipientName:   name,
			LastMessageTime: msg.Timestamp,
			UnreadCount:     r.unread.Count(sessionID, PrivateKey(peer)),
			LastMessage:     msg.Content,
		})
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastMessageTime != chats[j].LastMessageTime {
			return chats[i].LastMessageTime > chats[j].LastMessageTime
		}
		return chats[i].RecipientID < chats[j].RecipientID
	})
	return chats
}

// pushPrivateState sends the private summaries and private unread counts
// of sessionID to one connection. Without always it stays quiet when the
// session has no private conversations.
func (r *Room) pushPrivateState(tx *txn, connID, sessionID string, always bool) {
	chats := r.privateChats(sessionID)
	if len(chats) == 0 && !always {
		return
	}
	r.send(tx, connID, PrivateChatsList{Chats: chats})

	counts := r.unread.privateCounts(sessionID)
	peers := make([]string, 0, len(counts))
	for peer := range counts {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	for _, peer := range peers {
		r.send(tx, connID, UnreadUpdate{
			SessionID:   sessionID,
			ChatType:    ChatTypePrivate,
			ChatID:      peer,
			UnreadCount: counts[peer],
		})
	}
}

// handleMessage applies add and update. Validation runs before anything is
// registered so a rejected message leaves no trace.
func (r *Room) handleMessage(tx *txn, c *conn, req SendMessage, rebound bool) {
	if contentLength(req.Content) > r.opts.MaxContentLength {
		metrics.Rejections.WithLabelValues("message_too_long").Inc()
		r.send(tx, c.id, MessageTooLong{Message: fmt.Sprintf(
			"Message is too long. Please keep messages under %s characters.",
			humanize.Comma(int64(r.opts.MaxContentLength)),
		)})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
		rebound = r.bind(tx, c, sessionID) || rebound
	}

	s, exists := r.ids.session(sessionID)
	if !exists {
		var err error
		s, err = r.register(tx, sessionID, req.User, req.IsAnon)
		if err != nil {
			metrics.Rejections.WithLabelValues("name_taken").Inc()
			r.send(tx, c.id, NameTaken{Name: req.User})
			return
		}
		if req.ChannelID != "" && !req.IsPrivate {
			if _, ok := r.members.channel(req.ChannelID); ok {
				s = r.join(tx, s, req.ChannelID)
			}
		}
	} else {
		r.ids.touch(sessionID)
	}
	if !exists || rebound {
		r.pushPrivateState(tx, c.id, sessionID, false)
	}

	var aud Audience
	switch {
	case req.IsPrivate:
		aud = PrivateAudience(sessionID, req.RecipientID)
	case req.ChannelID != "":
		if _, ok := r.members.channel(req.ChannelID); !ok {
			return
		}
		aud = ChannelAudience(req.ChannelID)
	default:
		aud = GlobalAudience()
	}
	if s.IsAnon && aud.ChannelID == "" {
		metrics.Rejections.WithLabelValues("anonymous_scope").Inc()
		return
	}

	role := req.Role
	if role != RoleAssistant {
		role = RoleUser
	}
	msg := ChatMessage{
		ID:        req.ID,
		Content:   req.Content,
		User:      s.DisplayName,
		Role:      role,
		Timestamp: r.opts.Now().UnixMilli(),
		ChannelID: aud.ChannelID,
		SessionID: sessionID,
		author:    sessionID,
	}
	if aud.Private {
		msg.IsPrivate = true
		msg.RecipientID = req.RecipientID
	}
	if s.IsAnon {
		msg.User = AnonLabel
		msg.SessionID = ""
	}

	stored, replaced, err := r.messages.Append(tx, aud, msg)
	if err != nil {
		metrics.Rejections.WithLabelValues("message_conflict").Inc()
		r.send(tx, c.id, OperationFailed{Request: req.Kind, Message: err.Error()})
		return
	}
	ev := MessageEvent{Kind: req.Kind, ChatMessage: stored}

	switch {
	case aud.Private:
		r.routePrivate(tx, sessionID, req.RecipientID, ev, replaced)
	case aud.ChannelID != "":
		r.routeChannel(tx, sessionID, aud.ChannelID, ev, replaced)
	default:
		r.broadcast(tx, ev)
	}
}

// routePrivate delivers to both participants and refreshes their
// summaries. Only new messages from the other side count as unread.
func (r *Room) routePrivate(tx *txn, sender, recipient string, ev MessageEvent, replaced bool) {
	r.sendSession(tx, sender, ev)
	if recipient == sender {
		r.sendSession(tx, sender, PrivateChatsList{Chats: r.privateChats(sender)})
		return
	}
	r.sendSession(tx, recipient, ev)

	count := r.unread.Count(recipient, PrivateKey(sender))
	if !replaced {
		count = r.unread.Increment(tx, recipient, PrivateKey(sender))
	}
	r.sendSession(tx, sender, PrivateChatsList{Chats: r.privateChats(sender)})
	r.sendSession(tx, recipient, PrivateChatsList{Chats: r.privateChats(recipient)})
	r.sendSession(tx, recipient, UnreadUpdate{
		SessionID:   recipient,
		ChatType:    ChatTypePrivate,
		ChatID:      sender,
		UnreadCount: count,
	})
}

// routeChannel delivers to members of the channel, sender included, and
// counts the message as unread for everyone else in it.
func (r *Room) routeChannel(tx *txn, sender, channelID string, ev MessageEvent, replaced bool) {
	r.sendChannel(tx, channelID, ev)
	if replaced {
		return
	}
	members := r.members.memberIDs(channelID)
	sort.Strings(members)
	key := ChannelKey(channelID)
	for _, member := range members {
		if member == sender {
			continue
		}
		count := r.unread.Increment(tx, member, key)
		r.sendSession(tx, member, UnreadUpdate{
			SessionID:   member,
			ChatType:    ChatTypeChannel,
			ChatID:      channelID,
			UnreadCount: count,
		})
	}
}
