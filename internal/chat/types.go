// Package chat is the coordination core of a chat room: identities and
// name leases, channel membership, message history, unread counters and
// the routing of every envelope to its audience.
//
// A Room is owned by exactly one goroutine. Nothing in this package locks;
// callers serialize every call through the room's actor loop.
package chat

import (
	"strings"
	"time"
	"unicode/utf16"

	"github.com/Tyrowin/roomchat/internal/store"
)

const (
	// AnonLabel is the only name ever shown for an anonymous session.
	AnonLabel = "Anon"

	// MaxContentLength bounds a message body in UTF-16 code units.
	MaxContentLength = 3000

	// DefaultReservationTTL is how long a name lease blocks other sessions.
	DefaultReservationTTL = 5 * time.Minute

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// IllegalNames can never be claimed, in any letter case.
var IllegalNames = []string{"anonymous", "system", "admin", "moderator", "root"}

// Session is one logical client identity. It outlives connections.
type Session struct {
	SessionID      string
	DisplayName    string
	IsAnon         bool
	InternalID     string
	CreatedAt      time.Time
	CurrentChannel string
}

func (s Session) row() store.UserRow {
	return store.UserRow{
		SessionID:      s.SessionID,
		Name:           s.DisplayName,
		IsAnon:         s.IsAnon,
		CreatedAt:      s.CreatedAt.UnixMilli(),
		CurrentChannel: s.CurrentChannel,
		InternalID:     s.InternalID,
	}
}

func sessionFromRow(r store.UserRow) Session {
	return Session{
		SessionID:      r.SessionID,
		DisplayName:    r.Name,
		IsAnon:         r.IsAnon,
		InternalID:     r.InternalID,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
		CurrentChannel: r.CurrentChannel,
	}
}

// UserInfo is the presence view pushed in users_list.
type UserInfo struct {
	Name           string `json:"name"`
	SessionID      string `json:"sessionId"`
	IsOnline       bool   `json:"isOnline"`
	IsAnon         bool   `json:"isAnon"`
	LastSeen       int64  `json:"lastSeen,omitempty"`
	CurrentChannel string `json:"currentChannel,omitempty"`
}

// Channel is a public channel. MemberCount is derived from membership.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount int    `json:"memberCount"`
	IsActive    bool   `json:"isActive"`
}

func (c Channel) row() store.ChannelRow {
	return store.ChannelRow{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		MemberCount: c.MemberCount,
		IsActive:    c.IsActive,
	}
}

// DefaultChannels are seeded into every room before stored rows load.
var DefaultChannels = []Channel{
	{ID: "general", Name: "#general", Description: "General discussion and announcements", IsActive: true},
	{ID: "random", Name: "#random", Description: "Random topics and casual conversation", IsActive: true},
	{ID: "support", Name: "#support", Description: "Get help and ask questions", IsActive: true},
}

// ChatMessage is a stored message. Exactly one audience applies: a
// ChannelID, a private pair (IsPrivate with RecipientID), or neither for
// the global stream.
type ChatMessage struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	User        string `json:"user"`
	Role        string `json:"role"`
	Timestamp   int64  `json:"timestamp"`
	ChannelID   string `json:"channelId,omitempty"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`

	author string
	seq    uint64
}

// Author returns the session that wrote the message, even when the wire
// form hides it.
func (m ChatMessage) Author() string {
	return m.author
}

// PrivateChatInfo summarises one private conversation for a viewer.
type PrivateChatInfo struct {
	RecipientID     string `json:"recipientId"`
	RecipientName   string `json:"recipientName"`
	LastMessageTime int64  `json:"lastMessageTime"`
	UnreadCount     int    `json:"unreadCount"`
	LastMessage     string `json:"lastMessage,omitempty"`
}

// Outbound is one payload for one live connection.
type Outbound struct {
	ConnID  string
	Payload []byte
}

// contentLength counts UTF-16 code units, the unit clients measure in.
func contentLength(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
			continue
		}
		n++
	}
	return n
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
