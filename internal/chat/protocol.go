package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEnvelope is returned for a type tag the room does not serve.
	ErrUnknownEnvelope = errors.New("unknown envelope type")

	// ErrInvalidEnvelope is returned when an envelope is not valid JSON or
	// misses a required field.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Inbound type tags.
const (
	TypeNameCheck        = "name_check"
	TypeReserveName      = "reserve_name"
	TypeReleaseName      = "release_name"
	TypeConfirmName      = "confirm_name"
	TypeEditName         = "edit_name"
	TypeJoinChannel      = "join_channel"
	TypeLeaveChannel     = "leave_channel"
	TypeOpenPrivateChat  = "open_private_chat"
	TypeClosePrivateChat = "close_private_chat"
	TypeAdd              = "add"
	TypeUpdate           = "update"
	TypeMarkRead         = "mark_read"
	TypePrivateChatsList = "private_chats_list_request"
	TypeDBCleanup        = "db_cleanup"
)

// Request is one decoded client envelope.
type Request interface {
	Type() string
	// Session is the sessionId the envelope announces, if any.
	Session() string
	validate() error
}

type NameCheck struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
}

type ReserveName struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
	IsAnon    bool   `json:"isAnon,omitempty"`
}

type ReleaseName struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
}

// ConfirmName turns a held lease (or an anonymous request) into a Session.
type ConfirmName struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
	IsAnon    bool   `json:"isAnon,omitempty"`
}

type EditName struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
}

type JoinChannel struct {
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
}

type LeaveChannel struct {
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
}

type OpenPrivateChat struct {
	RecipientID string `json:"recipientId"`
	SessionID   string `json:"sessionId"`
}

type ClosePrivateChat struct {
	RecipientID string `json:"recipientId"`
	SessionID   string `json:"sessionId"`
}

// SendMessage is both add and update; a known id is always an update.
type SendMessage struct {
	Kind        string `json:"-"`
	ID          string `json:"id"`
	Content     string `json:"content"`
	User        string `json:"user"`
	Role        string `json:"role"`
	ChannelID   string `json:"channelId,omitempty"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	IsAnon      bool   `json:"isAnon,omitempty"`
}

type MarkRead struct {
	SessionID string `json:"sessionId"`
	ChatType  string `json:"chatType"`
	ChatID    string `json:"chatId"`
}

type PrivateChatsListRequest struct {
	SessionID string `json:"sessionId"`
}

type DBCleanup struct {
	SessionID string `json:"sessionId"`
}

func (NameCheck) Type() string               { return TypeNameCheck }
func (ReserveName) Type() string             { return TypeReserveName }
func (ReleaseName) Type() string             { return TypeReleaseName }
func (ConfirmName) Type() string             { return TypeConfirmName }
func (EditName) Type() string                { return TypeEditName }
func (JoinChannel) Type() string             { return TypeJoinChannel }
func (LeaveChannel) Type() string            { return TypeLeaveChannel }
func (OpenPrivateChat) Type() string         { return TypeOpenPrivateChat }
func (ClosePrivateChat) Type() string        { return TypeClosePrivateChat }
func (m SendMessage) Type() string           { return m.Kind }
func (MarkRead) Type() string                { return TypeMarkRead }
func (PrivateChatsListRequest) Type() string { return TypePrivateChatsList }
func (DBCleanup) Type() string               { return TypeDBCleanup }

func (r NameCheck) Session() string               { return r.SessionID }
func (r ReserveName) Session() string             { return r.SessionID }
func (r ReleaseName) Session() string             { return r.SessionID }
func (r ConfirmName) Session() string             { return r.SessionID }
func (r EditName) Session() string                { return r.SessionID }
func (r JoinChannel) Session() string             { return r.SessionID }
func (r LeaveChannel) Session() string            { return r.SessionID }
func (r OpenPrivateChat) Session() string         { return r.SessionID }
func (r ClosePrivateChat) Session() string        { return r.SessionID }
func (r SendMessage) Session() string             { return r.SessionID }
func (r MarkRead) Session() string                { return r.SessionID }
func (r PrivateChatsListRequest) Session() string { return r.SessionID }
func (r DBCleanup) Session() string               { return r.SessionID }

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, fields[i])
		}
	}
	return nil
}

func (r NameCheck) validate() error { return required("sessionId", r.SessionID) }
func (r ReserveName) validate() error {
	return required("sessionId", r.SessionID, "name", r.Name)
}
func (r ReleaseName) validate() error {
	return required("sessionId", r.SessionID, "name", r.Name)
}
func (r ConfirmName) validate() error {
	if r.IsAnon {
		return required("sessionId", r.SessionID)
	}
	return required("sessionId", r.SessionID, "name", r.Name)
}
func (r EditName) validate() error {
	return required("sessionId", r.SessionID, "name", r.Name)
}
func (r JoinChannel) validate() error {
	return required("sessionId", r.SessionID, "channelId", r.ChannelID)
}
func (r LeaveChannel) validate() error {
	return required("sessionId", r.SessionID, "channelId", r.ChannelID)
}
func (r OpenPrivateChat) validate() error {
	return required("sessionId", r.SessionID, "recipientId", r.RecipientID)
}
func (r ClosePrivateChat) validate() error {
	return required("sessionId", r.SessionID, "recipientId", r.RecipientID)
}

func (r SendMessage) validate() error {
	if err := required("id", r.ID); err != nil {
		return err
	}
	if r.IsPrivate {
		return required("recipientId", r.RecipientID)
	}
	return nil
}

func (r MarkRead) validate() error {
	if err := required("sessionId", r.SessionID, "chatId", r.ChatID); err != nil {
		return err
	}
	if r.ChatType != ChatTypeChannel && r.ChatType != ChatTypePrivate {
		return fmt.Errorf("%w: chatType %q", ErrInvalidEnvelope, r.ChatType)
	}
	return nil
}

func (r PrivateChatsListRequest) validate() error { return required("sessionId", r.SessionID) }
func (r DBCleanup) validate() error               { return nil }

// DecodeRequest parses one client envelope into its concrete type.
func DecodeRequest(raw []byte) (Request, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var req Request
	switch head.Type {
	case TypeNameCheck:
		req = decodeAs[NameCheck](raw)
	case TypeReserveName:
		req = decodeAs[ReserveName](raw)
	case TypeReleaseName:
		req = decodeAs[ReleaseName](raw)
	case TypeConfirmName:
		req = decodeAs[ConfirmName](raw)
	case TypeEditName:
		req = decodeAs[EditName](raw)
	case TypeJoinChannel:
		req = decodeAs[JoinChannel](raw)
	case TypeLeaveChannel:
		req = decodeAs[LeaveChannel](raw)
	case TypeOpenPrivateChat:
		req = decodeAs[OpenPrivateChat](raw)
	case TypeClosePrivateChat:
		req = decodeAs[ClosePrivateChat](raw)
	case TypeAdd, TypeUpdate:
		if m, ok := decodeAs[SendMessage](raw).(SendMessage); ok {
			m.Kind = head.Type
			req = m
		}
	case TypeMarkRead:
		req = decodeAs[MarkRead](raw)
	case TypePrivateChatsList:
		req = decodeAs[PrivateChatsListRequest](raw)
	case TypeDBCleanup:
		req = decodeAs[DBCleanup](raw)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, head.Type)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: malformed %s", ErrInvalidEnvelope, head.Type)
	}
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", head.Type, err)
	}
	return req, nil
}

// decodeAs returns nil when raw does not fit T.
func decodeAs[T Request](raw []byte) Request {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Event is one server envelope. EventType is written as the leading
// "type" field.
type Event interface {
	EventType() string
}

type NameCheckResult struct {
	Available bool   `json:"available"`
	IsOwn     bool   `json:"isOwn"`
	Name      string `json:"name"`
}

type NameReserved struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
}

type NameReservationFailed struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type NameConfirmed struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
	IsAnon    bool   `json:"isAnon"`
}

type NameUpdated struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
}

type NameTaken struct {
	Name string `json:"name"`
}

type MessageTooLong struct {
	Message string `json:"message"`
}

// HistoryEvent is the "all" envelope: the global stream, or one channel's
// when ChannelID is set.
type HistoryEvent struct {
	Messages  []ChatMessage `json:"messages"`
	ChannelID string        `json:"channelId,omitempty"`
}

type PrivateMessages struct {
	Messages    []ChatMessage `json:"messages"`
	RecipientID string        `json:"recipientId"`
}

type PrivateChatsList struct {
	Chats []PrivateChatInfo `json:"chats"`
}

type UsersList struct {
	Users []UserInfo `json:"users"`
}

type ChannelsList struct {
	Channels []Channel `json:"channels"`
}

type UserJoined struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId,omitempty"`
}

type UserLeft struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId,omitempty"`
}

type UnreadUpdate struct {
	SessionID   string `json:"sessionId"`
	ChatType    string `json:"chatType"`
	ChatID      string `json:"chatId"`
	UnreadCount int    `json:"unreadCount"`
}

// MessageEvent is the copy of an add or update delivered to an audience.
type MessageEvent struct {
	Kind string `json:"-"`
	ChatMessage
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	Success                bool   `json:"success"`
	Message                string `json:"message"`
	RemovedUsers           int    `json:"removedUsers"`
	RemovedMessages        int    `json:"removedMessages"`
	RemovedPrivateMessages int    `json:"removedPrivateMessages"`
}

// OperationFailed tells the origin that its envelope was aborted.
type OperationFailed struct {
	Request string `json:"request"`
	Message string `json:"message"`
}

func (NameCheckResult) EventType() string       { return "name_check_result" }
func (NameReserved) EventType() string          { return "name_reserved" }
func (NameReservationFailed) EventType() string { return "name_reservation_failed" }
func (NameConfirmed) EventType() string         { return "name_confirmed" }
func (NameUpdated) EventType() string           { return "name_updated" }
func (NameTaken) EventType() string             { return "name_taken" }
func (MessageTooLong) EventType() string        { return "message_too_long" }
func (HistoryEvent) EventType() string          { return "all" }
func (PrivateMessages) EventType() string       { return "private_messages" }
func (PrivateChatsList) EventType() string      { return "private_chats_list_response" }
func (UsersList) EventType() string             { return "users_list" }
func (ChannelsList) EventType() string          { return "channels_list" }
func (UserJoined) EventType() string            { return "user_joined" }
func (UserLeft) EventType() string              { return "user_left" }
func (UnreadUpdate) EventType() string          { return "unread_update" }
func (e MessageEvent) EventType() string        { return e.Kind }
func (CleanupResult) EventType() string         { return "db_cleanup_result" }
func (OperationFailed) EventType() string       { return "operation_failed" }

// Encode renders ev with its type tag as the first field.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	tag, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
