package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/store"
)

// ErrUnknownConnection is returned for envelopes from a connection the
// room never saw connect.
var ErrUnknownConnection = errors.New("unknown connection")

// Options configures a Room. Zero values fall back to defaults.
type Options struct {
	Name               string
	Store              store.Store
	StoreTimeout       time.Duration
	ReservationTTL     time.Duration
	MaxContentLength   int
	CleanupRetention   time.Duration
	AllowClientCleanup bool
	Now                func() time.Time
	NewID              func() string
}

func (o *Options) applyDefaults() {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = DefaultReservationTTL
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = MaxContentLength
	}
	if o.CleanupRetention <= 0 {
		o.CleanupRetention = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

type viewKind int

const (
	viewNone viewKind = iota
	viewChannel
	viewPrivate
)

// conn is one live connection. Until it announces a sessionId it stands in
// for itself.
type conn struct {
	id         string
	sessionID  string
	identified bool
	view       viewKind
	viewID     string
}

// Room is the state of one chat room. It is not safe for concurrent use;
// one goroutine owns it.
type Room struct {
	name     string
	store    store.Store
	opts     Options
	ids      *identityRegistry
	members  *membership
	messages *messageStore
	unread   *unreadTracker

	conns     map[string]*conn
	connOrder []string

	// departures holds sessions whose last connection closed but whose
	// leave could not be saved. The next event retries them.
	departures map[string]struct{}
}

// Open builds a room and reloads its stored rows. Every session comes back
// offline.
func Open(ctx context.Context, opts Options) (*Room, error) {
	if opts.Store == nil {
		return nil, errors.New("chat: room needs a store")
	}
	opts.applyDefaults()

	r := &Room{
		name:     opts.Name,
		store:    opts.Store,
		opts:     opts,
		ids:      newIdentityRegistry(opts.ReservationTTL, opts.Now, opts.NewID),
		members:  newMembership(),
		messages: newMessageStore(),
		unread:   newUnreadTracker(),
		conns:    make(map[string]*conn),

		departures: make(map[string]struct{}),
	}

	loadCtx, cancel := context.WithTimeout(ctx, opts.StoreTimeout)
	defer cancel()
	snap, err := opts.Store.Load(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("chat: load room %q: %w", opts.Name, err)
	}
	r.restore(snap)

	logger.Info("room_loaded",
		"room", r.name,
		"users", len(snap.Users),
		"messages", len(snap.Messages),
		"private_messages", len(snap.PrivateMessages),
	)
	return r, nil
}

func (r *Room) restore(snap *store.Snapshot) {
	for _, row := range snap.Users {
		r.ids.sessions[row.SessionID] = sessionFromRow(row)
	}
	for _, row := range snap.Channels {
		r.members.define(Channel{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			IsActive:    row.IsActive,
		})
	}
	for _, row := range snap.Members {
		if _, ok := r.ids.sessions[row.SessionID]; !ok {
			continue
		}
		if set := r.members.members[row.ChannelID]; set != nil {
			set[row.SessionID] = time.UnixMilli(row.JoinedAt)
		}
	}
	for _, row := range snap.Messages {
		msg := ChatMessage{
			ID:        row.ID,
			Content:   row.Content,
			User:      row.User,
			Role:      row.Role,
			Timestamp: row.Timestamp,
			ChannelID: row.ChannelID,
			SessionID: row.SessionID,
			author:    row.SessionID,
			seq:       row.Seq,
		}
		if s, ok := r.ids.sessions[row.SessionID]; ok && s.IsAnon {
			msg.SessionID = ""
		}
		aud := GlobalAudience()
		if row.ChannelID != "" {
			aud = ChannelAudience(row.ChannelID)
		}
		r.messages.load(aud, msg)
	}
	for _, row := range snap.PrivateMessages {
		user := row.SenderID
		if s, ok := r.ids.sessions[row.SenderID]; ok {
			user = s.DisplayName
		}
		r.messages.load(PrivateAudience(row.SenderID, row.RecipientID), ChatMessage{
			ID:          row.ID,
			Content:     row.Content,
			User:        user,
			Role:        RoleUser,
			Timestamp:   row.Timestamp,
			IsPrivate:   true,
			RecipientID: row.RecipientID,
			SessionID:   row.SenderID,
			author:      row.SenderID,
			seq:         row.Seq,
		})
	}
	for _, row := range snap.ReadState {
		r.unread.load(row)
	}
	r.members.recount(nil)
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Connect registers a live connection and returns its initial state:
// presence, channels and, when there is any, the global history.
func (r *Room) Connect(connID string) []Outbound {
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = &conn{id: connID, sessionID: connID}
		r.connOrder = append(r.connOrder, connID)
	}
	tx := newTxn()
	r.send(tx, connID, r.usersList())
	r.send(tx, connID, ChannelsList{Channels: r.members.List()})
	if history := r.messages.History(GlobalAudience()); len(history) > 0 {
		r.send(tx, connID, HistoryEvent{Messages: history})
	}
	return tx.out
}

// Disconnect forgets a connection. When it was the last connection of its
// session the session leaves its channel, goes offline and drops its name
// leases.
func (r *Room) Disconnect(ctx context.Context, connID string) ([]Outbound, error) {
	c, ok := r.conns[connID]
	if !ok {
		return nil, nil
	}
	delete(r.conns, connID)
	for i, id := range r.connOrder {
		if id == connID {
			r.connOrder = append(r.connOrder[:i], r.connOrder[i+1:]...)
			break
		}
	}
	tx := newTxn()
	r.retryDepartures(tx)
	if c.identified && !r.online(c.sessionID) {
		r.sessionGone(tx, c.sessionID)
	}
	out, err := r.commit(ctx, tx, "", "disconnect")
	if err != nil && c.identified && !r.online(c.sessionID) {
		r.departures[c.sessionID] = struct{}{}
		logger.Warn("departure_deferred", "room", r.name, "session", c.sessionID, "error", err)
	}
	return out, err
}

// retryDepartures replays the leave of every session whose departure failed
// to save and that has not come back since.
func (r *Room) retryDepartures(tx *txn) {
	for sessionID := range r.departures {
		delete(r.departures, sessionID)
		id := sessionID
		tx.onRollback(func() { r.departures[id] = struct{}{} })
		if !r.online(id) {
			r.sessionGone(tx, id)
		}
	}
}

// sessionGone handles the last connection of sessionID going away.
func (r *Room) sessionGone(tx *txn, sessionID string) {
	r.ids.releaseAll(sessionID)
	s, ok := r.ids.session(sessionID)
	if !ok {
		return
	}
	r.ids.touch(sessionID)
	if s.CurrentChannel != "" {
		r.leave(tx, s, s.CurrentChannel)
	}
	r.broadcast(tx, UserLeft(r.presenceEvent(s)))
	r.broadcast(tx, r.usersList())
	r.broadcast(tx, ChannelsList{Channels: r.members.List()})
}

// Handle applies one inbound envelope and returns the payloads to deliver.
// A returned error with outbound payloads means the envelope was aborted
// and the origin is being told so.
func (r *Room) Handle(ctx context.Context, connID string, raw []byte) ([]Outbound, error) {
	c, ok := r.conns[connID]
	if !ok {
		return nil, fmt.Errorf("chat: %w: %s", ErrUnknownConnection, connID)
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		metrics.Rejections.WithLabelValues("malformed").Inc()
		return nil, err
	}
	metrics.Envelopes.WithLabelValues(req.Type()).Inc()

	tx := newTxn()
	r.retryDepartures(tx)
	rebound := r.bind(tx, c, req.Session())

	switch req := req.(type) {
	case NameCheck:
		avail := r.ids.CheckAvailability(req.Name, req.SessionID)
		r.send(tx, c.id, NameCheckResult{Available: avail.Available, IsOwn: avail.IsOwn, Name: req.Name})
	case ReserveName:
		r.handleReserve(tx, c, req)
	case ReleaseName:
		r.ids.Release(req.Name, req.SessionID)
	case ConfirmName:
		r.handleConfirm(tx, c, req)
	case EditName:
		r.handleEdit(tx, c, req)
	case JoinChannel:
		r.handleJoin(tx, c, req)
	case LeaveChannel:
		r.handleLeave(tx, c, req)
	case OpenPrivateChat:
		c.view, c.viewID = viewPrivate, req.RecipientID
		r.send(tx, c.id, PrivateMessages{
			Messages:    r.messages.History(PrivateAudience(req.SessionID, req.RecipientID)),
			RecipientID: req.RecipientID,
		})
	case ClosePrivateChat:
		if c.view == viewPrivate && c.viewID == req.RecipientID {
			c.view, c.viewID = viewNone, ""
		}
	case SendMessage:
		r.handleMessage(tx, c, req, rebound)
	case MarkRead:
		key := req.ChatType + ":" + req.ChatID
		r.unread.MarkRead(tx, req.SessionID, key, r.opts.Now())
		r.sendSession(tx, req.SessionID, UnreadUpdate{
			SessionID: req.SessionID,
			ChatType:  req.ChatType,
			ChatID:    req.ChatID,
		})
	case PrivateChatsListRequest:
		r.pushPrivateState(tx, c.id, req.SessionID, true)
	case DBCleanup:
		if !r.opts.AllowClientCleanup {
			metrics.Rejections.WithLabelValues("cleanup_disabled").Inc()
			r.send(tx, c.id, CleanupResult{Message: "cleanup is disabled on this server"})
			break
		}
		res := r.cleanup(tx)
		r.send(tx, c.id, res)
	}

	return r.commit(ctx, tx, c.id, req.Type())
}

// bind maps c to sessionID. It reports whether the mapping changed, which
// happens on the first identity-bearing envelope of a connection.
func (r *Room) bind(tx *txn, c *conn, sessionID string) bool {
	if sessionID == "" || (c.identified && c.sessionID == sessionID) {
		return false
	}
	prev, wasIdentified := c.sessionID, c.identified
	wasOnline := r.online(sessionID)

	c.sessionID, c.identified = sessionID, true
	tx.onRollback(func() { c.sessionID, c.identified = prev, wasIdentified })

	if wasIdentified && !r.online(prev) {
		r.sessionGone(tx, prev)
	}
	if _, ok := r.ids.session(sessionID); ok && !wasOnline {
		r.ids.touch(sessionID)
		r.broadcast(tx, r.usersList())
	}
	return true
}

func (r *Room) online(sessionID string) bool {
	for _, c := range r.conns {
		if c.identified && c.sessionID == sessionID {
			return true
		}
	}
	return false
}

func (r *Room) handleReserve(tx *txn, c *conn, req ReserveName) {
	if req.IsAnon {
		if _, err := r.register(tx, req.SessionID, AnonLabel, true); err != nil {
			r.reservationFailed(tx, c, req.Name, err)
			return
		}
		r.send(tx, c.id, NameReserved{Name: req.Name, SessionID: req.SessionID})
		return
	}
	if !r.ids.Reserve(req.Name, req.SessionID) {
		err := ErrNameUnavailable
		if impersonatesAnon(req.Name) {
			err = ErrAnonImpersonation
		}
		r.reservationFailed(tx, c, req.Name, err)
		return
	}
	r.send(tx, c.id, NameReserved{Name: req.Name, SessionID: req.SessionID})
}

func (r *Room) reservationFailed(tx *txn, c *conn, name string, err error) {
	metrics.Rejections.WithLabelValues("reservation_failed").Inc()
	r.send(tx, c.id, NameReservationFailed{Name: name, Reason: reasonFor(err)})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrAnonImpersonation):
		return "Name is reserved for anonymous users"
	default:
		return "Name is already taken or reserved"
	}
}

func (r *Room) handleConfirm(tx *txn, c *conn, req ConfirmName) {
	name := req.Name
	if req.IsAnon {
		name = AnonLabel
	}
	s, err := r.register(tx, req.SessionID, name, req.IsAnon)
	if err != nil {
		r.reservationFailed(tx, c, req.Name, err)
		return
	}
	r.send(tx, c.id, NameConfirmed{Name: s.DisplayName, SessionID: s.SessionID, IsAnon: s.IsAnon})
}

func (r *Room) handleEdit(tx *txn, c *conn, req EditName) {
	s, err := r.ids.Rename(tx, req.SessionID, req.Name)
	if err != nil {
		r.reservationFailed(tx, c, req.Name, err)
		return
	}
	r.sendSession(tx, s.SessionID, NameUpdated{Name: s.DisplayName, SessionID: s.SessionID})
	r.broadcast(tx, r.usersList())
}

// register materializes a session through the same checks as an explicit
// confirm and announces it when it is new or renamed.
func (r *Room) register(tx *txn, sessionID, name string, isAnon bool) (Session, error) {
	before, existed := r.ids.session(sessionID)
	s, err := r.ids.Confirm(tx, sessionID, name, isAnon)
	if err != nil {
		return Session{}, err
	}
	r.ids.touch(sessionID)
	if existed && before == s {
		return s, nil
	}
	r.broadcast(tx, UserJoined(r.presenceEvent(s)))
	r.broadcast(tx, r.usersList())
	return s, nil
}

func (r *Room) handleJoin(tx *txn, c *conn, req JoinChannel) {
	if _, ok := r.members.channel(req.ChannelID); !ok {
		return
	}
	s, ok := r.ids.session(req.SessionID)
	if !ok {
		if name, held := r.ids.heldLease(req.SessionID); held {
			var err error
			if s, err = r.register(tx, req.SessionID, name, false); err != nil {
				r.reservationFailed(tx, c, name, err)
				return
			}
			ok = true
		}
	}
	if ok {
		r.join(tx, s, req.ChannelID)
	}
	c.view, c.viewID = viewChannel, req.ChannelID
	r.send(tx, c.id, HistoryEvent{
		Messages:  r.messages.History(ChannelAudience(req.ChannelID)),
		ChannelID: req.ChannelID,
	})
}

// join moves s into channelID, leaving its previous channel first.
func (r *Room) join(tx *txn, s Session, channelID string) Session {
	if s.CurrentChannel == channelID && r.members.isMember(channelID, s.SessionID) {
		return s
	}
	r.members.removeEverywhere(tx, s.SessionID)
	r.members.add(tx, channelID, s.SessionID, r.opts.Now())
	r.members.recount(tx)

	s.CurrentChannel = channelID
	r.ids.put(tx, s)

	r.broadcast(tx, ChannelsList{Channels: r.members.List()})
	r.broadcast(tx, r.usersList())
	return s
}

func (r *Room) handleLeave(tx *txn, c *conn, req LeaveChannel) {
	if c.view == viewChannel && c.viewID == req.ChannelID {
		c.view, c.viewID = viewNone, ""
	}
	s, ok := r.ids.session(req.SessionID)
	if !ok {
		return
	}
	r.leave(tx, s, req.ChannelID)
}

// leave is a no-op when s is not in channelID.
func (r *Room) leave(tx *txn, s Session, channelID string) {
	if !r.members.isMember(channelID, s.SessionID) && s.CurrentChannel != channelID {
		return
	}
	r.members.remove(tx, channelID, s.SessionID)
	r.members.recount(tx)
	if s.CurrentChannel == channelID {
		s.CurrentChannel = ""
		r.ids.put(tx, s)
	}
	r.broadcast(tx, ChannelsList{Channels: r.members.List()})
	r.broadcast(tx, r.usersList())
}

// commit persists the event's batch within the store timeout. On failure
// every in-memory change of the event is undone and the origin, if any, is
// told the operation failed.
func (r *Room) commit(ctx context.Context, tx *txn, origin, request string) ([]Outbound, error) {
	err := tx.batch.Err()
	if err == nil && tx.batch.Len() == 0 {
		return tx.out, nil
	}
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
		start := time.Now()
		err = r.store.Commit(cctx, tx.batch)
		cancel()
		metrics.ObserveStoreWrite(start, err)
	}
	if err == nil {
		return tx.out, nil
	}

	tx.rollback()
	metrics.Rejections.WithLabelValues("store_failure").Inc()
	if origin != "" {
		r.send(tx, origin, OperationFailed{Request: request, Message: "the change could not be saved, please retry"})
	}
	return tx.out, fmt.Errorf("chat: room %q: %s: %w", r.name, request, err)
}

// History returns one stream in insertion order.
func (r *Room) History(aud Audience) []ChatMessage {
	return r.messages.History(aud)
}

// Channels returns every channel with its current member count.
func (r *Room) Channels() []Channel {
	return r.members.List()
}

// Users returns the public roster, which never lists anonymous sessions.
func (r *Room) Users() []UserInfo {
	return r.usersList().Users
}

// Session looks up a session by id.
func (r *Room) Session(sessionID string) (Session, bool) {
	return r.ids.session(sessionID)
}

// Members lists the sessions in a channel, sorted.
func (r *Room) Members(channelID string) []string {
	ids := r.members.memberIDs(channelID)
	sort.Strings(ids)
	return ids
}

// Unread returns a viewer's unread count for a ChannelKey or PrivateKey.
func (r *Room) Unread(sessionID, key string) int {
	return r.unread.Count(sessionID, key)
}

// PrivateChats returns the private conversation summaries of sessionID,
// most recent first.
func (r *Room) PrivateChats(sessionID string) []PrivateChatInfo {
	return r.privateChats(sessionID)
}

// Connections reports the number of live connections.
func (r *Room) Connections() int {
	return len(r.conns)
}
