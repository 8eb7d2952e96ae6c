package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/store"
)

// ErrInvalidRoom is returned for room names outside [A-Za-z0-9_-]{1,64}.
var ErrInvalidRoom = errors.New("invalid room name")

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// Rooms starts one hub per room on first use. Rooms share nothing but the
// storage engine, where each has its own key prefix.
type Rooms struct {
	mu      sync.Mutex
	engine  store.Engine
	hubs    map[string]*Hub
	closed  bool
	options func(name string) chat.Options
}

// NewRooms returns a registry over engine. Room options come from the
// active configuration.
func NewRooms(engine store.Engine) *Rooms {
	return &Rooms{
		engine:  engine,
		hubs:    make(map[string]*Hub),
		options: roomOptions,
	}
}

func roomOptions(name string) chat.Options {
	cfg := currentConfig()
	return chat.Options{
		Name:               name,
		StoreTimeout:       cfg.StoreTimeout.Std(),
		ReservationTTL:     cfg.ReservationTTL.Std(),
		MaxContentLength:   cfg.MaxContentLength,
		CleanupRetention:   cfg.Cleanup.Retention.Std(),
		AllowClientCleanup: cfg.Cleanup.AllowClient,
	}
}

// Get returns the hub of name, loading the room and starting its actor if
// it is not running yet.
func (rs *Rooms) Get(ctx context.Context, name string) (*Hub, error) {
	if !validRoomName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, store.ErrClosed
	}
	if h, ok := rs.hubs[name]; ok {
		return h, nil
	}

	opts := rs.options(name)
	opts.Store = rs.engine.Room(name)
	room, err := chat.Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	h := NewHub(name, room)
	rs.hubs[name] = h
	go h.Run()
	logger.Info("room_started", "room", name)
	return h, nil
}

// Each calls fn for every running hub in name order.
func (rs *Rooms) Each(fn func(*Hub)) {
	rs.mu.Lock()
	hubs := make([]*Hub, 0, len(rs.hubs))
	for _, h := range rs.hubs {
		hubs = append(hubs, h)
	}
	rs.mu.Unlock()

	sort.Slice(hubs, func(i, j int) bool { return hubs[i].name < hubs[j].name })
	for _, h := range hubs {
		fn(h)
	}
}

// CleanupAll runs a cleanup pass in every running room.
func (rs *Rooms) CleanupAll(ctx context.Context) {
	rs.Each(func(h *Hub) {
		res, err := h.Cleanup(ctx)
		if err != nil {
			logger.Error("cleanup_failed", "room", h.name, "error", err)
			return
		}
		logger.Info("cleanup_done",
			"room", h.name,
			"removed_users", res.RemovedUsers,
			"removed_messages", res.RemovedMessages,
			"removed_private_messages", res.RemovedPrivateMessages,
		)
	})
}

// Shutdown stops every hub. New rooms can no longer be opened.
func (rs *Rooms) Shutdown(timeout time.Duration) error {
	rs.mu.Lock()
	rs.closed = true
	rs.mu.Unlock()

	var errs []error
	rs.Each(func(h *Hub) {
		if err := h.Shutdown(timeout); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", h.name, err))
		}
	})
	return errors.Join(errs...)
}
