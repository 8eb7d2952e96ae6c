package chat

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNameUnavailable means the name is illegal, taken, or leased by
	// another session.
	ErrNameUnavailable = errors.New("name is already taken or reserved")

	// ErrAnonImpersonation means a named session tried to look like an
	// auto-generated anonymous label.
	ErrAnonImpersonation = errors.New("name imitates an anonymous label")
)

var anonPattern = regexp.MustCompile(`(?i)^anon\d{4,}$`)

// Availability answers a name check.
type Availability struct {
	Available bool
	IsOwn     bool
}

type lease struct {
	sessionID string
	name      string
	at        time.Time
}

// identityRegistry owns sessions and name leases.
type identityRegistry struct {
	sessions map[string]Session
	leases   map[string]lease
	lastSeen map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
}

func newIdentityRegistry(ttl time.Duration, now func() time.Time, newID func() string) *identityRegistry {
	return &identityRegistry{
		sessions: make(map[string]Session),
		leases:   make(map[string]lease),
		lastSeen: make(map[string]time.Time),
		ttl:      ttl,
		now:      now,
		newID:    newID,
	}
}

func (ir *identityRegistry) session(sessionID string) (Session, bool) {
	s, ok := ir.sessions[sessionID]
	return s, ok
}

// impersonatesAnon reports whether a non-anonymous name collides with the
// anonymous placeholder or its generated variants.
func impersonatesAnon(name string) bool {
	n := normalizeName(name)
	return n == normalizeName(AnonLabel) || anonPattern.MatchString(n)
}

func isIllegal(normalized string) bool {
	for _, illegal := range IllegalNames {
		if illegal == normalized {
			return true
		}
	}
	return false
}

// CheckAvailability is side-effect free apart from forgetting an expired
// lease it happens to look at.
func (ir *identityRegistry) CheckAvailability(name, sessionID string) Availability {
	normalized := normalizeName(name)
	if normalized == "" || isIllegal(normalized) {
		return Availability{}
	}

	existing, exists := ir.sessions[sessionID]
	if exists && existing.IsAnon {
		return Availability{Available: true, IsOwn: true}
	}

	// the placeholder is always free for issuing a new anonymous identity
	if normalized == normalizeName(AnonLabel) {
		return Availability{Available: true}
	}

	for id, s := range ir.sessions {
		if id != sessionID && !s.IsAnon && normalizeName(s.DisplayName) == normalized {
			return Availability{}
		}
	}

	if exists && normalizeName(existing.DisplayName) == normalized {
		return Availability{Available: true, IsOwn: true}
	}

	if l, ok := ir.leases[normalized]; ok && l.sessionID != sessionID {
		if ir.now().Sub(l.at) < ir.ttl {
			return Availability{}
		}
		delete(ir.leases, normalized)
	}
	return Availability{Available: true}
}

// Reserve installs a lease for a named identity. A session holds at most
// one lease; taking a new one drops the old. Returns false on a lost race.
func (ir *identityRegistry) Reserve(name, sessionID string) bool {
	if existing, ok := ir.sessions[sessionID]; ok && existing.IsAnon {
		return true
	}
	if impersonatesAnon(name) {
		return false
	}
	if !ir.CheckAvailability(name, sessionID).Available {
		return false
	}
	ir.releaseAll(sessionID)
	ir.leases[normalizeName(name)] = lease{sessionID: sessionID, name: strings.TrimSpace(name), at: ir.now()}
	return true
}

// Release drops the lease only if sessionID still owns it.
func (ir *identityRegistry) Release(name, sessionID string) {
	normalized := normalizeName(name)
	if l, ok := ir.leases[normalized]; ok && l.sessionID == sessionID {
		delete(ir.leases, normalized)
	}
}

func (ir *identityRegistry) releaseAll(sessionID string) {
	for name, l := range ir.leases {
		if l.sessionID == sessionID {
			delete(ir.leases, name)
		}
	}
}

// heldLease returns the name, as the client typed it, that sessionID
// currently leases.
func (ir *identityRegistry) heldLease(sessionID string) (string, bool) {
	for _, l := range ir.leases {
		if l.sessionID == sessionID && ir.now().Sub(l.at) < ir.ttl {
			return l.name, true
		}
	}
	return "", false
}

// Confirm materializes or updates a session. Named sessions are checked
// again here because a lease may have expired since it was granted.
func (ir *identityRegistry) Confirm(tx *txn, sessionID, name string, isAnon bool) (Session, error) {
	existing, exists := ir.sessions[sessionID]
	now := ir.now()

	var s Session
	switch {
	case isAnon:
		if exists && existing.IsAnon {
			return existing, nil
		}
		s = Session{
			SessionID:   sessionID,
			DisplayName: AnonLabel,
			IsAnon:      true,
			InternalID:  ir.newID(),
			CreatedAt:   now,
		}
	case exists && existing.IsAnon:
		return existing, nil
	default:
		if impersonatesAnon(name) {
			return Session{}, ErrAnonImpersonation
		}
		if !ir.CheckAvailability(name, sessionID).Available {
			return Session{}, ErrNameUnavailable
		}
		s = Session{
			SessionID:   sessionID,
			DisplayName: strings.TrimSpace(name),
			CreatedAt:   now,
		}
	}
	if exists {
		if !existing.IsAnon && !isAnon && existing.DisplayName == strings.TrimSpace(name) {
			ir.releaseLeases(tx, sessionID)
			return existing, nil
		}
		s.CreatedAt = existing.CreatedAt
		s.CurrentChannel = existing.CurrentChannel
	}

	ir.put(tx, s)
	ir.releaseLeases(tx, sessionID)
	return s, nil
}

// Rename moves a named session to a new display name. The new name must
// be free; the old name stays on any failure.
func (ir *identityRegistry) Rename(tx *txn, sessionID, name string) (Session, error) {
	existing, ok := ir.sessions[sessionID]
	if !ok || existing.IsAnon {
		return Session{}, ErrNameUnavailable
	}
	if impersonatesAnon(name) {
		return Session{}, ErrAnonImpersonation
	}
	if !ir.CheckAvailability(name, sessionID).Available {
		return Session{}, ErrNameUnavailable
	}
	ir.releaseLeases(tx, sessionID)
	updated := existing
	updated.DisplayName = strings.TrimSpace(name)
	ir.put(tx, updated)
	return updated, nil
}

// put stores s in memory and in the batch, undoable.
func (ir *identityRegistry) put(tx *txn, s Session) {
	prev, had := ir.sessions[s.SessionID]
	ir.sessions[s.SessionID] = s
	tx.batch.PutUser(s.row())
	tx.onRollback(func() {
		if had {
			ir.sessions[s.SessionID] = prev
		} else {
			delete(ir.sessions, s.SessionID)
		}
	})
}

func (ir *identityRegistry) remove(tx *txn, sessionID string) {
	prev, had := ir.sessions[sessionID]
	if !had {
		return
	}
	delete(ir.sessions, sessionID)
	tx.batch.DeleteUser(sessionID)
	tx.onRollback(func() { ir.sessions[sessionID] = prev })
}

func (ir *identityRegistry) releaseLeases(tx *txn, sessionID string) {
	removed := make(map[string]lease)
	for name, l := range ir.leases {
		if l.sessionID == sessionID {
			removed[name] = l
			delete(ir.leases, name)
		}
	}
	if len(removed) == 0 {
		return
	}
	tx.onRollback(func() {
		for name, l := range removed {
			ir.leases[name] = l
		}
	})
}

func (ir *identityRegistry) touch(sessionID string) {
	ir.lastSeen[sessionID] = ir.now()
}
