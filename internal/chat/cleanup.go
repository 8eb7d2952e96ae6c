package chat

import (
	"context"
	"fmt"
	"sort"
)

// Cleanup runs a cleanup pass outside of any client request, as the
// scheduler does. The result is also broadcast through the returned
// payloads' users and channels lists.
func (r *Room) Cleanup(ctx context.Context) (CleanupResult, []Outbound, error) {
	tx := newTxn()
	r.retryDepartures(tx)
	res := r.cleanup(tx)
	out, err := r.commit(ctx, tx, "", TypeDBCleanup)
	if err != nil {
		return CleanupResult{Message: fmt.Sprintf("cleanup failed: %v", err)}, out, err
	}
	return res, out, nil
}

// cleanup removes duplicate named sessions, keeping the newest of each
// name, and anonymous sessions older than the retention window. Online
// sessions are never removed.
func (r *Room) cleanup(tx *txn) CleanupResult {
	var doomed []string

	byName := make(map[string][]Session)
	for _, s := range r.ids.sessions {
		if s.IsAnon {
			continue
		}
		key := normalizeName(s.DisplayName)
		byName[key] = append(byName[key], s)
	}
	for _, group := range byName {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		for _, s := range group[1:] {
			if !r.online(s.SessionID) {
				doomed = append(doomed, s.SessionID)
			}
		}
	}

	cutoff := r.opts.Now().Add(-r.opts.CleanupRetention)
	for id, s := range r.ids.sessions {
		if s.IsAnon && s.CreatedAt.Before(cutoff) && !r.online(id) {
			doomed = append(doomed, id)
		}
	}
	sort.Strings(doomed)

	res := CleanupResult{Success: true}
	for _, id := range doomed {
		public, private := r.removeSession(tx, id)
		res.RemovedUsers++
		res.RemovedMessages += public
		res.RemovedPrivateMessages += private
	}
	r.members.recount(tx)
	res.Message = fmt.Sprintf("Database cleaned successfully: %d users removed", res.RemovedUsers)

	r.broadcast(tx, r.usersList())
	r.broadcast(tx, ChannelsList{Channels: r.members.List()})
	return res
}

// removeSession deletes a session and everything hanging off it.
func (r *Room) removeSession(tx *txn, sessionID string) (public, private int) {
	r.members.removeEverywhere(tx, sessionID)
	r.unread.removeSession(tx, sessionID)
	public, private = r.messages.removeSession(tx, sessionID)
	r.ids.releaseLeases(tx, sessionID)
	r.ids.remove(tx, sessionID)
	delete(r.ids.lastSeen, sessionID)
	return public, private
}
