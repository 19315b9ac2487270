// internal/presence/tracker.go
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is one live transport connection bound to a player.
type Connection struct {
	SocketID      uuid.UUID
	PlayerID      uuid.UUID
	SessionCode   string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// ConnectResult describes what PlayerConnected did.
type ConnectResult struct {
	// Reconnected is true when a different live socket already existed for the
	// player and was evicted in favour of the new one.
	Reconnected bool
	// Duplicate is true when the same (player, socket) pair was already
	// registered; nothing changed apart from the heartbeat.
	Duplicate bool
	// Evicted is the superseded connection when Reconnected is true.
	Evicted *Connection
}

// Tracker is the in-process authority on who is online. It is safe for
// concurrent use and never calls out while holding its lock.
//
// A deployment with more than one instance needs a shared presence store
// (player key with a heartbeat TTL) in place of these maps.
type Tracker struct {
	mu       sync.RWMutex
	bySocket map[uuid.UUID]*Connection
	byPlayer map[uuid.UUID]uuid.UUID // player -> current socket

	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		bySocket: make(map[uuid.UUID]*Connection),
		byPlayer: make(map[uuid.UUID]uuid.UUID),
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// PlayerConnected registers socketID as the player's only live socket.
func (t *Tracker) PlayerConnected(socketID, playerID uuid.UUID, sessionCode string) ConnectResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	code := strings.ToUpper(sessionCode)

	var res ConnectResult
	if prev, ok := t.byPlayer[playerID]; ok {
		if prev == socketID {
			c := t.bySocket[socketID]
			c.LastHeartbeat = now
			c.SessionCode = code
			res.Duplicate = true
			return res
		}
		if old, ok := t.bySocket[prev]; ok {
			evicted := *old
			res.Evicted = &evicted
			res.Reconnected = true
			delete(t.bySocket, prev)
		}
	}

	// A socket rebinding to another player drops its previous binding.
	if c, ok := t.bySocket[socketID]; ok && c.PlayerID != playerID && t.byPlayer[c.PlayerID] == socketID {
		delete(t.byPlayer, c.PlayerID)
	}

	t.bySocket[socketID] = &Connection{
		SocketID:      socketID,
		PlayerID:      playerID,
		SessionCode:   code,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	t.byPlayer[playerID] = socketID
	return res
}

// PlayerDisconnected removes the socket. It reports false, and changes
// nothing, when the socket is unknown or has already been superseded.
func (t *Tracker) PlayerDisconnected(socketID uuid.UUID) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(socketID)
}

func (t *Tracker) removeLocked(socketID uuid.UUID) (Connection, bool) {
	c, ok := t.bySocket[socketID]
	if !ok {
		return Connection{}, false
	}
	delete(t.bySocket, socketID)
	if t.byPlayer[c.PlayerID] != socketID {
		return Connection{}, false
	}
	delete(t.byPlayer, c.PlayerID)
	return *c, true
}

// Heartbeat refreshes the socket's liveness. It reports whether the socket is known.
func (t *Tracker) Heartbeat(socketID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.bySocket[socketID]
	if !ok {
		return false
	}
	c.LastHeartbeat = t.now()
	return true
}

// CleanupStaleConnections evicts every connection whose last heartbeat is
// older than maxAge and returns them.
func (t *Tracker) CleanupStaleConnections(maxAge time.Duration) []Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	var stale []Connection
	for id, c := range t.bySocket {
		if c.LastHeartbeat.Before(cutoff) {
			if conn, ok := t.removeLocked(id); ok {
				stale = append(stale, conn)
			}
		}
	}
	return stale
}

// RunSweeper calls CleanupStaleConnections every interval until ctx is done,
// handing each evicted connection to onStale outside the lock.
func (t *Tracker) RunSweeper(ctx context.Context, interval, maxAge time.Duration, onStale func(Connection)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, c := range t.CleanupStaleConnections(maxAge) {
				if onStale != nil {
					onStale(c)
				}
			}
		}
	}
}

// ConnectedPlayers returns the online players of a session, sorted by ID.
func (t *Tracker) ConnectedPlayers(sessionCode string) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	code := strings.ToUpper(sessionCode)
	var out []uuid.UUID
	for pid, sid := range t.byPlayer {
		if c, ok := t.bySocket[sid]; ok && c.SessionCode == code {
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (t *Tracker) IsConnected(playerID uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byPlayer[playerID]
	return ok
}

// Lookup returns the connection registered for socketID.
func (t *Tracker) Lookup(socketID uuid.UUID) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.bySocket[socketID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Count returns the number of live connections.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySocket)
}
