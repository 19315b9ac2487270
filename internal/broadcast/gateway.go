// internal/broadcast/gateway.go
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/metrics"
)

// DefaultQueueSize is the per-client outbound buffer.
const DefaultQueueSize = 64

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// Client is one live socket's outbound side.
type Client struct {
	SocketID uuid.UUID
	PlayerID uuid.UUID

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewClient allocates a client with a bounded queue.
func NewClient(socketID, playerID uuid.UUID, queueSize int, logger *logrus.Logger, m *metrics.Metrics) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Client{
		SocketID: socketID,
		PlayerID: playerID,
		out:      make(chan []byte, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
		metrics:  m,
	}
}

// Write queues a message without blocking. A full or closed queue drops it.
func (c *Client) Write(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.logger.Warnf("broadcast: queue for socket %v (player %v) full, dropped message", c.SocketID, c.PlayerID)
		c.metrics.BroadcastDropped()
		return false
	}
}

// Close stops the client's write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Gateway groups live clients by session code and fans events out to them.
// It never blocks on a slow client.
type Gateway struct {
	mu      sync.RWMutex
	groups  map[string]map[uuid.UUID]*Client
	member  map[uuid.UUID]string // socketID -> session code
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

var _ game.Notifier = (*Gateway)(nil)

// NewGateway creates an empty gateway.
func NewGateway(logger *logrus.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		groups:  make(map[string]map[uuid.UUID]*Client),
		member:  make(map[uuid.UUID]string),
		logger:  logger,
		metrics: m,
	}
}

// NewClient allocates a client that shares the gateway's logger and metrics.
func (g *Gateway) NewClient(socketID, playerID uuid.UUID) *Client {
	return NewClient(socketID, playerID, DefaultQueueSize, g.logger, g.metrics)
}

// Join adds a client to a session group, leaving any group it was in.
func (g *Gateway) Join(sessionCode string, c *Client) {
	code := strings.ToUpper(sessionCode)
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.member[c.SocketID]; ok && prev != code {
		g.removeLocked(prev, c.SocketID)
	}
	grp, ok := g.groups[code]
	if !ok {
		grp = make(map[uuid.UUID]*Client)
		g.groups[code] = grp
	}
	grp[c.SocketID] = c
	g.member[c.SocketID] = code
}

// Leave removes a socket from a session group. It reports whether the socket
// was a member.
func (g *Gateway) Leave(sessionCode string, socketID uuid.UUID) bool {
	code := strings.ToUpper(sessionCode)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.member[socketID] != code {
		return false
	}
	g.removeLocked(code, socketID)
	return true
}

// Drop removes a socket from whatever group it is in and closes it.
func (g *Gateway) Drop(socketID uuid.UUID) {
	g.mu.Lock()
	var c *Client
	if code, ok := g.member[socketID]; ok {
		c = g.groups[code][socketID]
		g.removeLocked(code, socketID)
	}
	g.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (g *Gateway) removeLocked(code string, socketID uuid.UUID) {
	delete(g.member, socketID)
	grp := g.groups[code]
	delete(grp, socketID)
	if len(grp) == 0 {
		delete(g.groups, code)
	}
}

// Size returns the number of clients in a session group.
func (g *Gateway) Size(sessionCode string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups[strings.ToUpper(sessionCode)])
}

// Broadcast sends an event to every client in the session.
func (g *Gateway) Broadcast(sessionCode string, ev game.GameEvent) {
	targets := g.snapshot(sessionCode, func(*Client) bool { return true })
	if len(targets) == 0 {
		return
	}
	data := game.EncodeEvent(g.logger, ev)
	for _, c := range targets {
		c.Write(data)
	}
}

// SendToPlayer sends an event to every socket the player has open in the
// session.
func (g *Gateway) SendToPlayer(sessionCode string, playerID uuid.UUID, ev game.GameEvent) {
	targets := g.snapshot(sessionCode, func(c *Client) bool { return c.PlayerID == playerID })
	if len(targets) == 0 {
		g.logger.Debugf("broadcast: no live socket for player %v in session %s, dropped %s", playerID, sessionCode, ev.Type)
		return
	}
	data := game.EncodeEvent(g.logger, ev)
	for _, c := range targets {
		c.Write(data)
	}
}

// snapshot copies matching clients so fan-out runs without the lock held.
func (g *Gateway) snapshot(sessionCode string, match func(*Client) bool) []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp := g.groups[strings.ToUpper(sessionCode)]
	out := make([]*Client, 0, len(grp))
	for _, c := range grp {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

// WritePump drains the client's queue onto the websocket and pings
// periodically. It returns when ctx ends, the client is closed, or a write
// fails.
func WritePump(ctx context.Context, conn *websocket.Conn, c *Client, logger *logrus.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				logger.Warnf("broadcast: write to socket %v failed: %v", c.SocketID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debugf("broadcast: ping to socket %v failed: %v", c.SocketID, err)
				return
			}
		}
	}
}
