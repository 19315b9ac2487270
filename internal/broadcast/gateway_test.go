// internal/broadcast/gateway_test.go
package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/metrics"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func recv(t *testing.T, c *Client) game.GameEvent {
	t.Helper()
	select {
	case msg := <-c.out:
		var ev game.GameEvent
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no message for socket %v", c.SocketID)
		return game.GameEvent{}
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.out:
		t.Fatalf("unexpected message for socket %v: %s", c.SocketID, msg)
	default:
	}
}

func TestBroadcastReachesOnlyTheSession(t *testing.T) {
	g := NewGateway(quietLogger(), nil)
	a := g.NewClient(uuid.New(), uuid.New())
	b := g.NewClient(uuid.New(), uuid.New())
	other := g.NewClient(uuid.New(), uuid.New())
	g.Join("abcdef", a)
	g.Join("ABCDEF", b)
	g.Join("ZZZZZZ", other)

	g.Broadcast("ABCDEF", game.GameEvent{Type: game.EventGameStarted})

	assert.Equal(t, game.EventGameStarted, recv(t, a).Type)
	assert.Equal(t, game.EventGameStarted, recv(t, b).Type)
	assertEmpty(t, other)
	assert.Equal(t, 2, g.Size("abcdef"))
}

func TestSendToPlayerTargetsAllPlayerSockets(t *testing.T) {
	g := NewGateway(quietLogger(), nil)
	player := uuid.New()
	tab1 := g.NewClient(uuid.New(), player)
	tab2 := g.NewClient(uuid.New(), player)
	someoneElse := g.NewClient(uuid.New(), uuid.New())
	for _, c := range []*Client{tab1, tab2, someoneElse} {
		g.Join("ABCDEF", c)
	}

	g.SendToPlayer("ABCDEF", player, game.ErrorEvent("nope"))

	ev := recv(t, tab1)
	assert.Equal(t, game.EventError, ev.Type)
	assert.Equal(t, "nope", ev.Payload["message"])
	assert.Equal(t, game.EventError, recv(t, tab2).Type)
	assertEmpty(t, someoneElse)
}

func TestJoinMovesBetweenSessions(t *testing.T) {
	g := NewGateway(quietLogger(), nil)
	c := g.NewClient(uuid.New(), uuid.New())
	g.Join("AAAAAA", c)
	g.Join("BBBBBB", c)

	assert.Equal(t, 0, g.Size("AAAAAA"))
	assert.Equal(t, 1, g.Size("BBBBBB"))

	assert.False(t, g.Leave("AAAAAA", c.SocketID))
	assert.True(t, g.Leave("BBBBBB", c.SocketID))
	assert.Equal(t, 0, g.Size("BBBBBB"))
}

func TestDropClosesClient(t *testing.T) {
	g := NewGateway(quietLogger(), nil)
	c := g.NewClient(uuid.New(), uuid.New())
	g.Join("ABCDEF", c)

	g.Drop(c.SocketID)

	assert.Equal(t, 0, g.Size("ABCDEF"))
	select {
	case <-c.Done():
	default:
		t.Fatal("client not closed")
	}
	assert.False(t, c.Write([]byte("{}")))
	g.Drop(c.SocketID)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	m := metrics.New()
	slow := NewClient(uuid.New(), uuid.New(), 1, quietLogger(), m)
	fast := NewClient(uuid.New(), uuid.New(), 8, quietLogger(), m)
	g := NewGateway(quietLogger(), m)
	g.Join("ABCDEF", slow)
	g.Join("ABCDEF", fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			g.Broadcast("ABCDEF", game.GameEvent{Type: game.EventCardSubmitted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}

	assert.Len(t, fast.out, 3)
	assert.Len(t, slow.out, 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BroadcastsDropped))
}

func TestWritePumpDeliversOverWebsocket(t *testing.T) {
	logger := quietLogger()
	g := NewGateway(logger, nil)
	player := uuid.New()
	joined := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := conn.CloseRead(r.Context())
		c := g.NewClient(uuid.New(), player)
		g.Join("ABCDEF", c)
		close(joined)
		WritePump(ctx, conn, c, logger)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	<-joined
	g.SendToPlayer("ABCDEF", player, game.GameEvent{Type: game.EventHeartbeatAck})

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var ev game.GameEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, game.EventHeartbeatAck, ev.Type)
}
