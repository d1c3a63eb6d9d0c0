package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/models"
)

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := NewHub(zerolog.Nop(), opts)
	go h.Run(context.Background())
	t.Cleanup(h.Shutdown)
	return h
}

func registerClient(t *testing.T, h *Hub, connID, userID string) *Client {
	t.Helper()
	c := NewClient(h, nil, models.Session{ConnID: connID, UserID: userID, Username: userID}, nil)
	before := h.ClientCount()
	require.True(t, h.Register(c))
	require.Eventually(t, func() bool { return h.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return c
}

func drain(c *Client) []models.OutboundFrame {
	var frames []models.OutboundFrame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return frames
			}
			var f struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(data, &f); err == nil {
				frames = append(frames, models.OutboundFrame{Event: f.Event, Data: f.Data})
			}
		default:
			return frames
		}
	}
}

func TestRegisterJoinsPersonalRoom(t *testing.T) {
	h := newTestHub(t, DefaultOptions())
	c := registerClient(t, h, "conn-1", "user-1")

	assert.True(t, h.InRoom("conn-1", "user-1"))

	h.Leave("conn-1", "user-1")
	assert.True(t, h.InRoom("conn-1", "user-1"), "personal room cannot be left")

	h.Deliver([]string{"user-1"}, "lastMessage", map[string]string{"chatId": "c"}, "")
	frames := drain(c)
	require.Len(t, frames, 1)
	assert.Equal(t, "lastMessage", frames[0].Event)
}

func TestRegisterAfterShutdown(t *testing.T) {
	h := NewHub(zerolog.Nop(), DefaultOptions())
	go h.Run(context.Background())
	h.Shutdown()

	c := NewClient(h, nil, models.Session{ConnID: "conn-1", UserID: "user-1"}, nil)
	done := make(chan bool, 1)
	go func() { done <- h.Register(c) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Register blocked on a stopped hub")
	}
	assert.Zero(t, h.ClientCount())
}

func TestDeliverDedupesAndExcludes(t *testing.T) {
	h := newTestHub(t, DefaultOptions())
	a := registerClient(t, h, "conn-a", "user-a")
	b := registerClient(t, h, "conn-b", "user-b")
	other := registerClient(t, h, "conn-c", "user-c")

	h.Join("conn-a", "chat-1")
	h.Join("conn-b", "chat-1")

	h.Deliver([]string{"chat-1", "user-a", "user-b"}, "message", "hi", "")
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Empty(t, drain(other))

	h.Deliver([]string{"chat-1"}, "message", "hi", "conn-a")
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)

	h.Leave("conn-b", "chat-1")
	h.Deliver([]string{"chat-1"}, "message", "hi", "")
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestUnregisterRemovesAllMemberships(t *testing.T) {
	h := newTestHub(t, DefaultOptions())
	c := registerClient(t, h, "conn-1", "user-1")
	h.Join("conn-1", "chat-1")
	h.Join("conn-1", "chat-2")

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	for _, room := range []string{"user-1", "chat-1", "chat-2"} {
		assert.False(t, h.InRoom("conn-1", room))
	}

	h.mu.RLock()
	assert.Empty(t, h.rooms)
	h.mu.RUnlock()

	// unknown connections are ignored
	h.Join("conn-1", "chat-1")
	assert.False(t, h.InRoom("conn-1", "chat-1"))
}

func TestSlowClientIsDropped(t *testing.T) {
	opts := DefaultOptions()
	opts.SendBuffer = 1
	h := newTestHub(t, opts)
	registerClient(t, h, "conn-1", "user-1")
	fast := registerClient(t, h, "conn-2", "user-2")

	h.Deliver([]string{"user-1"}, "message", "one", "")
	h.Deliver([]string{"user-1"}, "message", "two", "")

	assert.Equal(t, 1, h.ClientCount())
	assert.False(t, h.InRoom("conn-1", "user-1"))

	h.Deliver([]string{"user-2"}, "message", "three", "")
	assert.Len(t, drain(fast), 1)
}

func TestRelayAppliesRemoteDeliveries(t *testing.T) {
	h := newTestHub(t, DefaultOptions())
	c := registerClient(t, h, "conn-1", "user-1")
	relay := &RedisRelay{hub: h, logger: zerolog.Nop()}

	remote, err := json.Marshal(Envelope{
		Origin: "other-instance",
		Rooms:  []string{"user-1"},
		Event:  "lastMessage",
		Frame:  json.RawMessage(`{"event":"lastMessage","data":null}`),
	})
	require.NoError(t, err)
	relay.apply(string(remote))
	assert.Len(t, drain(c), 1)

	local, err := json.Marshal(Envelope{
		Origin: h.ID(),
		Rooms:  []string{"user-1"},
		Event:  "lastMessage",
		Frame:  json.RawMessage(`{"event":"lastMessage","data":null}`),
	})
	require.NoError(t, err)
	relay.apply(string(local))
	assert.Empty(t, drain(c))
}

type echoDispatcher struct {
	hub *Hub
}

func (d echoDispatcher) Dispatch(_ context.Context, s models.Session, f models.InboundFrame) models.Ack {
	if f.Event == "join" {
		d.hub.Join(s.ConnID, f.Room)
		return models.Ack{Status: http.StatusOK, StatusText: "OK"}
	}
	return models.Ack{Status: http.StatusUnprocessableEntity, StatusText: "Unprocessable Entity"}
}

func TestConnectionRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.RateBurst = 2
	opts.RateInterval = time.Minute
	h := newTestHub(t, opts)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := models.Session{ConnID: "conn-1", UserID: "user-1", Username: "alice"}
		h.Register(NewClient(h, conn, session, echoDispatcher{hub: h}))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	readAck := func() (int64, models.Ack) {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame struct {
			Event string     `json:"event"`
			Ack   int64      `json:"ack"`
			Data  models.Ack `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		require.Equal(t, "ack", frame.Event)
		return frame.Ack, frame.Data
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "join", "room": "chat-1", "ack": 1}))
	id, ack := readAck()
	assert.Equal(t, int64(1), id)
	assert.Equal(t, http.StatusOK, ack.Status)
	assert.True(t, h.InRoom("conn-1", "chat-1"))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "bogus", "ack": 2}))
	id, ack = readAck()
	assert.Equal(t, int64(2), id)
	assert.Equal(t, http.StatusUnprocessableEntity, ack.Status)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "join", "room": "chat-2", "ack": 3}))
	id, ack = readAck()
	assert.Equal(t, int64(3), id)
	assert.Equal(t, http.StatusTooManyRequests, ack.Status)
	assert.False(t, h.InRoom("conn-1", "chat-2"))

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Hour)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	rl.lastCheck = time.Now().Add(-time.Hour)
	assert.True(t, rl.allow())
}
