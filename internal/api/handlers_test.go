package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/auth"
	"chatrelay/internal/blob"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/models"
	"chatrelay/internal/websocket"
)

type testServer struct {
	*httptest.Server
	db    *db.DB
	hub   *websocket.Hub
	blobs *blob.MemoryStore
}

const testImageBytes = 5 << 20

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	hubOpts := websocket.DefaultOptions()
	hubOpts.MaxMessageSize = chat.MaxFrameBytes(testImageBytes)
	hub := websocket.NewHub(zerolog.Nop(), hubOpts)
	go hub.Run(context.Background())
	t.Cleanup(hub.Shutdown)

	blobs := blob.NewMemoryStore()
	coord := chat.NewCoordinator(database, hub, blobs, chat.Config{PublicURL: "http://test", MaxImageBytes: testImageBytes}, zerolog.Nop())
	t.Cleanup(coord.Wait)

	cfg := &config.Config{Env: "test", AllowedOrigins: []string{"*"}}
	h := NewHandlers(Deps{
		DB:         database,
		Hub:        hub,
		Dispatcher: coord,
		Blobs:      blobs,
		Verifier:   auth.NewVerifier("test-secret", time.Hour),
		Config:     cfg,
		Logger:     zerolog.Nop(),
	})
	h.bcryptCost = bcrypt.MinCost

	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, db: database, hub: hub, blobs: blobs}
}

type user struct {
	id     string
	client *http.Client
}

func (s *testServer) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (s *testServer) do(t *testing.T, client *http.Client, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

// signupAndLogin registers name and returns a logged-in client.
func (s *testServer) signupAndLogin(t *testing.T, name string) user {
	t.Helper()
	client := s.newClient(t)
	email := name + "@x.com"

	status, body := s.do(t, client, "POST", "/session/signup", map[string]string{
		"username": name, "email": email, "password": "pw12345678", "confirmPassword": "pw12345678",
	})
	require.Equal(t, http.StatusCreated, status, "%v", body)

	status, body = s.do(t, client, "POST", "/session/login", map[string]string{
		"email": email, "password": "pw12345678",
	})
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.NotContains(t, body, "token")
	assert.Equal(t, name, body["user"].(map[string]any)["username"])
	require.NotEmpty(t, s.sessionCookie(t, client))

	status, body = s.do(t, client, "GET", "/users/me", nil)
	require.Equal(t, http.StatusOK, status)
	me := body["user"].(map[string]any)
	return user{id: me["_id"].(string), client: client}
}

// sessionCookie returns the credential the client's jar holds for the server.
func (s *testServer) sessionCookie(t *testing.T, client *http.Client) string {
	t.Helper()
	base, err := url.Parse(s.URL)
	require.NoError(t, err)
	for _, c := range client.Jar.Cookies(base) {
		if c.Name == auth.CookieName {
			return c.Value
		}
	}
	return ""
}

func errorsOf(body map[string]any) map[string]any {
	errs, _ := body["errors"].(map[string]any)
	return errs
}

func TestCreateChatAndFetchByPeer(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "user1")
	b := s.signupAndLogin(t, "user2")

	status, body := s.do(t, a.client, "POST", "/chats", map[string]string{"userId": b.id, "message": "Hello there!"})
	require.Equal(t, http.StatusCreated, status, "%v", body)
	chatID := body["chatId"].(string)
	assert.NotEmpty(t, chatID)
	assert.Equal(t, "user2", body["chat"].(map[string]any)["user"].(map[string]any)["username"])

	status, body = s.do(t, a.client, "GET", "/chats?userId="+b.id, nil)
	require.Equal(t, http.StatusOK, status)
	found := body["chat"].(map[string]any)
	assert.Equal(t, chatID, found["_id"])
	messages := found["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello there!", messages[0].(map[string]any)["text"])
	assert.Equal(t, "Hello there!", found["lastMessage"].(map[string]any)["text"])

	// creating again from either side returns the same chat
	status, body = s.do(t, a.client, "POST", "/chats", map[string]string{"userId": b.id})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, chatID, body["chatId"])
	status, body = s.do(t, b.client, "POST", "/chats", map[string]string{"userId": a.id})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, chatID, body["chatId"])

	status, body = s.do(t, b.client, "GET", "/chats", nil)
	require.Equal(t, http.StatusOK, status)
	chats := body["chats"].([]any)
	require.Len(t, chats, 1)
	summary := chats[0].(map[string]any)
	assert.Equal(t, "user1", summary["user"].(map[string]any)["username"])
	assert.Equal(t, "Hello there!", summary["lastMessage"].(map[string]any)["text"])
}

func TestCreateChatRejects(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "user1")

	status, body := s.do(t, a.client, "POST", "/chats", map[string]string{"userId": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errorsOf(body), "userId")

	status, body = s.do(t, a.client, "POST", "/chats", map[string]string{"userId": a.id})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errorsOf(body), "userId")

	status, _ = s.do(t, a.client, "POST", "/chats", map[string]string{"userId": db.NewID()})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, a.client, "GET", "/chats?userId="+db.NewID(), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotEmpty(t, body["message"])
}

func TestUnauthenticatedRequestsAreForbidden(t *testing.T) {
	s := newTestServer(t)
	client := s.newClient(t)

	for _, path := range []string{"/users/me", "/users", "/chats"} {
		status, body := s.do(t, client, "GET", path, nil)
		assert.Equal(t, http.StatusForbidden, status, path)
		assert.Equal(t, map[string]any{"authorization": "Forbidden"}, errorsOf(body), path)
		assert.NotContains(t, body, "user")
	}

	req, err := http.NewRequest("GET", s.URL+"/users/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSignup(t *testing.T) {
	s := newTestServer(t)
	client := s.newClient(t)

	status, body := s.do(t, client, "POST", "/session/signup", map[string]string{
		"username": "x", "email": "not-an-email", "password": "short", "confirmPassword": "other",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	errs := errorsOf(body)
	for _, field := range []string{"username", "email", "password", "confirmPassword"} {
		assert.Contains(t, errs, field)
	}

	signup := map[string]string{
		"username": "user1", "email": "user1@x.com", "password": "pw12345678", "confirmPassword": "pw12345678",
	}
	status, _ = s.do(t, client, "POST", "/session/signup", signup)
	assert.Equal(t, http.StatusCreated, status)

	signup["username"] = "someone-else"
	signup["email"] = "USER1@x.com"
	status, body = s.do(t, client, "POST", "/session/signup", signup)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, errorsOf(body), "email")

	status, _ = s.do(t, client, "POST", "/session/signup", "not an object")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestLoginAndLogout(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "user1")

	status, body := s.do(t, s.newClient(t), "POST", "/session/login", map[string]string{
		"email": "user1@x.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, errorsOf(body), "auth")

	status, body = s.do(t, s.newClient(t), "POST", "/session/login", map[string]string{
		"email": "nobody@x.com", "password": "pw12345678",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, errorsOf(body), "auth")

	status, _ = s.do(t, a.client, "POST", "/session/logout", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, a.client, "GET", "/users/me", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestListUsersExcludesCaller(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")
	s.signupAndLogin(t, "bob")
	s.signupAndLogin(t, "bobby")

	status, body := s.do(t, a.client, "GET", "/users", nil)
	require.Equal(t, http.StatusOK, status)
	users := body["users"].([]any)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.NotEqual(t, a.id, u.(map[string]any)["_id"])
		assert.NotContains(t, u, "email")
	}

	status, body = s.do(t, a.client, "GET", "/users?search=bobb", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["users"].([]any), 1)
}

func TestChatAccess(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")
	b := s.signupAndLogin(t, "bob")
	c := s.signupAndLogin(t, "carol")

	_, body := s.do(t, a.client, "POST", "/chats", map[string]string{"userId": b.id})
	chatID := body["chatId"].(string)

	status, body := s.do(t, b.client, "GET", "/chats/"+chatID, nil)
	require.Equal(t, http.StatusOK, status)
	view := body["chat"].(map[string]any)
	assert.Equal(t, "alice", view["user"].(map[string]any)["username"])
	assert.Empty(t, view["messages"])
	assert.Nil(t, view["lastMessage"])

	status, _ = s.do(t, c.client, "GET", "/chats/"+chatID, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(t, a.client, "GET", "/chats/"+db.NewID(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, a.client, "GET", "/chats/not-an-id", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errorsOf(body), "chatId")

	status, _ = s.do(t, c.client, "POST", "/messages?chatId="+chatID, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestMessagesEndpoints(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")
	b := s.signupAndLogin(t, "bob")
	_, body := s.do(t, a.client, "POST", "/chats", map[string]string{"userId": b.id})
	chatID := body["chatId"].(string)

	for i := 0; i < 5; i++ {
		status, body := s.do(t, a.client, "POST", "/messages?chatId="+chatID, map[string]string{"message": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, status, "%v", body)
		assert.Equal(t, fmt.Sprintf("m%d", i), body["data"].(map[string]any)["text"])
	}

	status, body := s.do(t, a.client, "POST", "/messages?chatId="+chatID, map[string]string{"message": strings.Repeat("x", 501)})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errorsOf(body), "message")

	status, body = s.do(t, b.client, "GET", "/messages?chatId="+chatID+"&limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["hasMore"])
	page := body["messages"].([]any)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].(map[string]any)["text"])
	assert.Equal(t, "m4", page[1].(map[string]any)["text"])

	before := page[0].(map[string]any)["_id"].(string)
	status, body = s.do(t, b.client, "GET", "/messages?chatId="+chatID+"&limit=10&before="+before, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["hasMore"])
	assert.Len(t, body["messages"].([]any), 3)

	status, _ = s.do(t, b.client, "GET", "/messages?chatId="+chatID+"&limit=0", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// a cursor from another chat is rejected rather than used
	c := s.signupAndLogin(t, "carol")
	_, body = s.do(t, a.client, "POST", "/chats", map[string]string{"userId": c.id, "message": "elsewhere"})
	otherChat := body["chatId"].(string)
	_, body = s.do(t, a.client, "GET", "/messages?chatId="+otherChat, nil)
	foreign := body["messages"].([]any)[0].(map[string]any)["_id"].(string)

	status, body = s.do(t, b.client, "GET", "/messages?chatId="+chatID+"&before="+foreign, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, errorsOf(body), "before")

	status, body = s.do(t, b.client, "GET", "/users/me", nil)
	require.Equal(t, http.StatusOK, status)
	chats := body["user"].(map[string]any)["chats"].([]any)
	require.Len(t, chats, 1)
	assert.Equal(t, "m4", chats[0].(map[string]any)["lastMessage"].(map[string]any)["text"])
}

func TestGetImage(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")

	imageID := db.NewID()
	_, err := s.blobs.Put(context.Background(), imageID, []byte("png-bytes"), "image/png")
	require.NoError(t, err)

	resp, err := a.client.Get(s.URL + "/images/" + imageID)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, []byte("png-bytes"), data)

	status, _ := s.do(t, a.client, "GET", "/images/"+db.NewID(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

type wireFrame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack"`
	Data  json.RawMessage `json:"data"`
}

func (s *testServer) dial(t *testing.T, u user) *gorilla.Conn {
	t.Helper()
	base, err := url.Parse(s.URL)
	require.NoError(t, err)

	header := http.Header{}
	for _, c := range u.client.Jar.Cookies(base) {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	conn, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketHandshakeRequiresCredential(t *testing.T) {
	s := newTestServer(t)

	_, resp, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header := http.Header{"Cookie": []string{auth.CookieName + "=garbage"}}
	_, resp, err = gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketSendFanOut(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")
	b := s.signupAndLogin(t, "bob")
	_, body := s.do(t, a.client, "POST", "/chats", map[string]string{"userId": b.id})
	chatID := body["chatId"].(string)

	aliceConn := s.dial(t, a)
	bobConn := s.dial(t, b)
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"event": "join", "room": chatID, "ack": 1}))
	ack := readFrame(t, bobConn)
	require.Equal(t, "ack", ack.Event)
	assert.JSONEq(t, `{"status":200,"statusText":"OK"}`, string(ack.Data))

	require.NoError(t, aliceConn.WriteJSON(map[string]any{
		"event": "message", "room": chatID, "data": map[string]string{"text": "Hello there!"}, "ack": 7,
	}))

	// bob sees the message before the chat summary
	first := readFrame(t, bobConn)
	assert.Equal(t, "message", first.Event)
	var msg struct {
		Text string `json:"text"`
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(first.Data, &msg))
	assert.Equal(t, "Hello there!", msg.Text)
	assert.Equal(t, "alice", msg.User.Username)
	assert.Equal(t, "lastMessage", readFrame(t, bobConn).Event)

	// alice gets the summary on her personal room and the ack, never the broadcast
	assert.Equal(t, "lastMessage", readFrame(t, aliceConn).Event)
	reply := readFrame(t, aliceConn)
	require.Equal(t, "ack", reply.Event)
	require.NotNil(t, reply.Ack)
	assert.Equal(t, int64(7), *reply.Ack)
	var result struct {
		Status  int `json:"status"`
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &result))
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, "Hello there!", result.Message.Text)

	status, body := s.do(t, b.client, "GET", "/chats/"+chatID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["chat"].(map[string]any)["messages"].([]any), 1)
}

func TestWebSocketSendLargeImages(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")
	b := s.signupAndLogin(t, "bob")
	_, body := s.do(t, a.client, "POST", "/chats", map[string]string{"userId": b.id})
	chatID := body["chatId"].(string)

	aliceConn := s.dial(t, a)
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	img := bytes.Repeat([]byte{0x89}, 3<<20)
	require.NoError(t, aliceConn.WriteJSON(map[string]any{
		"event": "message",
		"room":  chatID,
		"data": models.SendPayload{Text: "photos", Images: []models.Upload{
			{Name: "a.png", ContentType: "image/png", Data: img},
			{Name: "b.png", ContentType: "image/png", Data: img},
		}},
		"ack": 3,
	}))

	assert.Equal(t, "lastMessage", readFrame(t, aliceConn).Event)
	reply := readFrame(t, aliceConn)
	require.Equal(t, "ack", reply.Event, "connection must survive a frame within the upload limits")
	var result struct {
		Status  int `json:"status"`
		Message struct {
			PendingImages int `json:"pendingImages"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &result))
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, 2, result.Message.PendingImages)
}

func TestWebSocketClosedWhenHubStopped(t *testing.T) {
	s := newTestServer(t)
	a := s.signupAndLogin(t, "alice")
	s.hub.Shutdown()

	conn := s.dial(t, a)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should close the connection, not leave it open")
	}
	assert.Zero(t, s.hub.ClientCount())
}
