package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/cache"
	"github.com/pliu/chatty/internal/chat"
	"github.com/pliu/chatty/internal/media"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/pipeline"
	"github.com/pliu/chatty/internal/presence"
	"github.com/pliu/chatty/internal/pubsub"
	"github.com/pliu/chatty/internal/ratelimit"
	"github.com/pliu/chatty/internal/store/sqlstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cookieName = "chatty_session"
	// trustedProxy is the only peer whose X-Forwarded-For is believed.
	trustedProxy = "10.9.9.9"
)

type testAPI struct {
	t      *testing.T
	router *mux.Router
	redis  *miniredis.Miniredis
}

func newTestAPI(t *testing.T, limits ratelimit.Config) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := pubsub.NewBus(pubsub.NewMemoryBroker(), logger)
	t.Cleanup(func() { bus.Close() })

	chatSvc := chat.NewService(st, cache.New(client, "cache:"), bus, chat.DefaultConfig(), logger)
	presenceSvc := presence.NewService(presence.NewTracker(client, "presence:"), st, bus, logger)

	// A fixed clock keeps every call in one rate limit window.
	now := time.UnixMilli(1_700_000_000_000)
	limiter := ratelimit.New(client, limits, logger, ratelimit.WithClock(func() time.Time { return now }))
	p := pipeline.New(limiter, chatSvc)

	mediaStore, err := media.NewStore(t.TempDir(), "/media/", 1<<20, logger)
	require.NoError(t, err)

	signer := auth.NewSigner("test-secret", time.Hour)
	r := mux.NewRouter()
	proxies, err := middleware.ParseProxies([]string{trustedProxy})
	require.NoError(t, err)
	r.Use(middleware.RealIP(proxies), middleware.CorrelationID, middleware.Authenticate(signer, cookieName))
	Register(r,
		&AuthHandler{Store: st, Signer: signer, Pipeline: p, CookieName: cookieName, Logger: logger},
		&ChatHandler{Chat: chatSvc, Presence: presenceSvc, Media: mediaStore, Pipeline: p, MaxUpload: 1 << 20, Logger: logger},
	)
	return &testAPI{t: t, router: r, redis: mr}
}

func generousLimits() ratelimit.Config {
	return ratelimit.Config{
		KeyPrefix: "throttler:",
		Default:   ratelimit.Policy{Limit: 1000, Window: time.Minute},
	}
}

func (a *testAPI) do(method, path string, body any, session *http.Cookie) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.doFrom("", "", method, path, body, session)
}

// doFrom sends the request from peer (host:port) with an X-Forwarded-For
// header. Empty values keep the httptest defaults.
func (a *testAPI) doFrom(peer, forwardedFor, method, path string, body any, session *http.Cookie) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if peer != "" {
		req.RemoteAddr = peer
	}
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	if session != nil {
		req.AddCookie(session)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

// signup registers a user and returns it with its session cookie.
func (a *testAPI) signup(username string) (models.User, *http.Cookie) {
	a.t.Helper()
	rr := a.do("POST", "/auth/signup", SignupRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct-horse",
	}, nil)
	require.Equal(a.t, http.StatusCreated, rr.Code, rr.Body.String())

	var u models.User
	require.NoError(a.t, json.Unmarshal(rr.Body.Bytes(), &u))
	for _, c := range rr.Result().Cookies() {
		if c.Name == cookieName {
			return u, c
		}
	}
	a.t.Fatal("no session cookie")
	return u, nil
}

func (a *testAPI) createRoom(session *http.Cookie, name string, access models.Access) models.Chatroom {
	a.t.Helper()
	rr := a.do("POST", "/chatrooms", chat.CreateChatroomInput{Name: name, Access: access}, session)
	require.Equal(a.t, http.StatusCreated, rr.Code, rr.Body.String())
	var room models.Chatroom
	require.NoError(a.t, json.Unmarshal(rr.Body.Bytes(), &room))
	return room
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error.Code
}

func roomPath(id int, suffix string) string {
	return "/chatrooms/" + strconv.Itoa(id) + suffix
}

func TestSignupLoginAndMe(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	user, session := api.signup("alice")
	assert.Equal(t, "alice", user.Username)

	rr := api.do("GET", "/auth/me", nil, session)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "correct-horse")

	rr = api.do("GET", "/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rr))

	rr = api.do("POST", "/auth/login", Credentials{Username: "alice", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = api.do("POST", "/auth/login", Credentials{Username: "alice", Password: "correct-horse"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Result().Cookies())

	rr = api.do("POST", "/auth/signup", SignupRequest{Username: "alice", Password: "another-pass"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = api.do("POST", "/auth/signup", SignupRequest{Username: "bo", Password: "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rr))
}

func TestLogoutClearsCookie(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, session := api.signup("alice")

	rr := api.do("POST", "/auth/logout", nil, session)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestChatroomLifecycle(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	bob, bobSession := api.signup("bob")

	room := api.createRoom(alice, "general", models.AccessPublic)

	rr := api.do("POST", roomPath(room.ID, "/users"), AddUsersRequest{UserIDs: []int{bob.ID}}, alice)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = api.do("GET", "/chatrooms", nil, bobSession)
	require.Equal(t, http.StatusOK, rr.Code)
	var rooms []models.ChatroomSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].Name)

	rr = api.do("GET", "/chatrooms/search?q=gen", nil, bobSession)
	require.Equal(t, http.StatusOK, rr.Code)
	var res models.SearchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 1, res.TotalCount)

	rr = api.do("DELETE", roomPath(room.ID, ""), nil, bobSession)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = api.do("DELETE", roomPath(room.ID, ""), nil, alice)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = api.do("GET", roomPath(room.ID, ""), nil, alice)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rr))
}

func TestDuplicateChatroomName(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	api.createRoom(alice, "general", models.AccessPublic)

	rr := api.do("POST", "/chatrooms", chat.CreateChatroomInput{Name: "general"}, alice)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSendAndPage(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	room := api.createRoom(alice, "general", models.AccessPublic)

	for i := 1; i <= 3; i++ {
		rr := api.do("POST", roomPath(room.ID, "/messages"), SendMessageRequest{Content: "m" + strconv.Itoa(i)}, alice)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	rr := api.do("GET", roomPath(room.ID, "/messages?take=2"), nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	var page models.MessagePage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Edges, 2)
	assert.Equal(t, "m2", page.Edges[0].Node.Content)
	assert.Equal(t, "m3", page.Edges[1].Node.Content)
	assert.True(t, page.PageInfo.HasNextPage)

	rr = api.do("GET", roomPath(room.ID, "/messages?take=2&cursor="+strconv.Itoa(*page.PageInfo.EndCursor)), nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Edges, 1)
	assert.Equal(t, "m1", page.Edges[0].Node.Content)
}

func TestPrivateRoomRequiresMembership(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	_, bob := api.signup("bob")
	room := api.createRoom(alice, "staff", models.AccessPrivate)

	rr := api.do("GET", roomPath(room.ID, "/messages"), nil, bob)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rr))

	rr = api.do("GET", roomPath(room.ID, "/messages"), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSendMessageThrottled(t *testing.T) {
	limits := generousLimits()
	limits.Operations = map[string]ratelimit.Policy{
		"sendMessage": {Limit: 2, Window: 3 * time.Second},
	}
	api := newTestAPI(t, limits)
	_, alice := api.signup("alice")
	room := api.createRoom(alice, "general", models.AccessPublic)

	for i := 0; i < 2; i++ {
		rr := api.do("POST", roomPath(room.ID, "/messages"), SendMessageRequest{Content: "hi"}, alice)
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	rr := api.do("POST", roomPath(room.ID, "/messages"), SendMessageRequest{Content: "hi"}, alice)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "THROTTLED", errorCode(t, rr))
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	// The throttled call never reached the store.
	rr = api.do("GET", roomPath(room.ID, "/messages"), nil, alice)
	var page models.MessagePage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount)
}

func TestForwardedForCannotResetThrottle(t *testing.T) {
	limits := generousLimits()
	limits.Operations = map[string]ratelimit.Policy{
		"sendMessage": {Limit: 2, Window: 3 * time.Second},
	}
	api := newTestAPI(t, limits)
	_, alice := api.signup("alice")
	room := api.createRoom(alice, "general", models.AccessPublic)

	// A direct client rotating the header is still one origin.
	var codes []int
	for i := 0; i < 6; i++ {
		rr := api.doFrom("203.0.113.5:4000", "10.0.0."+strconv.Itoa(i),
			"POST", roomPath(room.ID, "/messages"), SendMessageRequest{Content: "hi"}, alice)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{201, 201, 429, 429, 429, 429}, codes)

	// Behind the trusted proxy each forwarded client gets its own budget.
	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		rr := api.doFrom(trustedProxy+":4000", client,
			"POST", roomPath(room.ID, "/messages"), SendMessageRequest{Content: "hi"}, alice)
		assert.Equal(t, http.StatusCreated, rr.Code, client)
	}
}

func TestSendMessageWithImage(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	room := api.createRoom(alice, "general", models.AccessPublic)

	send := func(data []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("content", "look"))
		fw, err := mw.CreateFormFile("image", "cat.png")
		require.NoError(t, err)
		fw.Write(data)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest("POST", roomPath(room.ID, "/messages"), &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.AddCookie(alice)
		rr := httptest.NewRecorder()
		api.router.ServeHTTP(rr, req)
		return rr
	}

	rr := send([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var edge models.MessageEdge
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &edge))
	assert.Contains(t, edge.Node.ImageURL, "/media/")

	rr = send([]byte("plain text pretending to be a png"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEnterLeaveAndLiveUsers(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	room := api.createRoom(alice, "general", models.AccessPublic)

	rr := api.do("POST", roomPath(room.ID, "/enter"), nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"entered":true}`, rr.Body.String())

	rr = api.do("GET", roomPath(room.ID, "/live-users"), nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	var users []models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
	assert.Empty(t, users[0].Email)

	rr = api.do("POST", roomPath(room.ID, "/leave"), nil, alice)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = api.do("POST", roomPath(room.ID, "/typing/start"), nil, alice)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeleteChatroomClearsLiveUsers(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	room := api.createRoom(alice, "general", models.AccessPublic)

	rr := api.do("POST", roomPath(room.ID, "/enter"), nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	liveKey := "presence:chatroom:" + strconv.Itoa(room.ID)
	require.True(t, api.redis.Exists(liveKey))

	rr = api.do("DELETE", roomPath(room.ID, ""), nil, alice)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.False(t, api.redis.Exists(liveKey))
}

func TestUpdateProfile(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")

	rr := api.do("PATCH", "/users/me", chat.UpdateProfileInput{Fullname: "Alice Liddell"}, alice)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var u models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, "Alice Liddell", u.Fullname)
	assert.Empty(t, u.AvatarURL)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("fullname", "Alice"))
	fw, err := mw.CreateFormFile("avatar", "me.png")
	require.NoError(t, err)
	fw.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("PATCH", "/users/me", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(alice)
	rr = httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, "Alice", u.Fullname)
	assert.Contains(t, u.AvatarURL, "/media/")

	rr = api.do("PATCH", "/users/me", chat.UpdateProfileInput{}, alice)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = api.do("PATCH", "/users/me", chat.UpdateProfileInput{Fullname: "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUserLookups(t *testing.T) {
	api := newTestAPI(t, generousLimits())
	_, alice := api.signup("alice")
	bob, bobSession := api.signup("bob")
	_, carol := api.signup("carol")
	for _, s := range []*http.Cookie{alice, bobSession} {
		rr := api.do("PATCH", "/users/me", chat.UpdateProfileInput{Fullname: "Member Smith"}, s)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := api.do("GET", "/users/search?fullname=smith", nil, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	var users []models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, bob.ID, users[0].ID)

	rr = api.do("GET", "/users/"+strconv.Itoa(bob.ID), nil, carol)
	require.Equal(t, http.StatusOK, rr.Code)
	var found models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &found))
	assert.Equal(t, "bob", found.Username)
	assert.Empty(t, found.Email)

	rr = api.do("GET", "/users/999", nil, carol)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	room := api.createRoom(alice, "secret", models.AccessPrivate)
	rr = api.do("POST", roomPath(room.ID, "/users"), AddUsersRequest{UserIDs: []int{bob.ID}}, alice)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = api.do("GET", roomPath(room.ID, "/users"), nil, bobSession)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &users))
	assert.Len(t, users, 2)

	rr = api.do("GET", roomPath(room.ID, "/users"), nil, carol)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
