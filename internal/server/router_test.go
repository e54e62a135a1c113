package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chanhub/internal/auth"
	"chanhub/internal/config"
	"chanhub/internal/db/dbtest"
	"chanhub/internal/service"
	"chanhub/internal/ws"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	engine   *gin.Engine
	messages *service.MessageService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Port: "0", Env: "dev", RefreshTokenTTL: time.Hour}
	gdb := dbtest.Open(t)
	hasher := auth.NewHasher(bcrypt.MinCost, 4)
	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "access",
		RefreshSecret: "refresh",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	}, auth.NewMemoryRegistry())
	users := service.NewUserService(gdb, hasher, tokens)
	tokens.WithNameLookup(users.DisplayName)
	channels := service.NewChannelService(gdb, hasher)
	messages := service.NewMessageService(gdb)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	gw := ws.NewGateway(hub, tokens, channels, messages, nil)
	engine := SetupRouter(cfg, Deps{
		Handler: NewHandler(cfg, users, channels, gw, nil),
		Tokens:  tokens,
		Gateway: gw,
	})
	return &testServer{engine: engine, messages: messages}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      uint   `json:"user_id"`
}

// signup 注册并登录，返回登录响应和 refresh cookie。
func (s *testServer) signup(t *testing.T, name string) (loginResponse, *http.Cookie) {
	t.Helper()
	if w := s.do(t, http.MethodPost, "/api/users/register", "", gin.H{"username": name, "password": "password"}); w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", name, w.Code, w.Body)
	}
	w := s.do(t, http.MethodPost, "/api/users/login", "", gin.H{"username": name, "password": "password"})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", name, w.Code, w.Body)
	}
	var res loginResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == refreshCookie {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("login %s: missing httpOnly refresh cookie", name)
	}
	return res, cookie
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUsersAPI(t *testing.T) {
	s := newTestServer(t)
	alice, cookie := s.signup(t, "alice")
	if alice.AccessToken == "" || alice.UserID == 0 {
		t.Fatalf("login response = %+v", alice)
	}

	tests := []struct {
		name string
		path string
		body gin.H
		want int
	}{
		{"duplicate username", "/api/users/register", gin.H{"username": "alice", "password": "password"}, http.StatusConflict},
		{"short password", "/api/users/register", gin.H{"username": "bob", "password": "x"}, http.StatusBadRequest},
		{"wrong password", "/api/users/login", gin.H{"username": "alice", "password": "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(t, http.MethodPost, tt.path, "", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	w := s.do(t, http.MethodPost, "/api/users/refresh", "", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", w.Code, w.Body)
	}

	img := "https://img.example/a.png"
	w = s.do(t, http.MethodPut, fmt.Sprintf("/api/users/update/%d", alice.UserID), alice.AccessToken, gin.H{"profile_image": img})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPut, fmt.Sprintf("/api/users/update/%d", alice.UserID+1), alice.AccessToken, gin.H{"profile_image": img}); w.Code != http.StatusUnauthorized {
		t.Errorf("update other user: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodPut, fmt.Sprintf("/api/users/update/%d", alice.UserID), "", gin.H{}); w.Code != http.StatusUnauthorized {
		t.Errorf("update without token: status %d, want 401", w.Code)
	}

	if w := s.do(t, http.MethodPost, "/api/users/logout", "", nil, cookie); w.Code != http.StatusUnauthorized {
		t.Errorf("logout without token: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/users/refresh", "", nil, cookie); w.Code != http.StatusOK {
		t.Fatalf("refresh after rejected logout: status %d, want 200", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/users/logout", alice.AccessToken, nil, cookie); w.Code != http.StatusOK {
		t.Fatalf("logout: status %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/users/refresh", "", nil, cookie); w.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/users/refresh", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("refresh without cookie: status %d, want 401", w.Code)
	}
}

func TestChannelsAPI(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.signup(t, "alice")
	bob, _ := s.signup(t, "bob")

	if w := s.do(t, http.MethodPost, "/api/channels", "", gin.H{"name": "general"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("create without token: status %d, want 401", w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/channels", alice.AccessToken, gin.H{"name": "general", "description": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body)
	}
	var general service.ChannelDTO
	_ = json.Unmarshal(w.Body.Bytes(), &general)
	if bytes.Contains(w.Body.Bytes(), []byte("password")) {
		t.Errorf("channel projection leaks password field: %s", w.Body)
	}

	if w := s.do(t, http.MethodPost, "/api/channels", alice.AccessToken, gin.H{"name": "general"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate create: status %d, want 409", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/channels", alice.AccessToken, gin.H{"name": "vip", "visibility": "private"}); w.Code != http.StatusBadRequest {
		t.Errorf("private without password: status %d, want 400", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/channels", alice.AccessToken, gin.H{"name": "vip", "visibility": "private", "password": "s3cret"}); w.Code != http.StatusCreated {
		t.Fatalf("create private: status %d body %s", w.Code, w.Body)
	}

	w = s.do(t, http.MethodGet, "/api/channels/search?query=GEN", bob.AccessToken, nil)
	var found service.SearchResult
	_ = json.Unmarshal(w.Body.Bytes(), &found)
	if w.Code != http.StatusOK || len(found.Channels) != 1 || found.TotalPages != 1 {
		t.Errorf("search: status %d result %+v", w.Code, found)
	}
	if w := s.do(t, http.MethodGet, "/api/channels/search?query=", bob.AccessToken, nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty search: status %d, want 400", w.Code)
	}

	if w := s.do(t, http.MethodPost, fmt.Sprintf("/api/channels/%d/addMember", general.ID), bob.AccessToken, nil); w.Code != http.StatusOK {
		t.Fatalf("addMember: status %d body %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, fmt.Sprintf("/api/channels/%d/addMember", general.ID), bob.AccessToken, nil); w.Code != http.StatusConflict {
		t.Errorf("duplicate addMember: status %d, want 409", w.Code)
	}
	lg, err := s.messages.GetByChannel(context.Background(), general.ID)
	if err != nil || lg == nil || len(lg.Messages) != 1 || !lg.Messages[0].System {
		t.Errorf("join notice log = %+v, %v", lg, err)
	}

	if w := s.do(t, http.MethodPost, "/api/channels/vip/addMemberPrivate", bob.AccessToken, gin.H{"password": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("addMemberPrivate wrong password: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/channels/vip/addMemberPrivate", bob.AccessToken, gin.H{"password": "s3cret"}); w.Code != http.StatusOK {
		t.Errorf("addMemberPrivate: status %d body %s", w.Code, w.Body)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/channels/user/%d", bob.UserID), bob.AccessToken, nil)
	var mine []service.ChannelDTO
	_ = json.Unmarshal(w.Body.Bytes(), &mine)
	if w.Code != http.StatusOK || len(mine) != 2 {
		t.Errorf("user channels: status %d len %d", w.Code, len(mine))
	}
	if w := s.do(t, http.MethodGet, fmt.Sprintf("/api/channels/user/%d", alice.UserID), bob.AccessToken, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("other user's channels: status %d, want 401", w.Code)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/channels/%d/members", general.ID), bob.AccessToken, nil)
	var members struct {
		Members []service.UserRef `json:"members"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &members)
	if w.Code != http.StatusOK || len(members.Members) != 2 || members.Members[1].ID != alice.UserID {
		t.Errorf("members: status %d body %s", w.Code, w.Body)
	}

	if w := s.do(t, http.MethodPut, fmt.Sprintf("/api/channels/%d", general.ID), bob.AccessToken, gin.H{"description": "x"}); w.Code != http.StatusUnauthorized {
		t.Errorf("update by non-owner: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodPut, fmt.Sprintf("/api/channels/%d", general.ID), alice.AccessToken, gin.H{"description": "updated"}); w.Code != http.StatusOK {
		t.Errorf("update by owner: status %d body %s", w.Code, w.Body)
	}

	if w := s.do(t, http.MethodDelete, "/api/channels", bob.AccessToken, gin.H{"channel_id": general.ID}); w.Code != http.StatusUnauthorized {
		t.Errorf("delete by non-owner: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/channels", alice.AccessToken, gin.H{"channel_id": general.ID}); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d body %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodDelete, "/api/channels", alice.AccessToken, gin.H{"channel_id": general.ID}); w.Code != http.StatusNotFound {
		t.Errorf("repeat delete: status %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodGet, fmt.Sprintf("/api/channels/%d/members", general.ID), alice.AccessToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("members after delete: status %d, want 404", w.Code)
	}
}
