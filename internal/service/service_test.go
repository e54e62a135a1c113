package service

import (
	"context"
	"testing"
	"time"

	"chanhub/internal/auth"
	"chanhub/internal/db/dbtest"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	users    *UserService
	channels *ChannelService
	messages *MessageService
	tokens   *auth.TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := dbtest.Open(t)
	hasher := auth.NewHasher(bcrypt.MinCost, 4)
	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "access",
		RefreshSecret: "refresh",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	}, auth.NewMemoryRegistry())
	users := NewUserService(gdb, hasher, tokens)
	tokens.WithNameLookup(users.DisplayName)
	return &testEnv{
		db:       gdb,
		users:    users,
		channels: NewChannelService(gdb, hasher),
		messages: NewMessageService(gdb),
		tokens:   tokens,
	}
}

func (e *testEnv) mustUser(t *testing.T, name string) uint {
	t.Helper()
	u, err := e.users.Register(context.Background(), name, "password")
	if err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
	return u.ID
}
