package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthenticated 覆盖所有格式错误、过期、未注册的 token，调用方需重新登录。
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims 是 access token 的载荷，校验只看签名和过期时间。
type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims 只携带用户 id。
type RefreshClaims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       uint
}

// NameLookup 在换发 access token 时解析用户的显示名。
type NameLookup func(ctx context.Context, userID uint) (string, error)

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type TokenService struct {
	cfg      TokenConfig
	registry Registry
	names    NameLookup
	now      func() time.Time
}

func NewTokenService(cfg TokenConfig, registry Registry) *TokenService {
	return &TokenService{cfg: cfg, registry: registry, now: time.Now}
}

// WithNameLookup 设置换发时使用的显示名解析函数。
func (s *TokenService) WithNameLookup(fn NameLookup) *TokenService {
	s.names = fn
	return s
}

// IssueSession 同时签发 access/refresh token，并登记 refresh token。
func (s *TokenService) IssueSession(ctx context.Context, userID uint, displayName string) (*Session, error) {
	at, err := s.issueAccess(userID, displayName)
	if err != nil {
		return nil, err
	}
	now := s.now()
	exp := now.Add(s.cfg.RefreshTTL)
	claims := RefreshClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	rt, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.RefreshSecret))
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, digest(rt), exp); err != nil {
		return nil, fmt.Errorf("register refresh token: %w", err)
	}
	return &Session{AccessToken: at, RefreshToken: rt, UserID: userID}, nil
}

func (s *TokenService) issueAccess(userID uint, displayName string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   userID,
		Username: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.AccessSecret))
}

func (s *TokenService) VerifyAccess(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenStr, s.cfg.AccessSecret, claims); err != nil {
		return nil, err
	}
	if claims.UserID == 0 {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// VerifyRefresh 要求签名有效、未过期且仍在注册表中，返回用户 id。
func (s *TokenService) VerifyRefresh(ctx context.Context, tokenStr string) (uint, error) {
	claims := &RefreshClaims{}
	if err := s.parse(tokenStr, s.cfg.RefreshSecret, claims); err != nil {
		return 0, err
	}
	ok, err := s.registry.Contains(ctx, digest(tokenStr))
	if err != nil {
		return 0, fmt.Errorf("%w: registry: %v", ErrUnauthenticated, err)
	}
	if !ok || claims.UserID == 0 {
		return 0, ErrUnauthenticated
	}
	return claims.UserID, nil
}

// RotateAccess 用有效的 refresh token 换发新的 access token，refresh token 本身不变。
func (s *TokenService) RotateAccess(ctx context.Context, refreshToken string) (string, error) {
	uid, err := s.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	var name string
	if s.names != nil {
		if name, err = s.names(ctx, uid); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
	}
	return s.issueAccess(uid, name)
}

// Revoke 从注册表移除 refresh token，重复调用不报错。
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.registry.Remove(ctx, digest(refreshToken))
}

func (s *TokenService) parse(tokenStr, secret string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return ErrUnauthenticated
	}
	return nil
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
