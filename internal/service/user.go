package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chanhub/internal/auth"
	"chanhub/internal/models"

	"gorm.io/gorm"
)

// UserService 封装注册、登录、资料修改与会话管理。
type UserService struct {
	db     *gorm.DB
	hasher *auth.Hasher
	tokens *auth.TokenService
}

func NewUserService(db *gorm.DB, hasher *auth.Hasher, tokens *auth.TokenService) *UserService {
	return &UserService{db: db, hasher: hasher, tokens: tokens}
}

// UserRef 是用于展示的用户信息。
type UserRef struct {
	ID           uint   `json:"id"`
	Username     string `json:"username"`
	ProfileImage string `json:"profile_image"`
}

func validateCredentials(username, password string) error {
	if len(username) < 2 || len(username) > 64 {
		return fmt.Errorf("%w: invalid username", ErrInvalidArgument)
	}
	if len(password) < 4 || len(password) > 72 {
		return fmt.Errorf("%w: invalid password", ErrInvalidArgument)
	}
	return nil
}

// Register 注册新用户。
func (s *UserService) Register(ctx context.Context, username, password string) (*UserRef, error) {
	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, internal("count username", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: username taken", ErrConflict)
	}
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, internal("hash password", err)
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: username taken", ErrConflict)
		}
		return nil, internal("create user", err)
	}
	return &UserRef{ID: user.ID, Username: user.Username, ProfileImage: user.ProfileImage}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         UserRef
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
		}
		return nil, internal("load user", err)
	}
	ok, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return nil, internal("verify password", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	sess, err := s.tokens.IssueSession(ctx, user.ID, user.Username)
	if err != nil {
		return nil, internal("issue session", err)
	}
	return &LoginResult{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		User:         UserRef{ID: user.ID, Username: user.Username, ProfileImage: user.ProfileImage},
	}, nil
}

// UserPatch 中为 nil 的字段保持不变。
type UserPatch struct {
	Username     *string
	Password     *string
	ProfileImage *string
}

// Update 只允许用户修改自己的资料。
func (s *UserService) Update(ctx context.Context, id, requesterID uint, p UserPatch) (*UserRef, error) {
	if id != requesterID {
		return nil, fmt.Errorf("%w: cannot update another user", ErrUnauthorized)
	}
	db := s.db.WithContext(ctx)
	var user models.User
	if err := db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, internal("load user", err)
	}
	updates := map[string]interface{}{}
	if p.Username != nil {
		name := strings.TrimSpace(*p.Username)
		if len(name) < 2 || len(name) > 64 {
			return nil, fmt.Errorf("%w: invalid username", ErrInvalidArgument)
		}
		updates["username"] = name
	}
	if p.Password != nil {
		if len(*p.Password) < 4 || len(*p.Password) > 72 {
			return nil, fmt.Errorf("%w: invalid password", ErrInvalidArgument)
		}
		hash, err := s.hasher.Hash(ctx, *p.Password)
		if err != nil {
			return nil, internal("hash password", err)
		}
		updates["password_hash"] = hash
	}
	if p.ProfileImage != nil {
		updates["profile_image"] = *p.ProfileImage
	}
	if len(updates) > 0 {
		if err := db.Model(&user).Updates(updates).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, fmt.Errorf("%w: username taken", ErrConflict)
			}
			return nil, internal("update user", err)
		}
		if err := db.First(&user, id).Error; err != nil {
			return nil, internal("reload user", err)
		}
	}
	return &UserRef{ID: user.ID, Username: user.Username, ProfileImage: user.ProfileImage}, nil
}

// Refresh 用 refresh token 换发新的 access token。
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("%w: missing refresh token", ErrUnauthenticated)
	}
	return s.tokens.RotateAccess(ctx, refreshToken)
}

// Logout 撤销 refresh token，重复调用是安全的。
func (s *UserService) Logout(ctx context.Context, refreshToken string) error {
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		return internal("revoke refresh token", err)
	}
	return nil
}

// DisplayName 供 token 换发时解析用户名。
func (s *UserService) DisplayName(ctx context.Context, id uint) (string, error) {
	refs, err := resolveUsers(ctx, s.db, []uint{id})
	if err != nil {
		return "", err
	}
	if refs[id].Username == "" {
		return "", fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return refs[id].Username, nil
}

// resolveUsers 批量获取用户信息，查不到的 id 只保留 ID 字段。
func resolveUsers(ctx context.Context, db *gorm.DB, ids []uint) (map[uint]UserRef, error) {
	seen := make(map[uint]struct{}, len(ids))
	uniq := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	refs := make(map[uint]UserRef, len(uniq))
	for _, id := range uniq {
		refs[id] = UserRef{ID: id}
	}
	if len(uniq) > 0 {
		var users []models.User
		if err := db.WithContext(ctx).Select("id", "username", "profile_image").Where("id IN ?", uniq).Find(&users).Error; err != nil {
			return nil, internal("resolve users", err)
		}
		for _, u := range users {
			refs[u.ID] = UserRef{ID: u.ID, Username: u.Username, ProfileImage: u.ProfileImage}
		}
	}
	return refs, nil
}
