package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chanhub/internal/auth"
	"chanhub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxChannelName = 128

	// bcrypt 只接受 72 字节以内的输入。
	maxChannelPassword = 72
)

// ChannelService 维护频道记录、成员关系与私有频道密码。
type ChannelService struct {
	db     *gorm.DB
	hasher *auth.Hasher
}

func NewChannelService(db *gorm.DB, hasher *auth.Hasher) *ChannelService {
	return &ChannelService{db: db, hasher: hasher}
}

// ChannelDTO 是对外输出的频道数据，不含密码摘要。
type ChannelDTO struct {
	ID          uint              `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Owner       UserRef           `json:"owner"`
	Visibility  models.Visibility `json:"visibility"`
	Members     []uint            `json:"members"`
	LengthHint  int               `json:"length"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type CreateInput struct {
	Name        string
	Description string
	OwnerID     uint
	Visibility  models.Visibility
	Password    string
	LengthHint  int
}

// Create 创建频道。private 频道必须带非空密码（空串等同于未提供），
// public 频道忽略传入的密码。
func (s *ChannelService) Create(ctx context.Context, in CreateInput) (*ChannelDTO, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.OwnerID == 0 {
		return nil, fmt.Errorf("%w: channel name and owner are required", ErrInvalidArgument)
	}
	if len(in.Name) > maxChannelName {
		return nil, fmt.Errorf("%w: channel name too long", ErrInvalidArgument)
	}
	if in.Visibility == "" {
		in.Visibility = models.VisibilityPublic
	}
	if !in.Visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", ErrInvalidArgument, in.Visibility)
	}
	if in.Visibility == models.VisibilityPrivate && in.Password == "" {
		return nil, fmt.Errorf("%w: private channel requires a password", ErrInvalidArgument)
	}
	if in.Visibility == models.VisibilityPrivate && len(in.Password) > maxChannelPassword {
		return nil, fmt.Errorf("%w: channel password too long", ErrInvalidArgument)
	}

	db := s.db.WithContext(ctx)
	if err := db.Select("id").First(&models.User{}, in.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: owner not found", ErrNotFound)
		}
		return nil, internal("load owner", err)
	}
	var count int64
	if err := db.Model(&models.Channel{}).Where("name = ?", in.Name).Count(&count).Error; err != nil {
		return nil, internal("count channel name", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: channel name taken", ErrConflict)
	}

	ch := models.Channel{
		Name:        in.Name,
		Description: in.Description,
		OwnerID:     in.OwnerID,
		Visibility:  in.Visibility,
		LengthHint:  in.LengthHint,
	}
	if in.Visibility == models.VisibilityPrivate {
		hash, err := s.hasher.Hash(ctx, in.Password)
		if err != nil {
			return nil, internal("hash channel password", err)
		}
		ch.PasswordHash = &hash
	}
	if err := db.Create(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: channel name taken", ErrConflict)
		}
		return nil, internal("create channel", err)
	}
	return s.view(ctx, &ch)
}

func (s *ChannelService) load(ctx context.Context, id uint) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: channel not found", ErrNotFound)
		}
		return nil, internal("load channel", err)
	}
	return &ch, nil
}

func (s *ChannelService) GetByID(ctx context.Context, id uint) (*ChannelDTO, error) {
	ch, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, ch)
}

func (s *ChannelService) GetByName(ctx context.Context, name string) (*ChannelDTO, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: channel not found", ErrNotFound)
		}
		return nil, internal("load channel by name", err)
	}
	return s.view(ctx, &ch)
}

// ListForUser 返回用户拥有或加入的频道，单条查询天然去重。
func (s *ChannelService) ListForUser(ctx context.Context, userID uint) ([]ChannelDTO, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	db := s.db.WithContext(ctx)
	memberOf := db.Model(&models.ChannelMember{}).Select("channel_id").Where("user_id = ?", userID)
	var chs []models.Channel
	if err := db.Where("owner_id = ? OR id IN (?)", userID, memberOf).Order("id").Find(&chs).Error; err != nil {
		return nil, internal("list channels for user", err)
	}
	return s.hydrate(ctx, chs)
}

// Patch 中为 nil 的字段保持不变。
type Patch struct {
	Name        *string
	Description *string
	Visibility  *models.Visibility
	Password    *string
	LengthHint  *int
}

// Update 修改频道字段。涉及密码时重新哈希；改为 public 会清除密码摘要，
// 改为 private 时必须提供新密码或已存在摘要。
func (s *ChannelService) Update(ctx context.Context, id uint, p Patch) (*ChannelDTO, error) {
	ch, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	updates := map[string]interface{}{"updated_at": time.Now()}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" || len(name) > maxChannelName {
			return nil, fmt.Errorf("%w: invalid channel name", ErrInvalidArgument)
		}
		if name != ch.Name {
			var count int64
			if err := db.Model(&models.Channel{}).Where("name = ?", name).Count(&count).Error; err != nil {
				return nil, internal("count channel name", err)
			}
			if count > 0 {
				return nil, fmt.Errorf("%w: channel name taken", ErrConflict)
			}
			updates["name"] = name
		}
	}
	if p.Description != nil {
		updates["description"] = *p.Description
	}
	if p.LengthHint != nil {
		updates["length_hint"] = *p.LengthHint
	}
	vis := ch.Visibility
	if p.Visibility != nil {
		if !p.Visibility.Valid() {
			return nil, fmt.Errorf("%w: unknown visibility %q", ErrInvalidArgument, *p.Visibility)
		}
		vis = *p.Visibility
		updates["visibility"] = vis
	}
	switch {
	case vis == models.VisibilityPublic:
		updates["password_hash"] = nil
	case p.Password != nil && len(*p.Password) > maxChannelPassword:
		return nil, fmt.Errorf("%w: channel password too long", ErrInvalidArgument)
	case p.Password != nil && *p.Password != "":
		hash, err := s.hasher.Hash(ctx, *p.Password)
		if err != nil {
			return nil, internal("hash channel password", err)
		}
		updates["password_hash"] = hash
	case p.Password != nil || ch.PasswordHash == nil:
		return nil, fmt.Errorf("%w: private channel requires a password", ErrInvalidArgument)
	}

	if err := db.Model(&models.Channel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: channel name taken", ErrConflict)
		}
		return nil, internal("update channel", err)
	}
	return s.GetByID(ctx, id)
}

// AddMember 把用户加入频道。private 频道需要校验密码；
// 唯一索引加 ON CONFLICT DO NOTHING 保证并发加入也只会成功一次。
func (s *ChannelService) AddMember(ctx context.Context, channelID, userID uint, password string) (*ChannelDTO, error) {
	if channelID == 0 || userID == 0 {
		return nil, fmt.Errorf("%w: channel id and user id are required", ErrInvalidArgument)
	}
	ch, err := s.load(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Visibility == models.VisibilityPrivate {
		if err := s.checkPassword(ctx, ch, password); err != nil {
			return nil, err
		}
	}
	if err := s.join(ctx, ch, userID); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, ch.ID)
}

// JoinPrivateByName 按名称加入 private 频道，重复加入与 AddMember 一样返回 Conflict。
func (s *ChannelService) JoinPrivateByName(ctx context.Context, name, password string, userID uint) (*ChannelDTO, error) {
	if name == "" || userID == 0 {
		return nil, fmt.Errorf("%w: channel name and user id are required", ErrInvalidArgument)
	}
	var ch models.Channel
	err := s.db.WithContext(ctx).Where("name = ? AND visibility = ?", name, models.VisibilityPrivate).First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: private channel not found", ErrNotFound)
		}
		return nil, internal("load private channel", err)
	}
	if err := s.checkPassword(ctx, &ch, password); err != nil {
		return nil, err
	}
	if err := s.join(ctx, &ch, userID); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, ch.ID)
}

func (s *ChannelService) checkPassword(ctx context.Context, ch *models.Channel, password string) error {
	if password == "" {
		return fmt.Errorf("%w: channel password required", ErrUnauthorized)
	}
	if ch.PasswordHash == nil {
		return fmt.Errorf("%w: invalid channel password", ErrUnauthorized)
	}
	ok, err := s.hasher.Verify(ctx, password, *ch.PasswordHash)
	if err != nil {
		return internal("verify channel password", err)
	}
	if !ok {
		return fmt.Errorf("%w: invalid channel password", ErrUnauthorized)
	}
	return nil
}

func (s *ChannelService) join(ctx context.Context, ch *models.Channel, userID uint) error {
	if ch.OwnerID == userID {
		return fmt.Errorf("%w: user is already a member", ErrConflict)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&models.User{}, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user not found", ErrNotFound)
			}
			return internal("load user", err)
		}
		if err := tx.Select("id").First(&models.Channel{}, ch.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: channel not found", ErrNotFound)
			}
			return internal("load channel", err)
		}
		m := models.ChannelMember{ChannelID: ch.ID, UserID: userID}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).Create(&m)
		if res.Error != nil {
			return internal("insert member", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: user is already a member", ErrConflict)
		}
		return nil
	})
}

// SearchResult 是分页搜索的结果，TotalPages 基于全部匹配数计算。
type SearchResult struct {
	Channels   []ChannelDTO `json:"channels"`
	Page       int          `json:"page"`
	TotalPages int          `json:"total_pages"`
}

// Search 对 public 频道名做大小写不敏感的子串匹配，按创建时间倒序分页。
func (s *ChannelService) Search(ctx context.Context, query string, page, pageSize int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page and limit must be positive", ErrInvalidArgument)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	matching := func(db *gorm.DB) *gorm.DB {
		return db.Where("visibility = ? AND LOWER(name) LIKE ? ESCAPE '!'", models.VisibilityPublic, pattern)
	}

	db := s.db.WithContext(ctx)
	var total int64
	if err := db.Model(&models.Channel{}).Scopes(matching).Count(&total).Error; err != nil {
		return nil, internal("count search", err)
	}
	var chs []models.Channel
	err := db.Scopes(matching).Order("created_at desc").Order("id desc").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&chs).Error
	if err != nil {
		return nil, internal("search channels", err)
	}
	out, err := s.hydrate(ctx, chs)
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		Channels:   out,
		Page:       page,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// Remove 仅允许 owner 删除频道，消息日志、成员与频道在同一事务中删除；
// 重复调用返回 NotFound，可安全重试。
func (s *ChannelService) Remove(ctx context.Context, id, requesterID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ch models.Channel
		if err := tx.First(&ch, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: channel not found", ErrNotFound)
			}
			return internal("load channel", err)
		}
		if ch.OwnerID != requesterID {
			return fmt.Errorf("%w: only the owner can delete the channel", ErrUnauthorized)
		}
		logIDs := tx.Model(&models.MessageLog{}).Select("id").Where("channel_id = ?", id)
		if err := tx.Where("log_id IN (?)", logIDs).Delete(&models.LogEntry{}).Error; err != nil {
			return internal("delete log entries", err)
		}
		if err := tx.Where("channel_id = ?", id).Delete(&models.MessageLog{}).Error; err != nil {
			return internal("delete message log", err)
		}
		if err := tx.Where("channel_id = ?", id).Delete(&models.ChannelMember{}).Error; err != nil {
			return internal("delete members", err)
		}
		res := tx.Delete(&models.Channel{}, id)
		if res.Error != nil {
			return internal("delete channel", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: channel not found", ErrNotFound)
		}
		return nil
	})
}

// Members 返回成员（按加入顺序）以及追加在末尾的 owner。
func (s *ChannelService) Members(ctx context.Context, channelID uint) ([]UserRef, error) {
	ch, err := s.load(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var rows []models.ChannelMember
	if err := s.db.WithContext(ctx).Where("channel_id = ?", ch.ID).Order("id").Find(&rows).Error; err != nil {
		return nil, internal("list members", err)
	}
	ids := make([]uint, 0, len(rows)+1)
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	ids = append(ids, ch.OwnerID)
	refs, err := resolveUsers(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]UserRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, refs[id])
	}
	return out, nil
}

// IsMember 判断用户是否为频道成员，owner 视为成员。
func (s *ChannelService) IsMember(ctx context.Context, channelID, userID uint) (bool, error) {
	ch, err := s.load(ctx, channelID)
	if err != nil {
		return false, err
	}
	if ch.OwnerID == userID {
		return true, nil
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).Count(&count).Error
	if err != nil {
		return false, internal("count membership", err)
	}
	return count > 0, nil
}

func (s *ChannelService) view(ctx context.Context, ch *models.Channel) (*ChannelDTO, error) {
	out, err := s.hydrate(ctx, []models.Channel{*ch})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// hydrate 批量补全 owner 信息与成员 id 列表。
func (s *ChannelService) hydrate(ctx context.Context, chs []models.Channel) ([]ChannelDTO, error) {
	out := make([]ChannelDTO, 0, len(chs))
	if len(chs) == 0 {
		return out, nil
	}
	channelIDs := make([]uint, 0, len(chs))
	ownerIDs := make([]uint, 0, len(chs))
	for _, ch := range chs {
		channelIDs = append(channelIDs, ch.ID)
		ownerIDs = append(ownerIDs, ch.OwnerID)
	}
	var rows []models.ChannelMember
	if err := s.db.WithContext(ctx).Where("channel_id IN ?", channelIDs).Order("id").Find(&rows).Error; err != nil {
		return nil, internal("list members", err)
	}
	members := make(map[uint][]uint, len(chs))
	for _, r := range rows {
		members[r.ChannelID] = append(members[r.ChannelID], r.UserID)
	}
	owners, err := resolveUsers(ctx, s.db, ownerIDs)
	if err != nil {
		return nil, err
	}
	for _, ch := range chs {
		m := members[ch.ID]
		if m == nil {
			m = []uint{}
		}
		out = append(out, ChannelDTO{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			Owner:       owners[ch.OwnerID],
			Visibility:  ch.Visibility,
			Members:     m,
			LengthHint:  ch.LengthHint,
			CreatedAt:   ch.CreatedAt,
			UpdatedAt:   ch.UpdatedAt,
		})
	}
	return out, nil
}
