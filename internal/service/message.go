package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chanhub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageService 维护每个频道的追加式消息日志。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Record 是待追加的一条消息。
type Record struct {
	SenderID uint
	Text     string
	SentAt   time.Time
	System   bool
}

// LogConfig 只在日志首次创建时生效。
type LogConfig struct {
	System bool
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uint      `json:"id"`
	ChannelID uint      `json:"channel_id"`
	SenderID  uint      `json:"sender_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
	System    bool      `json:"system,omitempty"`
}

// LogDTO 是频道的完整消息日志。
type LogDTO struct {
	ChannelID uint         `json:"channel_id"`
	System    bool         `json:"system"`
	CreatedAt time.Time    `json:"created_at"`
	Messages  []MessageDTO `json:"messages"`
}

// Append 原子地查找或创建频道日志，再把消息追加到末尾。
// 自增 id 即到达顺序，不重排也不去重。
func (s *MessageService) Append(ctx context.Context, channelID uint, rec Record, cfg *LogConfig) (*MessageDTO, error) {
	if channelID == 0 || rec.SenderID == 0 {
		return nil, fmt.Errorf("%w: channel id and sender are required", ErrInvalidArgument)
	}
	if rec.Text == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	var entry models.LogEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&models.Channel{}, channelID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: channel not found", ErrNotFound)
			}
			return internal("load channel", err)
		}
		lg := models.MessageLog{ChannelID: channelID}
		if cfg != nil {
			lg.System = cfg.System
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoNothing: true,
		}).Create(&lg).Error
		if err != nil {
			return internal("upsert message log", err)
		}
		var existing models.MessageLog
		if err := tx.Where("channel_id = ?", channelID).First(&existing).Error; err != nil {
			return internal("load message log", err)
		}
		entry = models.LogEntry{
			LogID:    existing.ID,
			SenderID: rec.SenderID,
			Body:     rec.Text,
			System:   rec.System,
			SentAt:   rec.SentAt,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return internal("append message", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	names, err := resolveUsers(ctx, s.db, []uint{rec.SenderID})
	if err != nil {
		return nil, err
	}
	dto := toMessageDTO(channelID, entry, names)
	return &dto, nil
}

// GetByChannel 返回频道的完整日志；尚未创建时返回 nil。
func (s *MessageService) GetByChannel(ctx context.Context, channelID uint) (*LogDTO, error) {
	db := s.db.WithContext(ctx)
	var lg models.MessageLog
	if err := db.Where("channel_id = ?", channelID).First(&lg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, internal("load message log", err)
	}
	var entries []models.LogEntry
	if err := db.Where("log_id = ?", lg.ID).Order("id").Find(&entries).Error; err != nil {
		return nil, internal("list log entries", err)
	}
	senders := make([]uint, 0, len(entries))
	for _, e := range entries {
		senders = append(senders, e.SenderID)
	}
	names, err := resolveUsers(ctx, s.db, senders)
	if err != nil {
		return nil, err
	}
	out := &LogDTO{ChannelID: channelID, System: lg.System, CreatedAt: lg.CreatedAt, Messages: make([]MessageDTO, 0, len(entries))}
	for _, e := range entries {
		out.Messages = append(out.Messages, toMessageDTO(channelID, e, names))
	}
	return out, nil
}

func toMessageDTO(channelID uint, e models.LogEntry, names map[uint]UserRef) MessageDTO {
	return MessageDTO{
		ID:        e.ID,
		ChannelID: channelID,
		SenderID:  e.SenderID,
		Username:  names[e.SenderID].Username,
		Text:      e.Body,
		Time:      e.SentAt,
		System:    e.System,
	}
}
