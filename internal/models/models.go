package models

import "time"

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid 仅接受 public / private 两种取值。
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	ProfileImage string `gorm:"size:512;not null;default:''"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Channel 的 PasswordHash 仅在 private 时非空。
type Channel struct {
	ID           uint       `gorm:"primaryKey"`
	Name         string     `gorm:"uniqueIndex;size:128;not null"`
	Description  string     `gorm:"size:512;not null;default:''"`
	OwnerID      uint       `gorm:"index;not null"`
	Visibility   Visibility `gorm:"size:16;index;not null"`
	PasswordHash *string
	LengthHint   int `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChannelMember 以 (channel_id, user_id) 唯一索引保证成员不重复，自增 id 即加入顺序。
type ChannelMember struct {
	ID        uint `gorm:"primaryKey"`
	ChannelID uint `gorm:"uniqueIndex:idx_member_pair;not null"`
	UserID    uint `gorm:"uniqueIndex:idx_member_pair;index;not null"`
	CreatedAt time.Time
}

type MessageLog struct {
	ID        uint `gorm:"primaryKey"`
	ChannelID uint `gorm:"uniqueIndex;not null"`
	System    bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

type LogEntry struct {
	ID       uint      `gorm:"primaryKey"`
	LogID    uint      `gorm:"index:idx_entry_log;not null"`
	SenderID uint      `gorm:"index;not null"`
	Body     string    `gorm:"type:text;not null"`
	System   bool      `gorm:"not null;default:false"`
	SentAt   time.Time `gorm:"not null"`
}
