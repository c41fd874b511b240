package gormpersistence

import "time"

// RoomSnapshot 是房间镜像在 SQL 中的行结构
type RoomSnapshot struct {
	Code        string    `gorm:"primaryKey;size:8"`
	Revision    uint64    `gorm:"not null"`
	State       string    `gorm:"size:16;not null"`
	PlayerCount int       `gorm:"not null"`
	Payload     []byte    `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"index:idx_room_snapshots_expires_at;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 指定表名
func (RoomSnapshot) TableName() string { return "room_snapshots" }
