package model

import (
	"time"

	"github.com/google/uuid"
)

// PendingNotification 未读 ping 标记表
// 每个 (from_id, to_id) 最多一条，接收方读取后删除；不是消息记录
type PendingNotification struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	FromID    uuid.UUID `json:"from_id" gorm:"type:uuid;not null;uniqueIndex:idx_pending_pair"`
	ToID      uuid.UUID `json:"to_id" gorm:"type:uuid;not null;uniqueIndex:idx_pending_pair;index"`
	ShortText *string   `json:"short_text,omitempty" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (PendingNotification) TableName() string {
	return "pending_notifications"
}

// DispatchAttempt 一次发送尝试（不持久化，只用于冷却记账）
type DispatchAttempt struct {
	RecipientID uuid.UUID
	Token       string
	Outcome     string
}
