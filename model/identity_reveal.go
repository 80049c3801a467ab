package model

import (
	"time"

	"github.com/google/uuid"
)

// RevealState 身份揭示状态：none -> pending -> revealed
type RevealState string

const (
	RevealNone     RevealState = "none"
	RevealPending  RevealState = "pending"
	RevealRevealed RevealState = "revealed"
)

// Rank 状态顺序，revealed 为终态
func (s RevealState) Rank() int {
	switch s {
	case RevealPending:
		return 1
	case RevealRevealed:
		return 2
	}
	return 0
}

// IdentityReveal 身份揭示表，每个 (requester_id, target_id) 一条
type IdentityReveal struct {
	ID          uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	RequesterID uuid.UUID   `json:"requester_id" gorm:"type:uuid;not null;uniqueIndex:idx_reveal_pair"`
	TargetID    uuid.UUID   `json:"target_id" gorm:"type:uuid;not null;uniqueIndex:idx_reveal_pair"`
	State       RevealState `json:"state" gorm:"type:varchar(20);not null;default:pending"`
	Alias       *string     `json:"alias,omitempty" gorm:"type:varchar(100)"` // 仅对 requester 可见
	UpdatedAt   time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

func (IdentityReveal) TableName() string {
	return "identity_reveals"
}
