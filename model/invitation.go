package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// InvitationChannel 邀请渠道
type InvitationChannel string

const (
	ChannelSearch InvitationChannel = "search" // 直接按用户 ID（搜索结果）
	ChannelPseudo InvitationChannel = "pseudo"
	ChannelEmail  InvitationChannel = "email"
	ChannelPhone  InvitationChannel = "phone"
)

// InvitationStatus 邀请记录状态
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
)

// InvitationRecord 邀请记录表
// 只用于审计和发现尚未解析到用户的邀请，权威状态在 RelationshipEdge
type InvitationRecord struct {
	ID        uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	FromID    uuid.UUID        `json:"from_id" gorm:"type:uuid;not null;index"`
	ToUserID  *uuid.UUID       `json:"to_user_id,omitempty" gorm:"type:uuid;index"`
	ToEmail   *string          `json:"to_email,omitempty" gorm:"type:varchar(255);index"`
	ToPseudo  *string          `json:"to_pseudo,omitempty" gorm:"type:varchar(50)"`
	ToPhone   *string          `json:"to_phone,omitempty" gorm:"type:varchar(20);index"`
	Status    InvitationStatus `json:"status" gorm:"type:varchar(20);not null;default:pending"`
	CreatedAt time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

func (InvitationRecord) TableName() string {
	return "invitations"
}

var errInvitationTarget = errors.New("invitation must have exactly one target")

// Validate 检查四个 to_* 字段中恰好设置了一个
func (r InvitationRecord) Validate() error {
	n := 0
	if r.ToUserID != nil {
		n++
	}
	if r.ToEmail != nil {
		n++
	}
	if r.ToPseudo != nil {
		n++
	}
	if r.ToPhone != nil {
		n++
	}
	if n != 1 {
		return errInvitationTarget
	}
	return nil
}

// Target 返回邀请的目标渠道和标识
func (r InvitationRecord) Target() (InvitationChannel, string) {
	switch {
	case r.ToUserID != nil:
		return ChannelSearch, r.ToUserID.String()
	case r.ToEmail != nil:
		return ChannelEmail, *r.ToEmail
	case r.ToPseudo != nil:
		return ChannelPseudo, *r.ToPseudo
	case r.ToPhone != nil:
		return ChannelPhone, *r.ToPhone
	}
	return "", ""
}

// NewInvitationRecord 根据渠道构造一条 pending 邀请记录
func NewInvitationRecord(from uuid.UUID, channel InvitationChannel, identifier string) InvitationRecord {
	rec := InvitationRecord{FromID: from, Status: InvitationPending}
	v := identifier
	switch channel {
	case ChannelSearch:
		if id, err := uuid.Parse(identifier); err == nil {
			rec.ToUserID = &id
		}
	case ChannelEmail:
		rec.ToEmail = &v
	case ChannelPseudo:
		rec.ToPseudo = &v
	case ChannelPhone:
		rec.ToPhone = &v
	}
	return rec
}
