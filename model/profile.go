package model

import (
	"time"

	"github.com/google/uuid"
)

// Profile 用户目录中的公开资料
type Profile struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Pseudo    string    `json:"pseudo" gorm:"type:varchar(50);uniqueIndex"`
	Email     *string   `json:"email,omitempty" gorm:"type:varchar(255)"`
	Phone     *string   `json:"phone,omitempty" gorm:"type:varchar(20);index"`
	PushToken *string   `json:"push_token,omitempty" gorm:"type:text"` // ExponentPushToken[...] 或 FCM 原始 token，不解析
	Platform  *string   `json:"platform,omitempty" gorm:"type:varchar(20)"`
	IsZenMode bool      `json:"is_zen_mode" gorm:"default:false"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// 本地最后一次从目录刷新的时间（不存数据库）
	RefreshedAt time.Time `json:"-" gorm:"-"`
}

func (Profile) TableName() string {
	return "profiles"
}

// Token 返回推送 token，没有时返回空字符串
func (p Profile) Token() string {
	if p.PushToken == nil {
		return ""
	}
	return *p.PushToken
}

// FriendEntry 快照中的一项：边 + 对端资料
type FriendEntry struct {
	Edge RelationshipEdge `json:"edge"`
	Peer Profile          `json:"peer"`
}

// Snapshot 本地持久化快照 { data, timestamp }
type Snapshot struct {
	Data      []FriendEntry `json:"data"`
	Timestamp int64         `json:"timestamp"` // Unix 毫秒
}

// Age 返回快照距 now 的时长
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.Timestamp))
}
