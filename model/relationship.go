package model

import (
	"time"

	"github.com/google/uuid"
)

// EdgeStatus 关系边状态
type EdgeStatus string

const (
	StatusPending  EdgeStatus = "pending"
	StatusAccepted EdgeStatus = "accepted"
	StatusBlocked  EdgeStatus = "blocked"
	// StatusRemoved 只存在于本地墓碑，不会写入数据库
	StatusRemoved EdgeStatus = "removed"
)

// Rank 返回状态在格上的位置，只允许向更大的方向迁移
func (s EdgeStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusAccepted:
		return 2
	case StatusBlocked:
		return 3
	case StatusRemoved:
		return 4
	}
	return 0
}

// Valid 是否为可持久化的状态
func (s EdgeStatus) Valid() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusBlocked
}

// CanTransition 检查 from -> to 是否合法（相等视为幂等 no-op，也合法）
func CanTransition(from, to EdgeStatus) bool {
	if to.Rank() == 0 {
		return false
	}
	return to.Rank() >= from.Rank()
}

// EdgeMethod 关系边来源，创建后不可变
type EdgeMethod string

const (
	MethodContact    EdgeMethod = "contact"
	MethodInvitation EdgeMethod = "invitation"
	MethodSearch     EdgeMethod = "search"
)

// Valid 是否为已知来源
func (m EdgeMethod) Valid() bool {
	return m == MethodContact || m == MethodInvitation || m == MethodSearch
}

// RelationshipEdge 有向关系边 (owner_id -> peer_id)
type RelationshipEdge struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OwnerID           uuid.UUID  `json:"owner_id" gorm:"type:uuid;not null;uniqueIndex:idx_edge_pair"`
	PeerID            uuid.UUID  `json:"peer_id" gorm:"type:uuid;not null;uniqueIndex:idx_edge_pair;index"`
	Status            EdgeStatus `json:"status" gorm:"type:varchar(20);not null;default:pending"`
	Method            EdgeMethod `json:"method" gorm:"type:varchar(20);not null"`
	IsMuted           bool       `json:"is_muted" gorm:"default:false"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

func (RelationshipEdge) TableName() string {
	return "relationship_edges"
}

// Key 返回边的有序对
func (e RelationshipEdge) Key() EdgeKey {
	return EdgeKey{Owner: e.OwnerID, Peer: e.PeerID}
}

// EdgeKey 有序对 (owner, peer)，每个有序对最多一条边
type EdgeKey struct {
	Owner uuid.UUID
	Peer  uuid.UUID
}

// Reverse 返回反方向的有序对
func (k EdgeKey) Reverse() EdgeKey {
	return EdgeKey{Owner: k.Peer, Peer: k.Owner}
}

func (k EdgeKey) String() string {
	return k.Owner.String() + "->" + k.Peer.String()
}

// LaterInteraction 返回两个时间中较晚的一个（nil 视为最早）
func LaterInteraction(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || !b.After(*a) {
		return a
	}
	return b
}
