package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
)

// RelationshipService 处理 UI 发起的关系意图：先本地乐观更新，再调用远端确认
type RelationshipService struct {
	engine *ReconciliationEngine
	dir    Directory
}

func NewRelationshipService(engine *ReconciliationEngine, dir Directory) *RelationshipService {
	return &RelationshipService{engine: engine, dir: dir}
}

func (s *RelationshipService) me() uuid.UUID { return s.engine.Me() }

func checkPeer(me, peer uuid.UUID) error {
	if peer == uuid.Nil {
		return invalid("peer_id", "required")
	}
	if peer == me {
		return invalid("peer_id", "cannot target yourself")
	}
	return nil
}

// Accept 接受对端发来的请求（把 peer->me 置为 accepted）
// 对已接受的边重复调用直接成功；邀请边的反向边由远端触发器创建
func (s *RelationshipService) Accept(ctx context.Context, peer uuid.UUID) error {
	me := s.me()
	if err := checkPeer(me, peer); err != nil {
		return err
	}

	var reciprocal *model.RelationshipEdge
	var confirmed []model.RelationshipEdge

	res, err := s.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			in, ok := st.Edge(peer, me)
			if !ok {
				return nil, ErrNotFound
			}
			if in.Status == model.StatusBlocked {
				return nil, conflict(ConflictBlocked)
			}
			epoch, r := st.ApplyStatusOptimistic(peer, me, model.StatusAccepted)
			tags := []Tag{{Key: in.Key(), Epoch: epoch, Result: r}}

			if in.Method == model.MethodInvitation {
				return tags, nil
			}
			out, exists := st.Edge(me, peer)
			switch {
			case !exists:
				edge := model.RelationshipEdge{OwnerID: me, PeerID: peer, Status: model.StatusAccepted, Method: in.Method}
				reciprocal = &edge
				epoch, r := st.CreateOptimistic(edge)
				tags = append(tags, Tag{Key: edge.Key(), Epoch: epoch, Result: r})
			case out.Status == model.StatusPending:
				edge := out
				edge.Status = model.StatusAccepted
				reciprocal = &edge
				epoch, r := st.ApplyStatusOptimistic(me, peer, model.StatusAccepted)
				tags = append(tags, Tag{Key: out.Key(), Epoch: epoch, Result: r})
			}
			return tags, nil
		},
		func(ctx context.Context) error {
			status := model.StatusAccepted
			edge, err := s.dir.UpdateEdge(ctx, peer, me, EdgePatch{Status: &status})
			if err != nil {
				return fmt.Errorf("failed to accept request: %w", err)
			}
			confirmed = append(confirmed, edge)
			if reciprocal != nil {
				rev, err := s.dir.UpsertEdge(ctx, *reciprocal)
				if err != nil {
					return fmt.Errorf("failed to create reciprocal edge: %w", err)
				}
				confirmed = append(confirmed, rev)
			}
			return nil
		},
		func(st *RelationshipStore) {
			for _, edge := range confirmed {
				st.UpsertEdge(edge)
			}
		},
	)
	if err != nil {
		return err
	}
	if res == ApplyRejected {
		return conflict(ConflictBlocked)
	}
	s.syncInvitation(ctx, peer, me, model.InvitationAccepted)
	return nil
}

// Reject 拒绝对端发来的待处理请求（删除 peer->me）
func (s *RelationshipService) Reject(ctx context.Context, peer uuid.UUID) error {
	me := s.me()
	if err := checkPeer(me, peer); err != nil {
		return err
	}

	res, err := s.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			in, ok := st.Edge(peer, me)
			if !ok {
				return nil, nil
			}
			if in.Status == model.StatusAccepted {
				return nil, conflict(ConflictAlreadyFriends)
			}
			epoch, r := st.RemoveOptimistic(peer, me)
			return []Tag{{Key: in.Key(), Epoch: epoch, Result: r}}, nil
		},
		func(ctx context.Context) error {
			if err := s.dir.DeleteEdge(ctx, peer, me); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to reject request: %w", err)
			}
			return nil
		},
		func(st *RelationshipStore) { st.Remove(peer, me) },
	)
	if err != nil {
		return err
	}
	if res != ApplyNoop {
		s.syncInvitation(ctx, peer, me, model.InvitationRejected)
	}
	return nil
}

// Unfriend 解除好友，两个方向都删除
func (s *RelationshipService) Unfriend(ctx context.Context, peer uuid.UUID) error {
	me := s.me()
	if err := checkPeer(me, peer); err != nil {
		return err
	}

	_, err := s.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			var tags []Tag
			for _, key := range []model.EdgeKey{{Owner: me, Peer: peer}, {Owner: peer, Peer: me}} {
				edge, ok := st.Edge(key.Owner, key.Peer)
				if !ok || edge.Status == model.StatusBlocked {
					continue
				}
				epoch, r := st.RemoveOptimistic(key.Owner, key.Peer)
				tags = append(tags, Tag{Key: key, Epoch: epoch, Result: r})
			}
			return tags, nil
		},
		func(ctx context.Context) error {
			if err := s.dir.DeleteEdge(ctx, me, peer); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to delete outbound edge: %w", err)
			}
			if err := s.dir.DeleteEdge(ctx, peer, me); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("failed to delete inbound edge: %w", err)
			}
			return nil
		},
		func(st *RelationshipStore) {
			st.Remove(me, peer)
			st.Remove(peer, me)
		},
	)
	return err
}

// Mute 静音对端（只影响 me->peer）
func (s *RelationshipService) Mute(ctx context.Context, peer uuid.UUID) error {
	return s.setMuted(ctx, peer, true)
}

// Unmute 取消静音
func (s *RelationshipService) Unmute(ctx context.Context, peer uuid.UUID) error {
	return s.setMuted(ctx, peer, false)
}

func (s *RelationshipService) setMuted(ctx context.Context, peer uuid.UUID, muted bool) error {
	me := s.me()
	if err := checkPeer(me, peer); err != nil {
		return err
	}

	var confirmed model.RelationshipEdge
	_, err := s.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			if _, ok := st.Edge(me, peer); !ok {
				return nil, ErrNotFound
			}
			epoch, r := st.SetMutedOptimistic(me, peer, muted)
			return []Tag{{Key: model.EdgeKey{Owner: me, Peer: peer}, Epoch: epoch, Result: r}}, nil
		},
		func(ctx context.Context) error {
			var err error
			confirmed, err = s.dir.UpdateEdge(ctx, me, peer, EdgePatch{IsMuted: &muted})
			if err != nil {
				return fmt.Errorf("failed to update mute: %w", err)
			}
			return nil
		},
		func(st *RelationshipStore) { st.SetMuted(me, peer, confirmed.IsMuted) },
	)
	return err
}

// Block 拉黑用户
func (s *RelationshipService) Block(ctx context.Context, peer uuid.UUID) error {
	me := s.me()
	if err := checkPeer(me, peer); err != nil {
		return err
	}

	existed := false
	var confirmed model.RelationshipEdge
	_, err := s.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			key := model.EdgeKey{Owner: me, Peer: peer}
			if _, ok := st.Edge(me, peer); ok {
				existed = true
				epoch, r := st.ApplyStatusOptimistic(me, peer, model.StatusBlocked)
				return []Tag{{Key: key, Epoch: epoch, Result: r}}, nil
			}
			epoch, r := st.CreateOptimistic(model.RelationshipEdge{OwnerID: me, PeerID: peer, Status: model.StatusBlocked, Method: model.MethodSearch})
			return []Tag{{Key: key, Epoch: epoch, Result: r}}, nil
		},
		func(ctx context.Context) error {
			var err error
			if existed {
				status := model.StatusBlocked
				confirmed, err = s.dir.UpdateEdge(ctx, me, peer, EdgePatch{Status: &status})
			} else {
				confirmed, err = s.dir.UpsertEdge(ctx, model.RelationshipEdge{OwnerID: me, PeerID: peer, Status: model.StatusBlocked, Method: model.MethodSearch})
			}
			if err != nil {
				return fmt.Errorf("failed to block user: %w", err)
			}
			return nil
		},
		func(st *RelationshipStore) { st.UpsertEdge(confirmed) },
	)
	return err
}

// Unblock 取消拉黑（删除 me->peer）
func (s *RelationshipService) Unblock(ctx context.Context, peer uuid.UUID) error {
	me := s.me()
	if err := checkPeer(me, peer); err != nil {
		return err
	}

	_, err := s.engine.Optimistic(ctx,
		func(st *RelationshipStore) ([]Tag, error) {
			edge, ok := st.Edge(me, peer)
			if !ok || edge.Status != model.StatusBlocked {
				return nil, ErrNotFound
			}
			epoch, r := st.RemoveOptimistic(me, peer)
			return []Tag{{Key: edge.Key(), Epoch: epoch, Result: r}}, nil
		},
		func(ctx context.Context) error {
			if err := s.dir.DeleteEdge(ctx, me, peer); err != nil {
				return fmt.Errorf("failed to unblock user: %w", err)
			}
			return nil
		},
		func(st *RelationshipStore) { st.Remove(me, peer) },
	)
	return err
}

// GetBlockedUsers 获取拉黑列表
func (s *RelationshipService) GetBlockedUsers() []FriendView {
	me := s.me()
	st := s.engine.Store()
	out := make([]FriendView, 0)
	for _, edge := range st.EdgesFor(me) {
		if edge.Status == model.StatusBlocked {
			out = append(out, st.View(me, edge.PeerID))
		}
	}
	return out
}

// IsBlocked 任一方向处于拉黑状态
func (s *RelationshipService) IsBlocked(peer uuid.UUID) bool {
	me := s.me()
	st := s.engine.Store()
	if e, ok := st.Edge(me, peer); ok && e.Status == model.StatusBlocked {
		return true
	}
	e, ok := st.Edge(peer, me)
	return ok && e.Status == model.StatusBlocked
}

// syncInvitation 邀请记录不是权威状态，失败只记录日志
func (s *RelationshipService) syncInvitation(ctx context.Context, from, to uuid.UUID, status model.InvitationStatus) {
	if err := s.dir.SetPairInvitationStatus(ctx, from, to, status); err != nil {
		log.Printf("[ERROR] Failed to sync invitation %s -> %s to %s: %v", from, to, status, err)
	}
}
