package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 快照缓存键
const (
	SnapshotFriends         = "friends"
	SnapshotPendingRequests = "pending-requests"
)

// SnapshotKey 每个会话 owner 独立的缓存键
func SnapshotKey(ownerID uuid.UUID, name string) string {
	return "snapshot:" + ownerID.String() + ":" + name
}

// SnapshotStore 本地持久化快照 { data, timestamp }
// Load 在键不存在时返回 (nil, nil)
type SnapshotStore interface {
	Load(ctx context.Context, key string) (*model.Snapshot, error)
	Save(ctx context.Context, key string, snap model.Snapshot) error
}

// ============================================
// Redis
// ============================================

// RedisSnapshotStore 用 Redis 保存快照
type RedisSnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSnapshotStore ttl 为 0 表示不过期（新鲜度由读取方判断）
func NewRedisSnapshotStore(rdb *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSnapshotStore) Load(ctx context.Context, key string) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", key, err)
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, key string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}
	return nil
}

// ============================================
// Badger（设备本地）
// ============================================

// BadgerSnapshotStore 用嵌入式 BadgerDB 保存快照
type BadgerSnapshotStore struct {
	db *badger.DB
}

func NewBadgerSnapshotStore(db *badger.DB) *BadgerSnapshotStore {
	return &BadgerSnapshotStore{db: db}
}

func (s *BadgerSnapshotStore) Load(ctx context.Context, key string) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded model.Snapshot
			if err := json.Unmarshal(val, &decoded); err != nil {
				return err
			}
			snap = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return snap, nil
}

func (s *BadgerSnapshotStore) Save(ctx context.Context, key string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}
	return nil
}
