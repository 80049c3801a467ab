package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(owner uuid.UUID) model.Snapshot {
	peer := uuid.New()
	return model.Snapshot{
		Data: []model.FriendEntry{{
			Edge: model.RelationshipEdge{ID: uuid.New(), OwnerID: owner, PeerID: peer, Status: model.StatusAccepted, Method: model.MethodContact},
			Peer: model.Profile{ID: peer, Pseudo: "alice", PushToken: strPtr("ExponentPushToken[alice]")},
		}},
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

// testSnapshotStore 对任意实现跑同一组断言
func testSnapshotStore(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	owner := uuid.New()
	key := SnapshotKey(owner, SnapshotFriends)

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "不存在的键返回 nil")

	snap := sampleSnapshot(owner)
	require.NoError(t, store.Save(ctx, key, snap))

	got, err = store.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Timestamp, got.Timestamp)
	require.Len(t, got.Data, 1)
	assert.Equal(t, snap.Data[0].Edge.Key(), got.Data[0].Edge.Key())
	assert.Equal(t, "ExponentPushToken[alice]", got.Data[0].Peer.Token())

	// 每个 owner 独立
	other, err := store.Load(ctx, SnapshotKey(uuid.New(), SnapshotFriends))
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestBadgerSnapshotStore(t *testing.T) {
	db, err := utils.OpenBadger("")
	require.NoError(t, err)
	defer db.Close()

	testSnapshotStore(t, NewBadgerSnapshotStore(db))
}

func TestBadgerSnapshotStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	owner := uuid.New()
	key := SnapshotKey(owner, SnapshotPendingRequests)

	db, err := utils.OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, NewBadgerSnapshotStore(db).Save(context.Background(), key, sampleSnapshot(owner)))
	require.NoError(t, db.Close())

	db, err = utils.OpenBadger(dir)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewBadgerSnapshotStore(db).Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, got, "重启后快照仍在")
}

// TestRedisSnapshotStore 需要本地 Redis（REDIS_URL），否则跳过
func TestRedisSnapshotStore(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set")
	}
	rdb, err := utils.OpenRedis(addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer rdb.Close()

	testSnapshotStore(t, NewRedisSnapshotStore(rdb, time.Minute))
}

func TestSnapshotKey(t *testing.T) {
	owner := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assert.Equal(t, "snapshot:11111111-1111-1111-1111-111111111111:friends", SnapshotKey(owner, SnapshotFriends))
	assert.NotEqual(t, SnapshotKey(owner, SnapshotFriends), SnapshotKey(owner, SnapshotPendingRequests))
}
