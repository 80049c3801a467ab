package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
)

// MemoryDirectory 进程内的远端关系库实现
// 用于本地开发（未配置 DATABASE_URL 时）和测试；模拟远端的唯一约束、默认状态和反向边触发器，
// 同时实现 RealtimeFeed，把行级变更推送给订阅者
type MemoryDirectory struct {
	mu            sync.Mutex
	edges         map[model.EdgeKey]model.RelationshipEdge
	profiles      map[uuid.UUID]model.Profile
	contacts      map[uuid.UUID][]string // 用户资料里的通讯录号码（反向匹配）
	invitations   map[uuid.UUID]model.InvitationRecord
	notifications map[model.EdgeKey]model.PendingNotification
	reveals       map[revealKey]model.IdentityReveal

	// HoldTriggers 为 true 时反向边不立即创建，直到 FlushTriggers
	HoldTriggers bool
	held         []model.RelationshipEdge

	failures map[string]error
	calls    map[string]int

	subMu sync.Mutex
	subs  map[*memorySub]struct{}
}

type memorySub struct {
	owner uuid.UUID
	ch    chan model.ChangeEvent
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		edges:         make(map[model.EdgeKey]model.RelationshipEdge),
		profiles:      make(map[uuid.UUID]model.Profile),
		contacts:      make(map[uuid.UUID][]string),
		invitations:   make(map[uuid.UUID]model.InvitationRecord),
		notifications: make(map[model.EdgeKey]model.PendingNotification),
		reveals:       make(map[revealKey]model.IdentityReveal),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		subs:          make(map[*memorySub]struct{}),
	}
}

// FailOn 让指定操作返回 err（nil 取消）
func (d *MemoryDirectory) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Calls 返回某个操作被调用的次数
func (d *MemoryDirectory) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *MemoryDirectory) enter(op string) error {
	d.calls[op]++
	return d.failures[op]
}

// PutProfile 写入用户资料，pseudo 大小写不敏感唯一
func (d *MemoryDirectory) PutProfile(p model.Profile, contacts ...string) error {
	d.mu.Lock()
	for id, other := range d.profiles {
		if id != p.ID && p.Pseudo != "" && strings.EqualFold(other.Pseudo, p.Pseudo) {
			d.mu.Unlock()
			return conflict(ConflictDuplicatePseudo)
		}
	}
	d.profiles[p.ID] = p
	if len(contacts) > 0 {
		d.contacts[p.ID] = contacts
	}
	d.mu.Unlock()

	d.publish("profiles", model.ChangeUpdate, nil, p, p.ID, uuid.Nil)
	return nil
}

// PutEdge 直接写入一行（模拟其他设备 / 对端客户端的写入）
func (d *MemoryDirectory) PutEdge(edge model.RelationshipEdge) model.RelationshipEdge {
	d.mu.Lock()
	old, existed := d.edges[edge.Key()]
	if edge.ID == uuid.Nil {
		if existed {
			edge.ID = old.ID
		} else {
			edge.ID = uuid.New()
		}
	}
	if edge.Status == "" {
		edge.Status = model.StatusPending
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	d.edges[edge.Key()] = edge
	d.mu.Unlock()

	d.publishEdge(old, existed, edge)
	d.runTrigger(old, existed, edge)
	return edge
}

// FlushTriggers 执行被挂起的反向边创建
func (d *MemoryDirectory) FlushTriggers() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.mu.Unlock()
	for _, e := range held {
		d.createReciprocal(e)
	}
}

func (d *MemoryDirectory) runTrigger(old model.RelationshipEdge, existed bool, edge model.RelationshipEdge) {
	if edge.Status != model.StatusAccepted || edge.Method != model.MethodInvitation {
		return
	}
	if existed && old.Status == model.StatusAccepted {
		return
	}
	d.mu.Lock()
	if d.HoldTriggers {
		d.held = append(d.held, edge)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.createReciprocal(edge)
}

func (d *MemoryDirectory) createReciprocal(edge model.RelationshipEdge) {
	key := edge.Key().Reverse()
	d.mu.Lock()
	old, existed := d.edges[key]
	if existed && old.Status == model.StatusAccepted {
		d.mu.Unlock()
		return
	}
	rev := model.RelationshipEdge{
		ID:        uuid.New(),
		OwnerID:   key.Owner,
		PeerID:    key.Peer,
		Status:    model.StatusAccepted,
		Method:    model.MethodInvitation,
		CreatedAt: time.Now(),
	}
	if existed {
		rev.ID = old.ID
		rev.Method = old.Method
		rev.IsMuted = old.IsMuted
		rev.CreatedAt = old.CreatedAt
	}
	d.edges[key] = rev
	d.mu.Unlock()

	d.publishEdge(old, existed, rev)
}

// ============================================
// EdgeDirectory
// ============================================

func (d *MemoryDirectory) QueryEdges(ctx context.Context, filter EdgeFilter) ([]model.RelationshipEdge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("QueryEdges"); err != nil {
		return nil, err
	}

	out := make([]model.RelationshipEdge, 0)
	for _, e := range d.edges {
		if filter.OwnerID != nil && e.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.PeerID != nil && e.PeerID != *filter.PeerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (d *MemoryDirectory) EdgesBetween(ctx context.Context, a, b uuid.UUID) (*model.RelationshipEdge, *model.RelationshipEdge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("EdgesBetween"); err != nil {
		return nil, nil, err
	}

	var ab, ba *model.RelationshipEdge
	if e, ok := d.edges[model.EdgeKey{Owner: a, Peer: b}]; ok {
		ab = &e
	}
	if e, ok := d.edges[model.EdgeKey{Owner: b, Peer: a}]; ok {
		ba = &e
	}
	return ab, ba, nil
}

func (d *MemoryDirectory) UpsertEdge(ctx context.Context, edge model.RelationshipEdge) (model.RelationshipEdge, error) {
	d.mu.Lock()
	err := d.enter("UpsertEdge")
	d.mu.Unlock()
	if err != nil {
		return model.RelationshipEdge{}, err
	}
	return d.PutEdge(edge), nil
}

func (d *MemoryDirectory) UpdateEdge(ctx context.Context, ownerID, peerID uuid.UUID, patch EdgePatch) (model.RelationshipEdge, error) {
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}
	d.mu.Lock()
	if err := d.enter("UpdateEdge"); err != nil {
		d.mu.Unlock()
		return model.RelationshipEdge{}, err
	}
	edge, ok := d.edges[key]
	d.mu.Unlock()
	if !ok {
		return model.RelationshipEdge{}, ErrNotFound
	}

	if patch.Status != nil {
		edge.Status = *patch.Status
	}
	if patch.Method != nil {
		edge.Method = *patch.Method
	}
	if patch.IsMuted != nil {
		edge.IsMuted = *patch.IsMuted
	}
	if patch.LastInteractionAt != nil {
		edge.LastInteractionAt = model.LaterInteraction(edge.LastInteractionAt, patch.LastInteractionAt)
	}
	return d.PutEdge(edge), nil
}

func (d *MemoryDirectory) DeleteEdge(ctx context.Context, ownerID, peerID uuid.UUID) error {
	key := model.EdgeKey{Owner: ownerID, Peer: peerID}
	d.mu.Lock()
	if err := d.enter("DeleteEdge"); err != nil {
		d.mu.Unlock()
		return err
	}
	old, ok := d.edges[key]
	delete(d.edges, key)
	d.mu.Unlock()

	if ok {
		d.publish("relationship_edges", model.ChangeDelete, old, nil, old.OwnerID, old.PeerID)
	}
	return nil
}

func containsStatus(list []model.EdgeStatus, s model.EdgeStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================
// ProfileDirectory / MuteChecker
// ============================================

func (d *MemoryDirectory) ResolveContacts(ctx context.Context, numbers []string) ([]model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ResolveContacts"); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		want[n] = true
	}
	out := make([]model.Profile, 0)
	for _, p := range d.profiles {
		if p.Phone != nil && want[*p.Phone] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) ProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ProfilesByIDs"); err != nil {
		return nil, err
	}

	out := make([]model.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) ReverseContactMatches(ctx context.Context, phone string) ([]model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ReverseContactMatches"); err != nil {
		return nil, err
	}

	out := make([]model.Profile, 0)
	for id, numbers := range d.contacts {
		for _, n := range numbers {
			if n == phone {
				out = append(out, d.profiles[id])
				break
			}
		}
	}
	return out, nil
}

func (d *MemoryDirectory) FindProfile(ctx context.Context, channel model.InvitationChannel, identifier string) (*model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("FindProfile"); err != nil {
		return nil, err
	}

	for _, p := range d.profiles {
		match := false
		switch channel {
		case model.ChannelSearch:
			match = p.ID.String() == identifier
		case model.ChannelPseudo:
			match = strings.EqualFold(p.Pseudo, identifier)
		case model.ChannelEmail:
			match = p.Email != nil && strings.EqualFold(*p.Email, identifier)
		case model.ChannelPhone:
			match = p.Phone != nil && *p.Phone == identifier
		}
		if match {
			found := p
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (d *MemoryDirectory) SearchProfiles(ctx context.Context, prefix string, limit int) ([]model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("SearchProfiles"); err != nil {
		return nil, err
	}

	prefix = strings.ToLower(prefix)
	out := make([]model.Profile, 0)
	for _, p := range d.profiles {
		if strings.HasPrefix(strings.ToLower(p.Pseudo), prefix) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pseudo < out[j].Pseudo })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *MemoryDirectory) IsMutedBy(ctx context.Context, ownerID, peerID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("IsMutedBy"); err != nil {
		return false, err
	}
	e, ok := d.edges[model.EdgeKey{Owner: ownerID, Peer: peerID}]
	return ok && e.IsMuted, nil
}

// ============================================
// InvitationRepository
// ============================================

func (d *MemoryDirectory) CreateInvitation(ctx context.Context, rec *model.InvitationRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("CreateInvitation"); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	d.invitations[rec.ID] = *rec
	return nil
}

func (d *MemoryDirectory) FindPendingInvitation(ctx context.Context, fromID uuid.UUID, channel model.InvitationChannel, identifier string) (*model.InvitationRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("FindPendingInvitation"); err != nil {
		return nil, err
	}
	for _, rec := range d.invitations {
		ch, v := rec.Target()
		if rec.FromID == fromID && rec.Status == model.InvitationPending && ch == channel && strings.EqualFold(v, identifier) {
			found := rec
			return &found, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) GetInvitation(ctx context.Context, id uuid.UUID) (*model.InvitationRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("GetInvitation"); err != nil {
		return nil, err
	}
	rec, ok := d.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (d *MemoryDirectory) ListInvitationsTo(ctx context.Context, userID uuid.UUID, email, phone string) ([]model.InvitationRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ListInvitationsTo"); err != nil {
		return nil, err
	}
	out := make([]model.InvitationRecord, 0)
	for _, rec := range d.invitations {
		switch {
		case rec.ToUserID != nil && *rec.ToUserID == userID,
			rec.ToEmail != nil && email != "" && strings.EqualFold(*rec.ToEmail, email),
			rec.ToPhone != nil && phone != "" && *rec.ToPhone == phone:
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *MemoryDirectory) SetInvitationStatus(ctx context.Context, id uuid.UUID, status model.InvitationStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("SetInvitationStatus"); err != nil {
		return err
	}
	rec, ok := d.invitations[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	d.invitations[id] = rec
	return nil
}

func (d *MemoryDirectory) SetPairInvitationStatus(ctx context.Context, fromID, toID uuid.UUID, status model.InvitationStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("SetPairInvitationStatus"); err != nil {
		return err
	}
	for id, rec := range d.invitations {
		if rec.FromID == fromID && rec.ToUserID != nil && *rec.ToUserID == toID && rec.Status == model.InvitationPending {
			rec.Status = status
			rec.UpdatedAt = time.Now()
			d.invitations[id] = rec
		}
	}
	return nil
}

// Invitations 返回所有邀请记录（测试用）
func (d *MemoryDirectory) Invitations() []model.InvitationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.InvitationRecord, 0, len(d.invitations))
	for _, rec := range d.invitations {
		out = append(out, rec)
	}
	return out
}

// Edge 返回远端的一行（测试用）
func (d *MemoryDirectory) Edge(ownerID, peerID uuid.UUID) (model.RelationshipEdge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.edges[model.EdgeKey{Owner: ownerID, Peer: peerID}]
	return e, ok
}

// ============================================
// NotificationRepository / RevealRepository
// ============================================

func (d *MemoryDirectory) UpsertPendingNotification(ctx context.Context, n *model.PendingNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("UpsertPendingNotification"); err != nil {
		return err
	}
	key := model.EdgeKey{Owner: n.FromID, Peer: n.ToID}
	if old, ok := d.notifications[key]; ok {
		n.ID = old.ID
	} else if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	d.notifications[key] = *n
	return nil
}

func (d *MemoryDirectory) ConsumePendingNotifications(ctx context.Context, toID uuid.UUID) ([]model.PendingNotification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ConsumePendingNotifications"); err != nil {
		return nil, err
	}
	out := make([]model.PendingNotification, 0)
	for key, n := range d.notifications {
		if n.ToID == toID {
			out = append(out, n)
			delete(d.notifications, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *MemoryDirectory) GetReveal(ctx context.Context, requesterID, targetID uuid.UUID) (*model.IdentityReveal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("GetReveal"); err != nil {
		return nil, err
	}
	r, ok := d.reveals[revealKey{requester: requesterID, target: targetID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (d *MemoryDirectory) UpsertReveal(ctx context.Context, r *model.IdentityReveal) error {
	d.mu.Lock()
	if err := d.enter("UpsertReveal"); err != nil {
		d.mu.Unlock()
		return err
	}
	key := revealKey{requester: r.RequesterID, target: r.TargetID}
	if old, ok := d.reveals[key]; ok {
		r.ID = old.ID
	} else if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.UpdatedAt = time.Now()
	d.reveals[key] = *r
	d.mu.Unlock()

	d.publish("identity_reveals", model.ChangeUpdate, nil, *r, r.RequesterID, r.TargetID)
	return nil
}

// ============================================
// RealtimeFeed
// ============================================

// Subscribe 订阅与 owner 相关的行级变更；ctx 结束时关闭通道
func (d *MemoryDirectory) Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan model.ChangeEvent, error) {
	sub := &memorySub{owner: ownerID, ch: make(chan model.ChangeEvent, 256)}
	d.subMu.Lock()
	d.subs[sub] = struct{}{}
	d.subMu.Unlock()

	go func() {
		<-ctx.Done()
		d.subMu.Lock()
		delete(d.subs, sub)
		close(sub.ch)
		d.subMu.Unlock()
	}()
	return sub.ch, nil
}

func (d *MemoryDirectory) publishEdge(old model.RelationshipEdge, existed bool, edge model.RelationshipEdge) {
	if existed {
		d.publish("relationship_edges", model.ChangeUpdate, old, edge, edge.OwnerID, edge.PeerID)
		return
	}
	d.publish("relationship_edges", model.ChangeInsert, nil, edge, edge.OwnerID, edge.PeerID)
}

func (d *MemoryDirectory) publish(table string, typ model.ChangeType, old, cur interface{}, a, b uuid.UUID) {
	ev := model.ChangeEvent{Table: table, Type: typ, CommitTimestamp: time.Now()}
	if old != nil {
		ev.Old, _ = json.Marshal(old)
	}
	if cur != nil {
		ev.New, _ = json.Marshal(cur)
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()
	for sub := range d.subs {
		if table != "profiles" && sub.owner != a && sub.owner != b {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// 订阅者处理太慢时丢弃，靠轮询兜底
		}
	}
}

var _ Directory = (*MemoryDirectory)(nil)
var _ RealtimeFeed = (*MemoryDirectory)(nil)
