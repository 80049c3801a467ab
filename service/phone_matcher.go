package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/Fuzztrack/prout-app-sub000/model"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// MatcherConfig 号码规范化配置（固定国家）
type MatcherConfig struct {
	CountryCode    string // 不含 "+"，如 "33"
	NationalLength int    // 去掉国内冠码 0 之后的手机号位数
	MinDigits      int    // 少于该位数的号码不参与匹配
	MemoSize       int
}

// DefaultMatcherConfig 默认法国手机号
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		CountryCode:    "33",
		NationalLength: 9,
		MinDigits:      8,
		MemoSize:       4096,
	}
}

// ContactDirectory 号码匹配用到的目录查询
type ContactDirectory interface {
	ResolveContacts(ctx context.Context, numbers []string) ([]model.Profile, error)
	ProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Profile, error)
	ReverseContactMatches(ctx context.Context, phone string) ([]model.Profile, error)
}

// PhoneMatcher 规范化本地通讯录号码并与远端用户目录匹配
type PhoneMatcher struct {
	cfg   MatcherConfig
	dir   ContactDirectory
	memo  *lru.Cache[string, string]
	group singleflight.Group

	mu       sync.RWMutex
	resolved bool
	matches  map[string]uuid.UUID // canonical -> peer_id
}

func NewPhoneMatcher(dir ContactDirectory, cfg MatcherConfig) *PhoneMatcher {
	size := cfg.MemoSize
	if size <= 0 {
		size = 1024
	}
	memo, _ := lru.New[string, string](size)
	return &PhoneMatcher{
		cfg:     cfg,
		dir:     dir,
		memo:    memo,
		matches: make(map[string]uuid.UUID),
	}
}

// NormalizePhone 规范化号码；有效数字少于 MinDigits 或含非法字符时返回 false
func NormalizePhone(raw string, cfg MatcherConfig) (string, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == '.', r == '(', r == ')':
		default:
			return "", false
		}
	}

	s := b.String()
	cc := "+" + cfg.CountryCode
	switch {
	case strings.HasPrefix(s, "+"):
		// +33 (0)6 ... 这种写法里多出来的冠码
		if strings.HasPrefix(s, cc+"0") && len(s)-len(cc)-1 == cfg.NationalLength {
			s = cc + s[len(cc)+1:]
		}
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0") && len(s)-1 == cfg.NationalLength:
		s = cc + s[1:]
	}

	if len(strings.TrimPrefix(s, "+")) < cfg.MinDigits {
		return "", false
	}
	return s, true
}

// Normalize 带缓存的规范化
func (m *PhoneMatcher) Normalize(raw string) (string, bool) {
	if v, ok := m.memo.Get(raw); ok {
		return v, v != ""
	}
	v, ok := NormalizePhone(raw, m.cfg)
	m.memo.Add(raw, v)
	return v, ok
}

// NormalizeAll 规范化一批原始号码，丢弃无效号码并去重
func (m *PhoneMatcher) NormalizeAll(raws []string) map[string]struct{} {
	out := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if c, ok := m.Normalize(raw); ok {
			out[c] = struct{}{}
		}
	}
	return out
}

// Resolve 用权威目录解析号码集合；每个会话只做一次全量解析，之后直接返回已知结果
func (m *PhoneMatcher) Resolve(ctx context.Context, canonical map[string]struct{}) (map[string]uuid.UUID, error) {
	if m.Resolved() {
		return m.Matches(), nil
	}

	_, err, _ := m.group.Do("resolve", func() (interface{}, error) {
		if m.Resolved() {
			return nil, nil
		}

		numbers := make([]string, 0, len(canonical))
		for n := range canonical {
			// 只发送有效的规范号码
			if c, ok := m.Normalize(n); ok && c == n {
				numbers = append(numbers, n)
			}
		}
		sort.Strings(numbers)

		found := make(map[string]uuid.UUID)
		if len(numbers) > 0 {
			profiles, err := m.dir.ResolveContacts(ctx, numbers)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve contacts: %w", err)
			}
			for _, p := range profiles {
				if p.Phone == nil {
					continue
				}
				if c, ok := m.Normalize(*p.Phone); ok {
					if _, asked := canonical[c]; asked {
						found[c] = p.ID
					}
				}
			}
		}

		m.mu.Lock()
		m.matches = found
		m.resolved = true
		m.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m.Matches(), nil
}

// Refresh 只对已知候选做成员关系查询，剔除号码已变化或已注销的用户
func (m *PhoneMatcher) Refresh(ctx context.Context) (map[string]uuid.UUID, error) {
	current := m.Matches()
	if len(current) == 0 {
		return current, nil
	}

	seen := make(map[uuid.UUID]bool)
	ids := make([]uuid.UUID, 0, len(current))
	for _, id := range current {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	profiles, err := m.dir.ProfilesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh contact matches: %w", err)
	}
	phones := make(map[uuid.UUID]string, len(profiles))
	for _, p := range profiles {
		if p.Phone == nil {
			continue
		}
		if c, ok := m.Normalize(*p.Phone); ok {
			phones[p.ID] = c
		}
	}

	kept := make(map[string]uuid.UUID, len(current))
	for c, id := range current {
		if phones[id] == c {
			kept[c] = id
		}
	}

	m.mu.Lock()
	m.matches = kept
	m.mu.Unlock()
	return m.Matches(), nil
}

// Suggestions 反向匹配：通讯录里存了我的号码的用户，只作为建议，不创建边
func (m *PhoneMatcher) Suggestions(ctx context.Context, myPhone string) ([]model.Profile, error) {
	c, ok := m.Normalize(myPhone)
	if !ok {
		return nil, invalid("phone", "too short")
	}
	profiles, err := m.dir.ReverseContactMatches(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to query reverse matches: %w", err)
	}

	known := make(map[uuid.UUID]bool)
	for _, id := range m.Matches() {
		known[id] = true
	}
	out := make([]model.Profile, 0, len(profiles))
	for _, p := range profiles {
		if !known[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Resolved 本会话是否已完成全量解析
func (m *PhoneMatcher) Resolved() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolved
}

// Matches 返回当前匹配结果的副本
func (m *PhoneMatcher) Matches() map[string]uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uuid.UUID, len(m.matches))
	for k, v := range m.matches {
		out[k] = v
	}
	return out
}
