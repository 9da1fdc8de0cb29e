package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式保存策略，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, p *Policy) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "策略 ID 已存在")
	}
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

// Get 返回策略。
func (m *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

// Update 覆盖更新策略。
func (m *MemoryStore) Update(_ context.Context, p *Policy) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().Unix()
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

// Delete 删除策略。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

// List 返回策略列表。
func (m *MemoryStore) List(_ context.Context, walletID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if walletID != "" && p.WalletID != walletID {
			continue
		}
		results = append(results, clonePolicy(p))
	}
	sortPolicies(results)
	return results, nil
}

// ListActive 返回对钱包与网络生效的策略。
func (m *MemoryStore) ListActive(_ context.Context, walletID, network string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if !p.Enabled {
			continue
		}
		if p.WalletID != "" && p.WalletID != walletID {
			continue
		}
		if p.Network != "" && p.Network != network {
			continue
		}
		results = append(results, clonePolicy(p))
	}
	sortPolicies(results)
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func clonePolicy(p *Policy) *Policy {
	clone := *p
	if p.Rules != nil {
		clone.Rules = append([]byte(nil), p.Rules...)
	}
	return &clone
}

func sortPolicies(policies []*Policy) {
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].CreatedAt == policies[j].CreatedAt {
			return policies[i].ID < policies[j].ID
		}
		return policies[i].CreatedAt < policies[j].CreatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
