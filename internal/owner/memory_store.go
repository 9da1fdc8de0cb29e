package owner

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
)

// MemoryStore 以内存方式保存钱包记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	if w == nil || w.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "钱包 ID 已存在")
	}
	now := time.Now().Unix()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = WalletActive
	}
	clone := *w
	m.wallets[w.ID] = &clone
	return nil
}

// Get 返回钱包记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, tx.ErrWalletNotFound
	}
	clone := *w
	return &clone, nil
}

// List 返回全部钱包。
func (m *MemoryStore) List(_ context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		clone := *w
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// UpdateOwner 覆盖写入所有者绑定字段。
func (m *MemoryStore) UpdateOwner(_ context.Context, id, ownerAddress string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return tx.ErrWalletNotFound
	}
	w.OwnerAddress = ownerAddress
	w.OwnerVerified = verified
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// SetStatus 切换钱包运行状态。
func (m *MemoryStore) SetStatus(_ context.Context, id string, status WalletStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return tx.ErrWalletNotFound
	}
	w.Status = status
	now := time.Now().Unix()
	if status == WalletSuspended {
		w.SuspendedAt = now
		w.SuspensionReason = reason
	} else {
		w.SuspendedAt = 0
		w.SuspensionReason = ""
	}
	w.UpdatedAt = now
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
