package session

import (
	"context"
	"sync"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式实现 Store，主要用于测试。
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byHash   map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byHash:   make(map[string]string),
	}
}

// Create 插入新的会话记录。
func (m *MemoryStore) Create(_ context.Context, record *Session) error {
	if record == nil || record.ID == "" || record.TokenHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	if _, ok := m.byHash[record.TokenHash]; ok {
		return xerrors.New(xerrors.CodeConflict, "令牌摘要冲突")
	}
	clone := *record
	m.sessions[record.ID] = &clone
	m.byHash[record.TokenHash] = record.ID
	return nil
}

// GetByHash 按令牌摘要查找会话。
func (m *MemoryStore) GetByHash(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[tokenHash]
	if !ok {
		return nil, ErrSessionInvalid
	}
	clone := *m.sessions[id]
	return &clone, nil
}

// Revoke 实现 Store。
func (m *MemoryStore) Revoke(_ context.Context, sessionID string, revokedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionInvalid
	}
	if record.RevokedAt == 0 {
		record.RevokedAt = revokedAt
	}
	return nil
}

// RevokeAll 实现 Store。
func (m *MemoryStore) RevokeAll(_ context.Context, walletID string, revokedAt int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revoked := make([]string, 0, 4)
	for _, record := range m.sessions {
		if record.RevokedAt != 0 {
			continue
		}
		if walletID != "" && record.WalletID != walletID {
			continue
		}
		record.RevokedAt = revokedAt
		revoked = append(revoked, record.ID)
	}
	return revoked, nil
}

// PurgeExpired 实现 Store。
func (m *MemoryStore) PurgeExpired(_ context.Context, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, record := range m.sessions {
		if record.ExpiresAt >= before {
			continue
		}
		delete(m.byHash, record.TokenHash)
		delete(m.sessions, id)
		purged++
	}
	return purged, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
