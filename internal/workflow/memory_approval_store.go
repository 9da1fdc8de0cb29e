package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryApprovalStore 以内存方式实现 ApprovalStore，主要用于测试。
type MemoryApprovalStore struct {
	mu        sync.Mutex
	approvals map[string]*Approval
	byTx      map[string]string
}

// NewMemoryApprovalStore 创建 MemoryApprovalStore。
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		approvals: make(map[string]*Approval),
		byTx:      make(map[string]string),
	}
}

// Create 插入新的审批记录。
func (m *MemoryApprovalStore) Create(_ context.Context, approval *Approval) error {
	if err := approval.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[approval.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "审批记录已存在")
	}
	if _, ok := m.byTx[approval.TxID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易已存在审批记录")
	}

	now := time.Now().Unix()
	clone := approval.Clone()
	if clone.Status == "" {
		clone.Status = ApprovalPending
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.approvals[clone.ID] = clone
	m.byTx[clone.TxID] = clone.ID
	approval.CreatedAt = clone.CreatedAt
	approval.UpdatedAt = clone.UpdatedAt
	approval.Status = clone.Status
	return nil
}

// Get 返回指定审批记录。
func (m *MemoryApprovalStore) Get(_ context.Context, id string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return approval.Clone(), nil
}

// GetByTx 按交易 ID 查找审批记录。
func (m *MemoryApprovalStore) GetByTx(_ context.Context, txID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return m.approvals[id].Clone(), nil
}

// ListPending 返回所有待裁决记录，按请求时间排序。
func (m *MemoryApprovalStore) ListPending(_ context.Context) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]*Approval, 0, 8)
	for _, approval := range m.approvals {
		if approval.Status == ApprovalPending {
			pending = append(pending, approval.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RequestedAt < pending[j].RequestedAt })
	return pending, nil
}

// MarkApproved 实现 ApprovalStore。
func (m *MemoryApprovalStore) MarkApproved(_ context.Context, id string, approvedAt int64, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.approvals[id]
	if !ok {
		return ErrApprovalNotFound
	}
	if err := resolvable(approval, approvedAt); err != nil {
		return err
	}
	approval.Status = ApprovalApproved
	approval.ApprovedAt = approvedAt
	approval.Signature = strings.TrimSpace(signature)
	approval.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRejected 实现 ApprovalStore。
func (m *MemoryApprovalStore) MarkRejected(_ context.Context, id string, rejectedAt int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.approvals[id]
	if !ok {
		return ErrApprovalNotFound
	}
	if err := resolvable(approval, rejectedAt); err != nil {
		return err
	}
	approval.Status = ApprovalRejected
	approval.RejectedAt = rejectedAt
	approval.Reason = reason
	approval.UpdatedAt = time.Now().Unix()
	return nil
}

// ClaimExpired 实现 ApprovalStore。
func (m *MemoryApprovalStore) ClaimExpired(_ context.Context, now int64) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := make([]*Approval, 0, 4)
	for _, approval := range m.approvals {
		if approval.Status != ApprovalPending || approval.ExpiresAt > now {
			continue
		}
		approval.Status = ApprovalExpired
		approval.UpdatedAt = time.Now().Unix()
		expired = append(expired, approval.Clone())
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt < expired[j].ExpiresAt })
	return expired, nil
}

// Close 对内存存储无需操作。
func (m *MemoryApprovalStore) Close() error {
	return nil
}

// resolvable 判断记录是否还能被裁决。
// 已有终局裁决的记录对裁决者不可见，与不存在同样处理。
func resolvable(approval *Approval, at int64) error {
	switch approval.Status {
	case ApprovalPending:
		if approval.ExpiresAt <= at {
			return ErrApprovalTimeout
		}
		return nil
	case ApprovalExpired:
		return ErrApprovalTimeout
	default:
		return ErrApprovalNotFound
	}
}

var _ ApprovalStore = (*MemoryApprovalStore)(nil)
