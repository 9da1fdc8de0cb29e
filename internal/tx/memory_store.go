package tx

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

const (
	dailyWindowSeconds   = 86400
	monthlyWindowSeconds = 2592000
)

// MemoryStore 以内存方式保存交易状态，主要用于测试。
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, transaction *Transaction) error {
	if transaction == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	if transaction.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[transaction.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易 ID 已存在")
	}
	now := time.Now().Unix()
	if transaction.CreatedAt == 0 {
		transaction.CreatedAt = now
	}
	transaction.UpdatedAt = now
	if transaction.Status == "" {
		transaction.Status = StatusPending
	}
	m.txs[transaction.ID] = transaction.Clone()
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return record.Clone(), nil
}

// WithReservation 在存储级互斥锁下计算消费快照并应用裁决。
func (m *MemoryStore) WithReservation(_ context.Context, walletID, txID string, decide func(SpendSnapshot) (ReserveDecision, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if record.Status != StatusPending {
		return ErrTxProcessed
	}

	snapshot := m.snapshotLocked(walletID, txID, time.Now().Unix())
	decision, err := decide(snapshot)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if decision.Approve {
		record.Tier = decision.Tier
		record.ReservedAmount = cloneBig(decision.Reserved)
		record.ReservedUSD = decision.ReservedUSD
		record.AmountUSD = decision.AmountUSD
	} else {
		record.Status = StatusCancelled
		record.LastError = decision.Reason
		record.ErrorCode = string(decision.DenyCode)
		record.ReservedAmount = nil
		record.ReservedUSD = 0
	}
	record.UpdatedAt = now
	return nil
}

func (m *MemoryStore) snapshotLocked(walletID, excludeID string, now int64) SpendSnapshot {
	snapshot := SpendSnapshot{OpenReserved: new(big.Int)}
	dailyCutoff := now - dailyWindowSeconds
	monthlyCutoff := now - monthlyWindowSeconds
	for _, record := range m.txs {
		if record.WalletID != walletID || record.ID == excludeID {
			continue
		}
		if record.Status == StatusPending || record.Status == StatusQueued {
			if record.ReservedAmount != nil {
				snapshot.OpenReserved.Add(snapshot.OpenReserved, record.ReservedAmount)
			}
			snapshot.OpenReservedUSD += record.ReservedUSD
			// 未落地的预留只计入 OpenReserved，避免与窗口累计重复计数。
			continue
		}
		switch record.Status {
		case StatusCancelled, StatusExpired, StatusFailed:
			continue
		}
		if record.CreatedAt >= dailyCutoff {
			snapshot.DailyUSD += record.AmountUSD
		}
		if record.CreatedAt >= monthlyCutoff {
			snapshot.MonthlyUSD += record.AmountUSD
		}
	}
	return snapshot
}

// MarkQueued 将 PENDING 交易移入队列。
func (m *MemoryStore) MarkQueued(_ context.Context, id string, tier Tier, queuedAt, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if record.Status != StatusPending {
		return ErrTxProcessed
	}
	record.Status = StatusQueued
	record.Tier = tier
	record.QueuedAt = queuedAt
	record.ExpiresAt = expiresAt
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// ClaimExecuting 以 CAS 方式认领交易执行权，预留随状态迁移清除。
func (m *MemoryStore) ClaimExecuting(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	if record.Status != StatusPending && record.Status != StatusQueued {
		return record.Clone(), ErrTxProcessed
	}
	record.Status = StatusExecuting
	record.ReservedAmount = nil
	record.ReservedUSD = 0
	record.UpdatedAt = time.Now().Unix()
	return record.Clone(), nil
}

// ClaimDue 认领所有到期的 DELAY 队列交易。
func (m *MemoryStore) ClaimDue(_ context.Context, now int64) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claimed := make([]*Transaction, 0)
	for _, record := range m.txs {
		if record.Status != StatusQueued || record.Tier != TierDelay {
			continue
		}
		if record.ExpiresAt == 0 || record.ExpiresAt > now {
			continue
		}
		record.Status = StatusExecuting
		record.ReservedAmount = nil
		record.ReservedUSD = 0
		record.UpdatedAt = time.Now().Unix()
		claimed = append(claimed, record.Clone())
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ExpiresAt < claimed[j].ExpiresAt })
	return claimed, nil
}

// MarkSubmitted 记录已上链的交易哈希。
func (m *MemoryStore) MarkSubmitted(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if record.Status != StatusExecuting {
		return ErrTxProcessed
	}
	record.Status = StatusSubmitted
	record.TxHash = txHash
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkConfirmed 记录确认结果并清除预留。
func (m *MemoryStore) MarkConfirmed(_ context.Context, id string, executedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if record.Status != StatusSubmitted {
		return ErrTxProcessed
	}
	record.Status = StatusConfirmed
	record.ExecutedAt = executedAt
	record.ReservedAmount = nil
	record.ReservedUSD = 0
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录终态失败并清除预留。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if IsTerminal(record.Status) {
		return ErrTxProcessed
	}
	record.Status = StatusFailed
	record.LastError = lastError
	record.ErrorCode = string(code)
	record.ReservedAmount = nil
	record.ReservedUSD = 0
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// Cancel 取消尚未开始执行的交易。
func (m *MemoryStore) Cancel(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if record.Status != StatusPending && record.Status != StatusQueued {
		return ErrTxProcessed
	}
	record.Status = StatusCancelled
	record.LastError = reason
	record.ReservedAmount = nil
	record.ReservedUSD = 0
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkExpired 将 QUEUED 交易标记为过期。
func (m *MemoryStore) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	if record.Status != StatusQueued {
		return ErrTxProcessed
	}
	record.Status = StatusExpired
	record.ReservedAmount = nil
	record.ReservedUSD = 0
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// CancelOpen 批量取消未开始执行的交易。
func (m *MemoryStore) CancelOpen(_ context.Context, walletID, reason string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := make([]string, 0)
	now := time.Now().Unix()
	for _, record := range m.txs {
		if walletID != "" && record.WalletID != walletID {
			continue
		}
		if record.Status != StatusPending && record.Status != StatusQueued {
			continue
		}
		record.Status = StatusCancelled
		record.LastError = reason
		record.ReservedAmount = nil
		record.ReservedUSD = 0
		record.UpdatedAt = now
		cancelled = append(cancelled, record.ID)
	}
	sort.Strings(cancelled)
	return cancelled, nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Transaction, error) {
	options := buildListOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]*Transaction, 0, len(m.txs))
	for _, record := range m.txs {
		if !matchesListFilters(record, options) {
			continue
		}
		results = append(results, record.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if options.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt < results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if options.Offset > 0 {
		if options.Offset >= len(results) {
			return []*Transaction{}, nil
		}
		results = results[options.Offset:]
	}
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易。
func (m *MemoryStore) Stats(_ context.Context, opts ...ListOption) (TxStats, error) {
	options := buildListOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := TxStats{}
	for _, record := range m.txs {
		if !matchesListFilters(record, options) {
			continue
		}
		stats.Total++
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusQueued:
			stats.Queued++
		case StatusExecuting:
			stats.Executing++
		case StatusSubmitted:
			stats.Submitted++
		case StatusConfirmed:
			stats.Confirmed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		case StatusExpired:
			stats.Expired++
		}
		if record.CreatedAt > stats.NewestCreatedAt {
			stats.NewestCreatedAt = record.CreatedAt
		}
		if stats.OldestCreatedAt == 0 || (record.CreatedAt != 0 && record.CreatedAt < stats.OldestCreatedAt) {
			stats.OldestCreatedAt = record.CreatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestCreatedAt = 0
		stats.NewestCreatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *Transaction, opts ListOptions) bool {
	if opts.WalletID != "" && record.WalletID != opts.WalletID {
		return false
	}
	if opts.Chain != "" && record.Chain != opts.Chain {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Tiers) > 0 {
		matched := false
		for _, tier := range opts.Tiers {
			if record.Tier == tier {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.CreatedGTE > 0 && record.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && record.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
