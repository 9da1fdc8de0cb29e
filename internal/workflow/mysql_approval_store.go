package workflow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
	"github.com/go-sql-driver/mysql"
)

// MySQLApprovalStore 使用 MySQL 记录审批请求。
type MySQLApprovalStore struct {
	db *sql.DB
}

// NewMySQLApprovalStore 创建一个新的 MySQLApprovalStore。
func NewMySQLApprovalStore(dsn string) (*MySQLApprovalStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLApprovalStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLApprovalStoreWithDB 复用已有连接池。
func NewMySQLApprovalStoreWithDB(db *sql.DB) (*MySQLApprovalStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLApprovalStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLApprovalStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS pending_approvals (
        id VARCHAR(64) PRIMARY KEY,
        tx_id VARCHAR(64) NOT NULL,
        wallet_id VARCHAR(64) NOT NULL,
        status VARCHAR(16) NOT NULL,
        reason TEXT,
        signature TEXT,
        requested_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        approved_at BIGINT NOT NULL DEFAULT 0,
        rejected_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uq_approval_tx (tx_id),
        INDEX idx_approval_due (status, expires_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 pending_approvals 表失败")
	}
	return nil
}

const approvalColumns = `id, tx_id, wallet_id, status, reason, signature,
        requested_at, expires_at, approved_at, rejected_at, created_at, updated_at`

// Create 插入新的审批记录。
func (s *MySQLApprovalStore) Create(ctx context.Context, approval *Approval) error {
	if err := approval.Validate(); err != nil {
		return err
	}

	now := time.Now().Unix()
	if approval.CreatedAt == 0 {
		approval.CreatedAt = now
	}
	approval.UpdatedAt = now
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO pending_approvals (`+approvalColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.TxID, approval.WalletID, string(approval.Status),
		approval.Reason, approval.Signature,
		approval.RequestedAt, approval.ExpiresAt, approval.ApprovedAt, approval.RejectedAt,
		approval.CreatedAt, approval.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "审批记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审批记录失败")
	}
	return nil
}

// Get 返回指定审批记录。
func (s *MySQLApprovalStore) Get(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// GetByTx 按交易 ID 查找审批记录。
func (s *MySQLApprovalStore) GetByTx(ctx context.Context, txID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE tx_id = ?`, txID)
	return scanApproval(row)
}

// ListPending 返回所有待裁决记录，按请求时间排序。
func (s *MySQLApprovalStore) ListPending(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE status = ? ORDER BY requested_at ASC`,
		string(ApprovalPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待审批记录失败")
	}
	defer rows.Close()

	approvals := make([]*Approval, 0, 16)
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待审批记录失败")
	}
	return approvals, nil
}

// MarkApproved 实现 ApprovalStore。
func (s *MySQLApprovalStore) MarkApproved(ctx context.Context, id string, approvedAt int64, signature string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE pending_approvals
        SET status = ?, approved_at = ?, signature = ?, updated_at = ?
        WHERE id = ? AND status = ? AND expires_at > ?`,
		string(ApprovalApproved), approvedAt, strings.TrimSpace(signature), time.Now().Unix(),
		id, string(ApprovalPending), approvedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批状态失败")
	}
	return s.classifyMiss(ctx, result, id, approvedAt)
}

// MarkRejected 实现 ApprovalStore。
func (s *MySQLApprovalStore) MarkRejected(ctx context.Context, id string, rejectedAt int64, reason string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE pending_approvals
        SET status = ?, rejected_at = ?, reason = ?, updated_at = ?
        WHERE id = ? AND status = ? AND expires_at > ?`,
		string(ApprovalRejected), rejectedAt, reason, time.Now().Unix(),
		id, string(ApprovalPending), rejectedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批状态失败")
	}
	return s.classifyMiss(ctx, result, id, rejectedAt)
}

// classifyMiss 在条件写未命中时区分不存在、已裁决和已超时。
func (s *MySQLApprovalStore) classifyMiss(ctx context.Context, result sql.Result, id string, at int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 1 {
		return nil
	}
	approval, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return resolvable(approval, at)
}

// ResolveApproved 在同一个数据库事务内敲定审批并把交易转入执行，
// 预留随状态迁移清除，两次条件更新要么同时生效要么同时回滚。
func (s *MySQLApprovalStore) ResolveApproved(ctx context.Context, approvalID, txID string, approvedAt int64, signature string) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启审批事务失败")
	}

	result, err := dbTx.ExecContext(ctx, `UPDATE pending_approvals
        SET status = ?, approved_at = ?, signature = ?, updated_at = ?
        WHERE id = ? AND status = ? AND expires_at > ?`,
		string(ApprovalApproved), approvedAt, strings.TrimSpace(signature), time.Now().Unix(),
		approvalID, string(ApprovalPending), approvedAt,
	)
	if err != nil {
		_ = dbTx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = dbTx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		_ = dbTx.Rollback()
		approval, err := s.Get(ctx, approvalID)
		if err != nil {
			return err
		}
		return resolvable(approval, approvedAt)
	}

	result, err = dbTx.ExecContext(ctx, `UPDATE transactions
        SET status = ?, reserved_amount = NULL, reserved_usd = 0, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`,
		string(tx.StatusExecuting), time.Now().Unix(),
		txID, string(tx.StatusPending), string(tx.StatusQueued),
	)
	if err != nil {
		_ = dbTx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	if affected, err = result.RowsAffected(); err != nil {
		_ = dbTx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		_ = dbTx.Rollback()
		var status string
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ?`, txID).Scan(&status); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return tx.ErrTxNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易状态失败")
		}
		return tx.ErrTxProcessed
	}

	if err := dbTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交审批事务失败")
	}
	return nil
}

// ClaimExpired 实现 ApprovalStore。先挑选候选再逐条条件更新，
// 多实例同时轮询时每条记录只被一个实例认领。
func (s *MySQLApprovalStore) ClaimExpired(ctx context.Context, now int64) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pending_approvals
        WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC LIMIT 100`,
		string(ApprovalPending), now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期审批失败")
	}
	candidates := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取到期审批失败")
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历到期审批失败")
	}
	rows.Close()

	claimed := make([]*Approval, 0, len(candidates))
	for _, id := range candidates {
		result, err := s.db.ExecContext(ctx, `UPDATE pending_approvals
            SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(ApprovalExpired), time.Now().Unix(), id, string(ApprovalPending))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记审批过期失败")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
		}
		if affected != 1 {
			continue
		}
		approval, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, approval)
	}
	return claimed, nil
}

// Close 关闭数据库连接。
func (s *MySQLApprovalStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var approval Approval
	var status string
	var reason, signature sql.NullString
	err := row.Scan(
		&approval.ID, &approval.TxID, &approval.WalletID, &status, &reason, &signature,
		&approval.RequestedAt, &approval.ExpiresAt, &approval.ApprovedAt, &approval.RejectedAt,
		&approval.CreatedAt, &approval.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审批记录失败")
	}
	approval.Status = ApprovalStatus(status)
	approval.Reason = reason.String
	approval.Signature = signature.String
	return &approval, nil
}

var _ ApprovalStore = (*MySQLApprovalStore)(nil)
