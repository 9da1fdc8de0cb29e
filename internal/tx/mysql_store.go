package tx

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录交易状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 复用已有连接池，供共享同一数据库的服务装配使用。
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS transactions (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(64) NOT NULL,
        session_id VARCHAR(64) DEFAULT '',
        chain VARCHAR(64) NOT NULL,
        type VARCHAR(32) NOT NULL,
        amount VARCHAR(96),
        amount_usd DOUBLE NOT NULL DEFAULT 0,
        to_address VARCHAR(128) DEFAULT '',
        token_address VARCHAR(128) DEFAULT '',
        contract_address VARCHAR(128) DEFAULT '',
        method_signature VARCHAR(255) DEFAULT '',
        spender_address VARCHAR(128) DEFAULT '',
        approved_amount VARCHAR(96),
        data TEXT,
        status VARCHAR(16) NOT NULL,
        tier VARCHAR(16) DEFAULT '',
        tx_hash VARCHAR(80) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        reserved_amount VARCHAR(96),
        reserved_usd DOUBLE NOT NULL DEFAULT 0,
        metadata TEXT,
        queued_at BIGINT NOT NULL DEFAULT 0,
        expires_at BIGINT NOT NULL DEFAULT 0,
        executed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tx_wallet_status (wallet_id, status),
        INDEX idx_tx_due (status, tier, expires_at),
        INDEX idx_tx_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 transactions 表失败")
	}
	return nil
}

const txColumns = `id, wallet_id, session_id, chain, type, amount, amount_usd, to_address,
        token_address, contract_address, method_signature, spender_address, approved_amount, data,
        status, tier, tx_hash, last_error, error_code, reserved_amount, reserved_usd, metadata,
        queued_at, expires_at, executed_at, created_at, updated_at`

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, transaction *Transaction) error {
	if transaction == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	if strings.TrimSpace(transaction.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	if transaction.CreatedAt == 0 {
		transaction.CreatedAt = now
	}
	transaction.UpdatedAt = now
	if transaction.Status == "" {
		transaction.Status = StatusPending
	}

	metadataValue, err := marshalMetadata(transaction.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易 metadata 失败")
	}

	const stmt = `INSERT INTO transactions
        (id, wallet_id, session_id, chain, type, amount, amount_usd, to_address, token_address,
         contract_address, method_signature, spender_address, approved_amount, data, status, tier,
         tx_hash, last_error, error_code, reserved_amount, reserved_usd, metadata,
         queued_at, expires_at, executed_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		transaction.ID,
		transaction.WalletID,
		transaction.SessionID,
		transaction.Chain,
		string(transaction.Type),
		bigToNull(transaction.Amount),
		transaction.AmountUSD,
		transaction.ToAddress,
		transaction.TokenAddress,
		transaction.ContractAddress,
		transaction.MethodSignature,
		transaction.SpenderAddress,
		bigToNull(transaction.ApprovedAmount),
		transaction.Data,
		string(transaction.Status),
		string(transaction.Tier),
		bigToNull(transaction.ReservedAmount),
		transaction.ReservedUSD,
		metadataValue,
		transaction.QueuedAt,
		transaction.ExpiresAt,
		transaction.ExecutedAt,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "交易 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 查询指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	transaction, err := scanTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return transaction, nil
}

// WithReservation 在命名锁保护的事务内计算消费快照并应用裁决。
// 同一钱包的并发预留通过 MySQL GET_LOCK 串行化。
func (s *MySQLStore) WithReservation(ctx context.Context, walletID, txID string, decide func(SpendSnapshot) (ReserveDecision, error)) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取数据库连接失败")
	}
	defer conn.Close()

	lockName := "vault:reserve:" + walletID
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 10)`, lockName).Scan(&acquired); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取钱包预留锁失败")
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		return xerrors.New(xerrors.CodeTimeout, "等待钱包预留锁超时")
	}
	defer func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(context.Background(), `SELECT RELEASE_LOCK(?)`, lockName).Scan(&released)
	}()

	txn, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启预留事务失败")
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Rollback()
		}
	}()

	var status string
	if err := txn.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ? AND wallet_id = ?`, txID, walletID).Scan(&status); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrTxNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询预留目标交易失败")
	}
	if Status(status) != StatusPending {
		return ErrTxProcessed
	}

	now := time.Now().Unix()
	snapshot, err := s.loadSnapshot(ctx, txn, walletID, txID, now)
	if err != nil {
		return err
	}

	decision, err := decide(snapshot)
	if err != nil {
		return err
	}

	if decision.Approve {
		const stmt = `UPDATE transactions SET tier = ?, reserved_amount = ?, reserved_usd = ?,
            amount_usd = ?, updated_at = ? WHERE id = ? AND status = ?`
		if _, err := txn.ExecContext(ctx, stmt,
			string(decision.Tier),
			bigToNull(decision.Reserved),
			decision.ReservedUSD,
			decision.AmountUSD,
			now,
			txID,
			string(StatusPending),
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易预留失败")
		}
	} else {
		const stmt = `UPDATE transactions SET status = ?, last_error = ?, error_code = ?,
            reserved_amount = NULL, reserved_usd = 0, updated_at = ? WHERE id = ? AND status = ?`
		if _, err := txn.ExecContext(ctx, stmt,
			string(StatusCancelled),
			decision.Reason,
			string(decision.DenyCode),
			now,
			txID,
			string(StatusPending),
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易拒绝失败")
		}
	}

	if err := txn.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交预留事务失败")
	}
	committed = true
	return nil
}

func (s *MySQLStore) loadSnapshot(ctx context.Context, txn *sql.Tx, walletID, excludeID string, now int64) (SpendSnapshot, error) {
	snapshot := SpendSnapshot{OpenReserved: new(big.Int)}
	monthlyCutoff := now - monthlyWindowSeconds
	dailyCutoff := now - dailyWindowSeconds

	const stmt = `SELECT status, reserved_amount, reserved_usd, amount_usd, created_at
        FROM transactions WHERE wallet_id = ? AND id <> ?
        AND (status IN (?, ?) OR created_at >= ?)`

	rows, err := txn.QueryContext(ctx, stmt,
		walletID,
		excludeID,
		string(StatusPending),
		string(StatusQueued),
		monthlyCutoff,
	)
	if err != nil {
		return snapshot, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消费快照失败")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status      string
			reserved    sql.NullString
			reservedUSD float64
			amountUSD   float64
			createdAt   int64
		)
		if err := rows.Scan(&status, &reserved, &reservedUSD, &amountUSD, &createdAt); err != nil {
			return snapshot, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消费快照失败")
		}
		st := Status(status)
		if st == StatusPending || st == StatusQueued {
			if value, err := nullToBig(reserved); err == nil && value != nil {
				snapshot.OpenReserved.Add(snapshot.OpenReserved, value)
			}
			snapshot.OpenReservedUSD += reservedUSD
			// 未落地的预留只计入 OpenReserved，避免与窗口累计重复计数。
			continue
		}
		switch st {
		case StatusCancelled, StatusExpired, StatusFailed:
			continue
		}
		if createdAt >= dailyCutoff {
			snapshot.DailyUSD += amountUSD
		}
		if createdAt >= monthlyCutoff {
			snapshot.MonthlyUSD += amountUSD
		}
	}
	if err := rows.Err(); err != nil {
		return snapshot, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消费快照失败")
	}
	return snapshot, nil
}

// MarkQueued 将 PENDING 交易移入队列。
func (s *MySQLStore) MarkQueued(ctx context.Context, id string, tier Tier, queuedAt, expiresAt int64) error {
	const stmt = `UPDATE transactions SET status = ?, tier = ?, queued_at = ?, expires_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	return s.conditionalUpdate(ctx, id, stmt,
		string(StatusQueued), string(tier), queuedAt, expiresAt, time.Now().Unix(), id, string(StatusPending))
}

// ClaimExecuting 以 CAS 方式认领交易执行权，预留随状态迁移清除。
func (s *MySQLStore) ClaimExecuting(ctx context.Context, id string) (*Transaction, error) {
	const stmt = `UPDATE transactions SET status = ?, reserved_amount = NULL, reserved_usd = 0, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusExecuting),
		time.Now().Unix(),
		id,
		string(StatusPending),
		string(StatusQueued),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "认领交易执行权失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	transaction, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return transaction, ErrTxProcessed
	}
	return transaction, nil
}

// ClaimDue 认领所有到期的 DELAY 队列交易。对候选逐条 CAS，保证多实例幂等。
func (s *MySQLStore) ClaimDue(ctx context.Context, now int64) ([]*Transaction, error) {
	const selectStmt = `SELECT id FROM transactions
        WHERE status = ? AND tier = ? AND expires_at > 0 AND expires_at <= ?
        ORDER BY expires_at ASC LIMIT 100`
	rows, err := s.db.QueryContext(ctx, selectStmt, string(StatusQueued), string(TierDelay), now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期交易失败")
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析到期交易失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历到期交易失败")
	}
	rows.Close()

	const claimStmt = `UPDATE transactions SET status = ?, reserved_amount = NULL, reserved_usd = 0, updated_at = ?
        WHERE id = ? AND status = ?`
	claimed := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, claimStmt, string(StatusExecuting), time.Now().Unix(), id, string(StatusQueued))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "认领到期交易失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		transaction, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, transaction)
	}
	return claimed, nil
}

// MarkSubmitted 记录已上链的交易哈希。
func (s *MySQLStore) MarkSubmitted(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE transactions SET status = ?, tx_hash = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	return s.conditionalUpdate(ctx, id, stmt,
		string(StatusSubmitted), txHash, time.Now().Unix(), id, string(StatusExecuting))
}

// MarkConfirmed 记录确认结果并清除预留。
func (s *MySQLStore) MarkConfirmed(ctx context.Context, id string, executedAt int64) error {
	const stmt = `UPDATE transactions SET status = ?, executed_at = ?, reserved_amount = NULL,
        reserved_usd = 0, updated_at = ? WHERE id = ? AND status = ?`
	return s.conditionalUpdate(ctx, id, stmt,
		string(StatusConfirmed), executedAt, time.Now().Unix(), id, string(StatusSubmitted))
}

// MarkFailed 记录终态失败并清除预留。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE transactions SET status = ?, last_error = ?, error_code = ?,
        reserved_amount = NULL, reserved_usd = 0, updated_at = ?
        WHERE id = ? AND status IN (?, ?, ?, ?)`
	return s.conditionalUpdate(ctx, id, stmt,
		string(StatusFailed), lastError, string(code), time.Now().Unix(), id,
		string(StatusPending), string(StatusQueued), string(StatusExecuting), string(StatusSubmitted))
}

// Cancel 取消尚未开始执行的交易。
func (s *MySQLStore) Cancel(ctx context.Context, id, reason string) error {
	const stmt = `UPDATE transactions SET status = ?, last_error = ?, reserved_amount = NULL,
        reserved_usd = 0, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	return s.conditionalUpdate(ctx, id, stmt,
		string(StatusCancelled), reason, time.Now().Unix(), id,
		string(StatusPending), string(StatusQueued))
}

// MarkExpired 将 QUEUED 交易标记为过期。
func (s *MySQLStore) MarkExpired(ctx context.Context, id string) error {
	const stmt = `UPDATE transactions SET status = ?, reserved_amount = NULL, reserved_usd = 0,
        updated_at = ? WHERE id = ? AND status = ?`
	return s.conditionalUpdate(ctx, id, stmt,
		string(StatusExpired), time.Now().Unix(), id, string(StatusQueued))
}

// CancelOpen 批量取消未开始执行的交易。
func (s *MySQLStore) CancelOpen(ctx context.Context, walletID, reason string) ([]string, error) {
	query := `SELECT id FROM transactions WHERE status IN (?, ?)`
	args := []any{string(StatusPending), string(StatusQueued)}
	if walletID != "" {
		query += ` AND wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待取消交易失败")
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待取消交易失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待取消交易失败")
	}
	rows.Close()

	cancelled := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.Cancel(ctx, id, reason); err != nil {
			if stdErrors.Is(err, ErrTxProcessed) || stdErrors.Is(err, ErrTxNotFound) {
				continue
			}
			return nil, err
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

// List 返回符合过滤条件的交易。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Transaction, error) {
	options := buildListOptions(opts)

	query := `SELECT ` + txColumns + ` FROM transactions`
	clause, filterArgs := buildFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY created_at DESC, id DESC"
	if options.Order == SortByCreatedAsc {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	results := make([]*Transaction, 0, options.Limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		results = append(results, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return results, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ...ListOption) (TxStats, error) {
	options := buildListOptions(opts)

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS queued,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS submitted,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS expired,
        COALESCE(MIN(created_at), 0) AS oldest,
        COALESCE(MAX(created_at), 0) AS newest
        FROM transactions`

	clause, filterArgs := buildFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending), string(StatusQueued), string(StatusExecuting), string(StatusSubmitted),
		string(StatusConfirmed), string(StatusFailed), string(StatusCancelled), string(StatusExpired),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TxStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Queued,
		&stats.Executing,
		&stats.Submitted,
		&stats.Confirmed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Expired,
		&stats.OldestCreatedAt,
		&stats.NewestCreatedAt,
	); err != nil {
		return TxStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestCreatedAt = 0
		stats.NewestCreatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) conditionalUpdate(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTxProcessed
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		transaction Transaction
		amount      sql.NullString
		approved    sql.NullString
		reserved    sql.NullString
		data        sql.NullString
		lastError   sql.NullString
		metadata    sql.NullString
		txType      string
		status      string
		tier        string
	)
	if err := row.Scan(
		&transaction.ID,
		&transaction.WalletID,
		&transaction.SessionID,
		&transaction.Chain,
		&txType,
		&amount,
		&transaction.AmountUSD,
		&transaction.ToAddress,
		&transaction.TokenAddress,
		&transaction.ContractAddress,
		&transaction.MethodSignature,
		&transaction.SpenderAddress,
		&approved,
		&data,
		&status,
		&tier,
		&transaction.TxHash,
		&lastError,
		&transaction.ErrorCode,
		&reserved,
		&transaction.ReservedUSD,
		&metadata,
		&transaction.QueuedAt,
		&transaction.ExpiresAt,
		&transaction.ExecutedAt,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	); err != nil {
		return nil, err
	}
	transaction.Type = Type(txType)
	transaction.Status = Status(status)
	transaction.Tier = Tier(tier)
	transaction.Data = data.String
	transaction.LastError = lastError.String

	var err error
	if transaction.Amount, err = nullToBig(amount); err != nil {
		return nil, fmt.Errorf("解析 amount 失败: %w", err)
	}
	if transaction.ApprovedAmount, err = nullToBig(approved); err != nil {
		return nil, fmt.Errorf("解析 approved_amount 失败: %w", err)
	}
	if transaction.ReservedAmount, err = nullToBig(reserved); err != nil {
		return nil, fmt.Errorf("解析 reserved_amount 失败: %w", err)
	}
	if transaction.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, fmt.Errorf("解析 metadata 失败: %w", err)
	}
	return &transaction, nil
}

func bigToNull(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func nullToBig(raw sql.NullString) (*big.Int, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw.String, 10)
	if !ok {
		return nil, fmt.Errorf("非法的数值字符串 %q", raw.String)
	}
	return value, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if opts.WalletID != "" {
		conditions = append(conditions, "wallet_id = ?")
		args = append(args, opts.WalletID)
	}
	if opts.Chain != "" {
		conditions = append(conditions, "chain = ?")
		args = append(args, opts.Chain)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Tiers) > 0 {
		placeholders := make([]string, 0, len(opts.Tiers))
		for range opts.Tiers {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("tier IN (%s)", strings.Join(placeholders, ",")))
		for _, tier := range opts.Tiers {
			args = append(args, string(tier))
		}
	}
	if opts.CreatedGTE > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
