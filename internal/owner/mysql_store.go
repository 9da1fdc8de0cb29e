package owner

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

// MySQLStore 使用 MySQL 保存钱包记录。
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
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
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

// NewMySQLStoreWithDB 复用已有连接池。
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
	const schema = `CREATE TABLE IF NOT EXISTS wallets (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(128) DEFAULT '',
        address VARCHAR(128) NOT NULL,
        owner_address VARCHAR(128) DEFAULT '',
        owner_verified TINYINT(1) NOT NULL DEFAULT 0,
        status VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
        suspended_at BIGINT NOT NULL DEFAULT 0,
        suspension_reason VARCHAR(255) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 wallets 表失败")
	}
	return nil
}

const walletColumns = `id, name, address, owner_address, owner_verified, status,
        suspended_at, suspension_reason, created_at, updated_at`

// Create 插入新钱包。
func (s *MySQLStore) Create(ctx context.Context, w *Wallet) error {
	if w == nil || strings.TrimSpace(w.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	now := time.Now().Unix()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = WalletActive
	}
	const stmt = `INSERT INTO wallets (id, name, address, owner_address, owner_verified, status,
        suspended_at, suspension_reason, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		w.ID, w.Name, w.Address, w.OwnerAddress, w.OwnerVerified, string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "钱包 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包失败")
	}
	return nil
}

// Get 查询钱包。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, tx.ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	return w, nil
}

// List 返回全部钱包。
func (s *MySQLStore) List(ctx context.Context) ([]*Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包列表失败")
	}
	defer rows.Close()
	results := make([]*Wallet, 0, 8)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析钱包记录失败")
		}
		results = append(results, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历钱包失败")
	}
	return results, nil
}

// UpdateOwner 覆盖写入所有者绑定字段。
func (s *MySQLStore) UpdateOwner(ctx context.Context, id, ownerAddress string, verified bool) error {
	const stmt = `UPDATE wallets SET owner_address = ?, owner_verified = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, ownerAddress, verified, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新所有者绑定失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SetStatus 切换钱包运行状态。
func (s *MySQLStore) SetStatus(ctx context.Context, id string, status WalletStatus, reason string) error {
	now := time.Now().Unix()
	suspendedAt := int64(0)
	if status == WalletSuspended {
		suspendedAt = now
	} else {
		reason = ""
	}
	const stmt = `UPDATE wallets SET status = ?, suspended_at = ?, suspension_reason = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), suspendedAt, reason, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var (
		w      Wallet
		status string
	)
	if err := row.Scan(
		&w.ID,
		&w.Name,
		&w.Address,
		&w.OwnerAddress,
		&w.OwnerVerified,
		&status,
		&w.SuspendedAt,
		&w.SuspensionReason,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.Status = WalletStatus(status)
	return &w, nil
}

var _ Store = (*MySQLStore)(nil)
