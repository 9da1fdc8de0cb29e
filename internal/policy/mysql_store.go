package policy

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存策略。
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
	const schema = `CREATE TABLE IF NOT EXISTS policies (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(64) DEFAULT '',
        network VARCHAR(64) DEFAULT '',
        type VARCHAR(32) NOT NULL,
        name VARCHAR(128) DEFAULT '',
        enabled TINYINT(1) NOT NULL DEFAULT 1,
        rules TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_policy_wallet (wallet_id, enabled),
        INDEX idx_policy_type (type)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 policies 表失败")
	}
	return nil
}

const policyColumns = `id, wallet_id, network, type, name, enabled, rules, created_at, updated_at`

// Create 插入新策略。
func (s *MySQLStore) Create(ctx context.Context, p *Policy) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	const stmt = `INSERT INTO policies (id, wallet_id, network, type, name, enabled, rules, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		p.ID, p.WalletID, p.Network, string(p.Type), p.Name, p.Enabled, string(p.Rules), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "策略 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入策略失败")
	}
	return nil
}

// Get 查询策略。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略失败")
	}
	return p, nil
}

// Update 覆盖更新策略，CreatedAt 保持不变。
func (s *MySQLStore) Update(ctx context.Context, p *Policy) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略 ID 不能为空")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	const stmt = `UPDATE policies SET wallet_id = ?, network = ?, type = ?, name = ?, enabled = ?,
        rules = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		p.WalletID, p.Network, string(p.Type), p.Name, p.Enabled, string(p.Rules), time.Now().Unix(), p.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, p.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Delete 删除策略。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除策略失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// List 返回策略列表。
func (s *MySQLStore) List(ctx context.Context, walletID string) ([]*Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	args := make([]any, 0, 1)
	if walletID != "" {
		query += ` WHERE wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.queryPolicies(ctx, query, args...)
}

// ListActive 返回对钱包与网络生效的策略。
func (s *MySQLStore) ListActive(ctx context.Context, walletID, network string) ([]*Policy, error) {
	const query = `SELECT ` + policyColumns + ` FROM policies
        WHERE enabled = 1 AND (wallet_id = '' OR wallet_id = ?) AND (network = '' OR network = ?)
        ORDER BY created_at ASC, id ASC`
	return s.queryPolicies(ctx, query, walletID, network)
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) queryPolicies(ctx context.Context, query string, args ...any) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略列表失败")
	}
	defer rows.Close()

	results := make([]*Policy, 0, 8)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略记录失败")
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略失败")
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p       Policy
		ptype   string
		rules   string
		enabled bool
	)
	if err := row.Scan(&p.ID, &p.WalletID, &p.Network, &ptype, &p.Name, &enabled, &rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Type = Type(ptype)
	p.Enabled = enabled
	p.Rules = []byte(rules)
	return &p, nil
}

var _ Store = (*MySQLStore)(nil)
