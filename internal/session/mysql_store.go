package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录会话。
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
	const schema = `CREATE TABLE IF NOT EXISTS sessions (
        id VARCHAR(64) PRIMARY KEY,
        wallet_id VARCHAR(64) NOT NULL,
        token_hash CHAR(64) NOT NULL,
        expires_at BIGINT NOT NULL,
        revoked_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uq_session_hash (token_hash),
        INDEX idx_session_wallet (wallet_id, revoked_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 sessions 表失败")
	}
	return nil
}

// Create 插入新的会话记录。
func (s *MySQLStore) Create(ctx context.Context, record *Session) error {
	if record == nil || record.ID == "" || record.TokenHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话记录不完整")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
        (id, wallet_id, token_hash, expires_at, revoked_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.WalletID, record.TokenHash,
		record.ExpiresAt, record.RevokedAt, record.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "会话已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// GetByHash 按令牌摘要查找会话。
func (s *MySQLStore) GetByHash(ctx context.Context, tokenHash string) (*Session, error) {
	var record Session
	err := s.db.QueryRowContext(ctx, `SELECT id, wallet_id, token_hash, expires_at, revoked_at, created_at
        FROM sessions WHERE token_hash = ?`, tokenHash).Scan(
		&record.ID, &record.WalletID, &record.TokenHash,
		&record.ExpiresAt, &record.RevokedAt, &record.CreatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return &record, nil
}

// Revoke 实现 Store，幂等。
func (s *MySQLStore) Revoke(ctx context.Context, sessionID string, revokedAt int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at = 0`,
		revokedAt, sessionID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "吊销会话失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// 不存在与已吊销统一处理：不存在报错，已吊销幂等。
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrSessionInvalid
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
		}
	}
	return nil
}

// RevokeAll 实现 Store。
func (s *MySQLStore) RevokeAll(ctx context.Context, walletID string, revokedAt int64) ([]string, error) {
	query := `SELECT id FROM sessions WHERE revoked_at = 0`
	args := []any{}
	if walletID != "" {
		query += ` AND wallet_id = ?`
		args = append(args, walletID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	rows.Close()

	revoked := make([]string, 0, len(ids))
	for _, id := range ids {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at = 0`,
			revokedAt, id)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "吊销会话失败")
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 1 {
			revoked = append(revoked, id)
		}
	}
	return revoked, nil
}

// PurgeExpired 实现 Store。
func (s *MySQLStore) PurgeExpired(ctx context.Context, before int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, before)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期会话失败")
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	return purged, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
