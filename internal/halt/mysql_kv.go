package halt

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLKV 使用 MySQL 实现 KVStore。
// CompareAndSwap 依赖条件 UPDATE 的原子性。
type MySQLKV struct {
	db *sql.DB
}

// NewMySQLKV 创建一个新的 MySQLKV。
func NewMySQLKV(dsn string) (*MySQLKV, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	store := &MySQLKV{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLKVWithDB 复用已有连接池。
func NewMySQLKVWithDB(db *sql.DB) (*MySQLKV, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLKV{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLKV) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS key_value_store (
        k VARCHAR(128) PRIMARY KEY,
        v TEXT NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 key_value_store 表失败")
	}
	return nil
}

// Get 实现 KVStore。
func (s *MySQLKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM key_value_store WHERE k = ?`, key).Scan(&value)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询键值失败")
	}
	return value, true, nil
}

// Set 实现 KVStore。
func (s *MySQLKV) Set(ctx context.Context, key, value string) error {
	const stmt = `INSERT INTO key_value_store (k, v, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, key, value, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入键值失败")
	}
	return nil
}

// SetIfAbsent 实现 KVStore。
func (s *MySQLKV) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	const stmt = `INSERT INTO key_value_store (k, v, updated_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, key, value, time.Now().Unix())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入键值失败")
	}
	return true, nil
}

// CompareAndSwap 实现 KVStore。
func (s *MySQLKV) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	const stmt = `UPDATE key_value_store SET v = ?, updated_at = ? WHERE k = ? AND v = ?`
	res, err := s.db.ExecContext(ctx, stmt, new, time.Now().Unix(), key, old)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "条件更新键值失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected == 1, nil
}

// Delete 实现 KVStore。
func (s *MySQLKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM key_value_store WHERE k = ?`, key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除键值失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ KVStore = (*MySQLKV)(nil)
