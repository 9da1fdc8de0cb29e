package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"

	"github.com/google/uuid"
)

// Session 是代理端会话，持有者凭令牌代表钱包提交交易。
// 明文令牌只在签发时返回一次，存储中仅保留 SHA-256 摘要。
type Session struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	TokenHash string `json:"-"`
	ExpiresAt int64  `json:"expires_at"`
	RevokedAt int64  `json:"revoked_at,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

var (
	// ErrSessionInvalid 表示令牌不存在或格式不合法。
	ErrSessionInvalid = xerrors.New(xerrors.CodeUnauthorized, "session token invalid")
	// ErrSessionExpired 表示会话已过期。
	ErrSessionExpired = xerrors.New(CodeSessionExpired, "session expired")
	// ErrSessionRevoked 表示会话已被吊销。
	ErrSessionRevoked = xerrors.New(CodeSessionRevoked, "session revoked")
)

const (
	CodeSessionExpired xerrors.Code = "SESSION_EXPIRED"
	CodeSessionRevoked xerrors.Code = "SESSION_REVOKED"
)

func init() {
	xerrors.Register(CodeSessionExpired, xerrors.Attributes{
		Message:   "session expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionRevoked, xerrors.Attributes{
		Message:   "session revoked",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// defaultSessionTTL 是未指定有效期时的会话时长。
const defaultSessionTTL = 24 * time.Hour

// Service 负责会话令牌的签发、校验与吊销。
type Service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 注入时钟，用于测试。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造会话服务。
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		log:   logger.Named("session"),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Issue 为钱包签发新令牌，返回明文令牌与会话记录。
// 明文不落盘，丢失后只能重新签发。
func (s *Service) Issue(ctx context.Context, walletID string, ttl time.Duration) (string, *Session, error) {
	if strings.TrimSpace(walletID) == "" {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "wallet_id 不能为空")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodeUnknown, err, "生成会话令牌失败")
	}
	token := "avt_" + hex.EncodeToString(raw)

	now := s.now().Unix()
	record := &Session{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		TokenHash: HashToken(token),
		ExpiresAt: now + int64(ttl.Seconds()),
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return "", nil, err
	}

	logger.Audit().Info("session_issued",
		slog.String("session_id", record.ID),
		slog.String("wallet_id", walletID),
		slog.Int64("expires_at", record.ExpiresAt),
	)
	return token, record, nil
}

// Validate 校验令牌并返回会话。过期与吊销分别返回对应错误。
func (s *Service) Validate(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrSessionInvalid
	}
	record, err := s.store.GetByHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if record.RevokedAt != 0 {
		return nil, ErrSessionRevoked
	}
	if record.ExpiresAt <= s.now().Unix() {
		return nil, ErrSessionExpired
	}
	return record, nil
}

// Revoke 吊销指定会话，幂等。
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.store.Revoke(ctx, sessionID, s.now().Unix()); err != nil {
		return err
	}
	logger.Audit().Info("session_revoked", slog.String("session_id", sessionID))
	return nil
}

// RevokeWallet 吊销钱包的全部会话，返回受影响的会话 ID。
// 停机级联与所有者锁定时调用。
func (s *Service) RevokeWallet(ctx context.Context, walletID string) ([]string, error) {
	ids, err := s.store.RevokeAll(ctx, walletID, s.now().Unix())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		logger.Audit().Warn("sessions_revoked",
			slog.String("wallet_id", walletID),
			slog.Int("count", len(ids)),
		)
	}
	return ids, nil
}

// HashToken 计算令牌的 SHA-256 十六进制摘要。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
