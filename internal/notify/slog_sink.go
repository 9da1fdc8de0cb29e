package notify

import (
	"context"
	"log/slog"

	"AgentVault/pkg/logger"
)

// SlogSink 将事件写入结构化日志，是默认兜底渠道。
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink 创建日志渠道。
func NewSlogSink() *SlogSink {
	return &SlogSink{log: logger.Named("notify.slog")}
}

// Deliver 实现 Sink。
func (s *SlogSink) Deliver(_ context.Context, event Event) error {
	s.log.Info("outbound event",
		"kind", string(event.Kind),
		"wallet_id", event.WalletID,
		"tx_id", event.TxID,
		"message", event.Message,
	)
	return nil
}

// Close 实现 Sink。
func (s *SlogSink) Close() error {
	return nil
}

var _ Sink = (*SlogSink)(nil)
