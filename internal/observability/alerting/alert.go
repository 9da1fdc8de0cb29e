package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"AgentVault/internal/notify"
	"AgentVault/pkg/logger"
)

// Channel 表示告警渠道。
type Channel string

const (
	ChannelSlog    Channel = "slog"
	ChannelWebhook Channel = "webhook"
)

// Alert 是一条需要人工关注的告警。
type Alert struct {
	Kind       string         `json:"kind"`
	WalletID   string         `json:"wallet_id,omitempty"`
	TxID       string         `json:"tx_id,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier 负责把告警发送到具体渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, alert Alert) error
}

// alertKinds 列出需要升级为告警的事件类型。
var alertKinds = map[notify.Kind]struct{}{
	notify.KindHaltActivated:   {},
	notify.KindTxFailed:        {},
	notify.KindApprovalExpired: {},
	notify.KindSpendWarning:    {},
}

// Fanout 作为事件渠道挂在分发器上，把告警级事件广播给所有通知器。
type Fanout struct {
	notifiers []Notifier
	log       *slog.Logger
}

// NewFanout 创建告警扇出渠道。
func NewFanout(notifiers ...Notifier) *Fanout {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &Fanout{notifiers: kept, log: logger.Named("alerting")}
}

// Deliver 实现 notify.Sink。非告警级事件直接忽略。
func (f *Fanout) Deliver(ctx context.Context, event notify.Event) error {
	if _, ok := alertKinds[event.Kind]; !ok {
		return nil
	}
	alert := Alert{
		Kind:       string(event.Kind),
		WalletID:   event.WalletID,
		TxID:       event.TxID,
		Message:    event.Message,
		Fields:     event.Fields,
		OccurredAt: time.Unix(event.CreatedAt, 0),
	}
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			f.log.Error("告警投递失败", "channel", string(n.Channel()), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 实现 notify.Sink。
func (f *Fanout) Close() error {
	return nil
}

var _ notify.Sink = (*Fanout)(nil)

// SlogNotifier 把告警写入结构化日志，是默认渠道。
type SlogNotifier struct {
	log *slog.Logger
}

// NewSlogNotifier 创建日志告警渠道。
func NewSlogNotifier() *SlogNotifier {
	return &SlogNotifier{log: logger.Named("alerting.slog")}
}

func (n *SlogNotifier) Channel() Channel { return ChannelSlog }

func (n *SlogNotifier) Notify(_ context.Context, alert Alert) error {
	n.log.Warn("vault alert",
		"kind", alert.Kind,
		"wallet_id", alert.WalletID,
		"tx_id", alert.TxID,
		"message", alert.Message,
	)
	return nil
}

// WebhookNotifier 将告警以 JSON POST 到外部接收端。
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 告警渠道。
func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook 地址不能为空")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警接收端返回 %d", resp.StatusCode)
	}
	return nil
}
