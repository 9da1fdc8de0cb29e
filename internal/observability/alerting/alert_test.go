package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"AgentVault/internal/notify"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureNotifier) Channel() Channel { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func TestFanoutFiltersKinds(t *testing.T) {
	capture := &captureNotifier{}
	fanout := NewFanout(capture)
	ctx := context.Background()

	if err := fanout.Deliver(ctx, notify.NewEvent(notify.KindTxConfirmed, "wallet-1", "tx-1", "fine")); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	if err := fanout.Deliver(ctx, notify.NewEvent(notify.KindTxFailed, "wallet-1", "tx-2", "reverted")); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	if err := fanout.Deliver(ctx, notify.NewEvent(notify.KindHaltActivated, "", "", "halted")); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	if len(capture.alerts) != 2 {
		t.Fatalf("告警数 = %d, 期望 2", len(capture.alerts))
	}
	if capture.alerts[0].Kind != string(notify.KindTxFailed) || capture.alerts[0].TxID != "tx-2" {
		t.Fatalf("告警内容异常: %+v", capture.alerts[0])
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
			t.Errorf("解析告警失败: %v", err)
		}
		received <- alert
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatalf("创建渠道失败: %v", err)
	}
	fanout := NewFanout(hook)
	event := notify.NewEvent(notify.KindSpendWarning, "wallet-1", "tx-3", "near daily limit")
	if err := fanout.Deliver(context.Background(), event); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	alert := <-received
	if alert.Kind != string(notify.KindSpendWarning) || alert.WalletID != "wallet-1" {
		t.Fatalf("告警内容异常: %+v", alert)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatalf("创建渠道失败: %v", err)
	}
	if err := hook.Notify(context.Background(), Alert{Kind: "tx-failed"}); err == nil {
		t.Fatal("非 2xx 响应应当报错")
	}
}
