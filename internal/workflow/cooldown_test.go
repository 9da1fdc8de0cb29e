package workflow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"AgentVault/internal/notify"
	"AgentVault/internal/tx"
)

func newPendingTx(t *testing.T, store tx.Store, id string) *tx.Transaction {
	t.Helper()
	txn := &tx.Transaction{
		ID:        id,
		WalletID:  "wallet-1",
		Chain:     "ethereum",
		Type:      tx.TypeTransfer,
		ToAddress: "0x000000000000000000000000000000000000dEaD",
		Amount:    big.NewInt(1000),
	}
	if err := store.Create(context.Background(), txn); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return txn
}

func TestIsExpiredBoundary(t *testing.T) {
	const queuedAt, delay = 1000, 300
	if IsExpired(queuedAt, delay, queuedAt+delay-1) {
		t.Fatal("expired one second before the boundary")
	}
	if !IsExpired(queuedAt, delay, queuedAt+delay) {
		t.Fatal("not expired at the boundary")
	}
}

func TestCooldownQueueDelayAndClaim(t *testing.T) {
	ctx := context.Background()
	store := tx.NewMemoryStore()
	events := &notify.CapturePublisher{}

	current := time.Unix(10_000, 0)
	queue := NewCooldownQueue(store, events, WithCooldownClock(func() time.Time { return current }))

	txn := newPendingTx(t, store, "tx-delay")
	expiresAt, err := queue.QueueDelay(ctx, txn, 600)
	if err != nil {
		t.Fatalf("QueueDelay: %v", err)
	}
	if expiresAt != 10_600 {
		t.Fatalf("expiresAt = %d, want 10600", expiresAt)
	}
	queued, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if queued.Status != tx.StatusQueued || queued.Tier != tx.TierDelay {
		t.Fatalf("queued tx = (%s, %s)", queued.Status, queued.Tier)
	}
	if got := len(events.ByKind(notify.KindTxQueued)); got != 1 {
		t.Fatalf("tx-queued events = %d, want 1", got)
	}

	// 冷却未到期时不认领。
	due, err := queue.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due before expiry = %d, want 0", len(due))
	}

	current = time.Unix(10_600, 0)
	due, err = queue.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if len(due) != 1 || due[0].ID != txn.ID {
		t.Fatalf("due = %v, want [tx-delay]", due)
	}
	if due[0].Status != tx.StatusExecuting {
		t.Fatalf("claimed status = %s, want EXECUTING", due[0].Status)
	}

	// 重复轮询幂等。
	due, err = queue.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("second ProcessExpired: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("second claim = %d, want 0", len(due))
	}
}

func TestCooldownQueueDefaultDelay(t *testing.T) {
	ctx := context.Background()
	store := tx.NewMemoryStore()
	current := time.Unix(5_000, 0)
	queue := NewCooldownQueue(store, nil, WithCooldownClock(func() time.Time { return current }))

	txn := newPendingTx(t, store, "tx-default")
	expiresAt, err := queue.QueueDelay(ctx, txn, 0)
	if err != nil {
		t.Fatalf("QueueDelay: %v", err)
	}
	if expiresAt != 5_000+defaultCooldownSeconds {
		t.Fatalf("expiresAt = %d, want %d", expiresAt, 5_000+defaultCooldownSeconds)
	}
}

func TestCooldownCancelDelay(t *testing.T) {
	ctx := context.Background()
	store := tx.NewMemoryStore()
	events := &notify.CapturePublisher{}
	queue := NewCooldownQueue(store, events)

	txn := newPendingTx(t, store, "tx-cancel")
	if _, err := queue.QueueDelay(ctx, txn, 600); err != nil {
		t.Fatalf("QueueDelay: %v", err)
	}
	if err := queue.CancelDelay(ctx, txn.ID, "changed my mind"); err != nil {
		t.Fatalf("CancelDelay: %v", err)
	}
	cancelled, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cancelled.Status != tx.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if got := len(events.ByKind(notify.KindTxCancelled)); got != 1 {
		t.Fatalf("tx-cancelled events = %d, want 1", got)
	}

	// 已取消的交易不能再次取消。
	if err := queue.CancelDelay(ctx, txn.ID, "again"); !errors.Is(err, tx.ErrTxProcessed) {
		t.Fatalf("second cancel = %v, want ErrTxProcessed", err)
	}
}
