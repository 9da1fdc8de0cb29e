package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Deliver(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherDeliversToSinks(t *testing.T) {
	sink := &captureSink{}
	dispatcher := NewDispatcher(16, sink)
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)

	dispatcher.Publish(NewEvent(KindTxQueued, "wallet-1", "tx-1", "queued"))
	dispatcher.Publish(NewEvent(KindHaltActivated, "", "", "halted"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("事件未在期限内投递, 已投递 %d", sink.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := dispatcher.Close(); err != nil {
		t.Fatalf("关闭分发器失败: %v", err)
	}
}

func TestDispatcherPublishAfterClose(t *testing.T) {
	dispatcher := NewDispatcher(1)
	if err := dispatcher.Close(); err != nil {
		t.Fatalf("关闭分发器失败: %v", err)
	}
	// 关闭后发布不应 panic。
	dispatcher.Publish(NewEvent(KindTxFailed, "wallet-1", "tx-1", "late"))
}

func TestDispatcherConcurrentPublishAndClose(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// 与 Close 交错的发布不应向已关闭的渠道写入。
			for j := 0; j < 100; j++ {
				dispatcher.Publish(NewEvent(KindTxQueued, "wallet-1", "tx-1", "queued"))
			}
		}()
	}
	close(start)
	if err := dispatcher.Close(); err != nil {
		t.Fatalf("关闭分发器失败: %v", err)
	}
	wg.Wait()
}

func TestEventWithField(t *testing.T) {
	event := NewEvent(KindSpendWarning, "wallet-1", "tx-1", "near limit").
		WithField("ratio", 0.85)
	if event.Fields["ratio"] != 0.85 {
		t.Fatalf("附加字段丢失: %+v", event.Fields)
	}
	if event.ID == "" || event.CreatedAt == 0 {
		t.Fatalf("事件缺少 ID 或时间戳")
	}
}
