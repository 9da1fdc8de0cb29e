package notify

import (
	"context"
	"log/slog"
	"sync"

	"AgentVault/pkg/logger"
)

// Sink 将事件投递到某个外部渠道。
type Sink interface {
	Deliver(ctx context.Context, event Event) error
	Close() error
}

// Publisher 是业务模块发布事件的入口。
type Publisher interface {
	Publish(event Event)
}

// Dispatcher 缓冲事件并由独立协程分发，慢渠道不会阻塞流水线。
// 缓冲满时事件被丢弃并记录告警，投递是尽力而为的。
type Dispatcher struct {
	ch     chan Event
	sinks  []Sink
	log    *slog.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDispatcher 创建分发器。size <= 0 时使用默认缓冲。
func NewDispatcher(size int, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		ch:    make(chan Event, size),
		sinks: sinks,
		log:   logger.Named("notify"),
	}
}

// Start 启动分发协程，ctx 取消后排空缓冲并关闭渠道。
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				d.drain()
				return
			case event, ok := <-d.ch:
				if !ok {
					return
				}
				d.deliver(context.Background(), event)
			}
		}
	}()
}

// Publish 将事件放入缓冲，缓冲满时丢弃。
// 发送在锁内完成，Close 不会在状态检查与发送之间关闭渠道。
func (d *Dispatcher) Publish(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- event:
	default:
		d.log.Warn("通知缓冲已满，事件被丢弃", "kind", string(event.Kind), "tx_id", event.TxID)
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event, ok := <-d.ch:
			if !ok {
				return
			}
			d.deliver(context.Background(), event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			d.log.Warn("事件投递失败", "kind", string(event.Kind), "error", err)
		}
	}
}

// Close 停止接收新事件并关闭全部渠道。
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	d.wg.Wait()

	var err error
	for _, sink := range d.sinks {
		if closeErr := sink.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

var _ Publisher = (*Dispatcher)(nil)

// NopPublisher 丢弃所有事件，用于测试。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(Event) {}

// CapturePublisher 在内存中记录事件，用于测试断言。
type CapturePublisher struct {
	mu     sync.Mutex
	events []Event
}

// Publish 实现 Publisher。
func (c *CapturePublisher) Publish(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events 返回已记录事件的副本。
func (c *CapturePublisher) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// ByKind 返回指定类型的事件。
func (c *CapturePublisher) ByKind(kind Kind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]Event, 0, 4)
	for _, event := range c.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}
