package halt

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/notify"
	"AgentVault/internal/observability/metrics"
	"AgentVault/pkg/logger"
)

// State 表示紧急停机开关的状态。
type State string

const (
	// StateNormal 正常运行。
	StateNormal State = "NORMAL"
	// StateSuspended 暂停接收新交易，可恢复。
	StateSuspended State = "SUSPENDED"
	// StateLocked 完全锁定，需要显式解锁。
	StateLocked State = "LOCKED"
)

const (
	keyState       = "halt_state"
	keyActivatedAt = "halt_activated_at"
	keyActivatedBy = "halt_activated_by"
)

// ErrHaltActive 表示停机开关处于非正常状态。
var ErrHaltActive = xerrors.New(xerrors.CodeHaltActive, "emergency halt is active")

// Cascade 是停机激活后的级联动作，尽力而为执行；
// CAS 结果是权威的，级联失败不回滚状态。
type Cascade func(ctx context.Context, actor string)

// Switch 是跨进程共享的紧急停机开关。状态只存在于 KVStore，
// 进程内不缓存，多实例间的竞争由条件写裁决。
type Switch struct {
	kv       KVStore
	events   notify.Publisher
	cascades []Cascade
	log      *slog.Logger
}

// NewSwitch 创建停机开关。events 可以为 nil。
func NewSwitch(kv KVStore, events notify.Publisher, cascades ...Cascade) *Switch {
	if events == nil {
		events = notify.NopPublisher{}
	}
	return &Switch{
		kv:       kv,
		events:   events,
		cascades: cascades,
		log:      logger.Named("halt"),
	}
}

// EnsureInitialized 仅在状态行不存在时写入 NORMAL，不覆盖已有状态。
func (s *Switch) EnsureInitialized(ctx context.Context) error {
	_, err := s.kv.SetIfAbsent(ctx, keyState, string(StateNormal))
	return err
}

// State 返回当前状态。状态行缺失按 NORMAL 处理。
func (s *Switch) State(ctx context.Context) (State, error) {
	value, ok, err := s.kv.Get(ctx, keyState)
	if err != nil {
		return StateNormal, err
	}
	if !ok {
		return StateNormal, nil
	}
	return State(value), nil
}

// Activate 以 CAS 方式执行 NORMAL -> SUSPENDED。
// 返回假表示竞争失败或状态不符，从不因竞争报错。
func (s *Switch) Activate(ctx context.Context, actor string) (bool, error) {
	swapped, err := s.kv.CompareAndSwap(ctx, keyState, string(StateNormal), string(StateSuspended))
	if err != nil || !swapped {
		return false, err
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	_ = s.kv.Set(ctx, keyActivatedAt, now)
	_ = s.kv.Set(ctx, keyActivatedBy, actor)

	s.log.Warn("紧急停机已激活", "actor", actor)
	logger.Audit().Warn("halt_activated", "actor", actor)
	metrics.ObserveHalt()
	s.events.Publish(notify.NewEvent(notify.KindHaltActivated, "", "", "emergency halt activated").
		WithField("actor", actor))
	s.runCascades(ctx, actor)
	return true, nil
}

// Escalate 以 CAS 方式执行 SUSPENDED -> LOCKED。
func (s *Switch) Escalate(ctx context.Context, actor string) (bool, error) {
	swapped, err := s.kv.CompareAndSwap(ctx, keyState, string(StateSuspended), string(StateLocked))
	if err != nil || !swapped {
		return false, err
	}
	_ = s.kv.Set(ctx, keyActivatedBy, actor)
	s.log.Warn("紧急停机已升级为锁定", "actor", actor)
	logger.Audit().Warn("halt_escalated", "actor", actor)
	return true, nil
}

// RecoverFromSuspended 以 CAS 方式执行 SUSPENDED -> NORMAL。
func (s *Switch) RecoverFromSuspended(ctx context.Context) (bool, error) {
	return s.recover(ctx, StateSuspended)
}

// RecoverFromLocked 以 CAS 方式执行 LOCKED -> NORMAL。
func (s *Switch) RecoverFromLocked(ctx context.Context) (bool, error) {
	return s.recover(ctx, StateLocked)
}

func (s *Switch) recover(ctx context.Context, from State) (bool, error) {
	swapped, err := s.kv.CompareAndSwap(ctx, keyState, string(from), string(StateNormal))
	if err != nil || !swapped {
		return false, err
	}
	_ = s.kv.Delete(ctx, keyActivatedAt)
	_ = s.kv.Delete(ctx, keyActivatedBy)
	s.log.Info("紧急停机已解除", "from", string(from))
	logger.Audit().Info("halt_recovered", "from", string(from))
	s.events.Publish(notify.NewEvent(notify.KindHaltRecovered, "", "", "emergency halt recovered").
		WithField("from", string(from)))
	return true, nil
}

// Gate 在状态非 NORMAL 时返回 ErrHaltActive，流水线入口调用。
func (s *Switch) Gate(ctx context.Context) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	if state != StateNormal {
		return ErrHaltActive
	}
	return nil
}

// ActivationInfo 返回激活时间与操作者，未激活时返回零值。
func (s *Switch) ActivationInfo(ctx context.Context) (int64, string, error) {
	rawAt, ok, err := s.kv.Get(ctx, keyActivatedAt)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", nil
	}
	at, _ := strconv.ParseInt(rawAt, 10, 64)
	by, _, err := s.kv.Get(ctx, keyActivatedBy)
	if err != nil {
		return 0, "", err
	}
	return at, by, nil
}

func (s *Switch) runCascades(ctx context.Context, actor string) {
	for _, cascade := range s.cascades {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("停机级联动作 panic", "recover", r)
				}
			}()
			cascade(ctx, actor)
		}()
	}
}
