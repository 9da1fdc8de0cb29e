package owner

import (
	"context"
	"log/slog"
	"strings"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/notify"
	"AgentVault/pkg/logger"
)

// Lifecycle 管理钱包所有者绑定的生命周期：
// NONE -> GRACE (SetOwner) -> LOCKED (MarkVerified)。
// LOCKED 之后绑定不可变更，只能由运维介入。
type Lifecycle struct {
	store  Store
	events notify.Publisher
	log    *slog.Logger
}

// NewLifecycle 创建生命周期服务。events 可以为 nil。
func NewLifecycle(store Store, events notify.Publisher) *Lifecycle {
	if events == nil {
		events = notify.NopPublisher{}
	}
	return &Lifecycle{
		store:  store,
		events: events,
		log:    logger.Named("owner"),
	}
}

// State 返回钱包当前的所有者状态。
func (l *Lifecycle) State(ctx context.Context, walletID string) (State, error) {
	w, err := l.store.Get(ctx, walletID)
	if err != nil {
		return StateNone, err
	}
	return ResolveState(w), nil
}

// SetOwner 绑定所有者地址并进入 GRACE 状态。
// 重复绑定同一地址为幂等操作；LOCKED 状态下拒绝变更。
func (l *Lifecycle) SetOwner(ctx context.Context, walletID, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "所有者地址不能为空")
	}
	w, err := l.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	switch ResolveState(w) {
	case StateLocked:
		return ErrOwnerAlreadyConnected
	case StateGrace:
		if strings.EqualFold(w.OwnerAddress, address) {
			return nil
		}
	}
	if err := l.store.UpdateOwner(ctx, walletID, address, false); err != nil {
		return err
	}
	l.audit("owner_set", walletID, address)
	l.events.Publish(notify.NewEvent(notify.KindOwnerChanged, walletID, "", "owner connected").
		WithField("owner_address", address))
	return nil
}

// RemoveOwner 解除未验证的绑定。NONE 状态下为幂等空操作。
func (l *Lifecycle) RemoveOwner(ctx context.Context, walletID string) error {
	w, err := l.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	switch ResolveState(w) {
	case StateLocked:
		return ErrOwnerAlreadyConnected
	case StateNone:
		return nil
	}
	if err := l.store.UpdateOwner(ctx, walletID, "", false); err != nil {
		return err
	}
	l.audit("owner_removed", walletID, w.OwnerAddress)
	l.events.Publish(notify.NewEvent(notify.KindOwnerChanged, walletID, "", "owner disconnected"))
	return nil
}

// MarkVerified 完成签名验证，绑定进入 LOCKED。
// LOCKED 状态下为幂等空操作；未绑定时报错。
func (l *Lifecycle) MarkVerified(ctx context.Context, walletID string) error {
	w, err := l.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	switch ResolveState(w) {
	case StateNone:
		return ErrOwnerNotConnected
	case StateLocked:
		return nil
	}
	if err := l.store.UpdateOwner(ctx, walletID, w.OwnerAddress, true); err != nil {
		return err
	}
	l.audit("owner_verified", walletID, w.OwnerAddress)
	l.events.Publish(notify.NewEvent(notify.KindOwnerChanged, walletID, "", "owner verified").
		WithField("owner_address", w.OwnerAddress))
	return nil
}

func (l *Lifecycle) audit(action, walletID, address string) {
	logger.Audit().Info(action, "wallet_id", walletID, "owner_address", address)
}
