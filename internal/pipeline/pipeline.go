package pipeline

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/halt"
	"AgentVault/internal/keystore"
	"AgentVault/internal/notify"
	"AgentVault/internal/owner"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/tx"
	"AgentVault/internal/workflow"
	"AgentVault/pkg/logger"

	"github.com/google/uuid"
)

// Config 是流水线的执行参数。
type Config struct {
	// ConfirmTimeout 是第六阶段等待链上确认的上限。
	ConfirmTimeout time.Duration
	// KeyPassphrase 解锁密钥库中的托管私钥。
	KeyPassphrase string
}

// SubmitRequest 是一次交易提交请求，金额为链上最小单位。
type SubmitRequest struct {
	SessionToken    string
	WalletID        string
	Chain           string
	Type            tx.Type
	Amount          *big.Int
	ToAddress       string
	TokenAddress    string
	ContractAddress string
	MethodSignature string
	SpenderAddress  string
	ApprovedAmount  *big.Int
	Data            string
	Metadata        map[string]any
}

// Pipeline 把一次提交依次推过六个阶段：
// 校验入库、鉴权、授权预留、分层持有、执行、确认。
// 每个阶段的终局结果都落盘，失败不自动重试。
type Pipeline struct {
	halt      *halt.Switch
	sessions  *session.Service
	wallets   owner.Store
	engine    *policy.Engine
	cooldown  *workflow.CooldownQueue
	approvals *workflow.ApprovalWorkflow
	chains    *chain.Registry
	keys      *keystore.Store
	txs       tx.Store
	events    notify.Publisher
	cfg       Config
	log       *slog.Logger
	wg        sync.WaitGroup
}

// Deps 汇集流水线的全部协作方。
type Deps struct {
	Halt      *halt.Switch
	Sessions  *session.Service
	Wallets   owner.Store
	Engine    *policy.Engine
	Cooldown  *workflow.CooldownQueue
	Approvals *workflow.ApprovalWorkflow
	Chains    *chain.Registry
	Keys      *keystore.Store
	Txs       tx.Store
	Events    notify.Publisher
}

// New 构造流水线。
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	events := deps.Events
	if events == nil {
		events = notify.NopPublisher{}
	}
	return &Pipeline{
		halt:      deps.Halt,
		sessions:  deps.Sessions,
		wallets:   deps.Wallets,
		engine:    deps.Engine,
		cooldown:  deps.Cooldown,
		approvals: deps.Approvals,
		chains:    deps.Chains,
		keys:      deps.Keys,
		txs:       deps.Txs,
		events:    events,
		cfg:       cfg,
		log:       logger.Named("pipeline"),
	}
}

// Submit 同步执行第一到第四阶段并返回交易快照。
// INSTANT/NOTIFY 层级的执行与确认在后台进行，调用方轮询状态。
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*tx.Transaction, error) {
	// 停机门禁在任何写入之前。
	if err := p.halt.Gate(ctx); err != nil {
		return nil, err
	}

	// 阶段一：校验入库。校验失败不留痕。
	txn := p.newTransaction(req)
	if err := txn.Validate(); err != nil {
		return nil, err
	}
	if err := p.txs.Create(ctx, txn); err != nil {
		return nil, err
	}

	// 阶段二：鉴权。失败终局记录在交易上。
	if err := p.authenticate(ctx, txn, req.SessionToken); err != nil {
		return nil, err
	}

	// 阶段三：授权与预留。拒绝在预留事务内转 CANCELLED。
	eval, err := p.engine.EvaluateAndReserve(ctx, txn)
	if err != nil {
		return nil, err
	}
	if !eval.Allowed {
		return nil, xerrors.New(policy.CodePolicyDenied, eval.Reason)
	}
	if eval.Warning != "" {
		p.events.Publish(notify.NewEvent(notify.KindSpendWarning, txn.WalletID, txn.ID, eval.Warning))
	}

	tier, err := p.applyOwnerDowngrade(ctx, txn, eval.Tier)
	if err != nil {
		return nil, err
	}

	// 阶段四：按层级持有。不阻塞请求协程等待放行。
	if err := p.hold(ctx, txn, tier, eval); err != nil {
		return nil, err
	}
	return p.txs.Get(ctx, txn.ID)
}

func (p *Pipeline) newTransaction(req SubmitRequest) *tx.Transaction {
	return &tx.Transaction{
		ID:              uuid.NewString(),
		WalletID:        req.WalletID,
		Chain:           req.Chain,
		Type:            req.Type,
		Amount:          req.Amount,
		ToAddress:       strings.TrimSpace(req.ToAddress),
		TokenAddress:    strings.TrimSpace(req.TokenAddress),
		ContractAddress: strings.TrimSpace(req.ContractAddress),
		MethodSignature: strings.TrimSpace(req.MethodSignature),
		SpenderAddress:  strings.TrimSpace(req.SpenderAddress),
		ApprovedAmount:  req.ApprovedAmount,
		Data:            strings.TrimSpace(req.Data),
		Metadata:        req.Metadata,
	}
}

// authenticate 校验会话归属与钱包状态，失败时交易转 FAILED。
func (p *Pipeline) authenticate(ctx context.Context, txn *tx.Transaction, token string) error {
	fail := func(cause error) error {
		code := xerrors.CodeOf(cause)
		if markErr := p.txs.MarkFailed(ctx, txn.ID, code, cause.Error()); markErr != nil {
			p.log.Error("记录鉴权失败状态出错", "tx_id", txn.ID, "error", markErr)
		}
		return cause
	}

	sess, err := p.sessions.Validate(ctx, token)
	if err != nil {
		return fail(err)
	}
	if sess.WalletID != txn.WalletID {
		return fail(xerrors.New(xerrors.CodeUnauthorized, "会话不属于该钱包"))
	}
	wallet, err := p.wallets.Get(ctx, txn.WalletID)
	if err != nil {
		return fail(err)
	}
	txn.SessionID = sess.ID
	if wallet.Status != owner.WalletActive {
		return fail(xerrors.New(xerrors.CodeUnauthorized, "钱包已被暂停"))
	}
	return nil
}

// applyOwnerDowngrade 在无所有者时把 APPROVAL 降级为 DELAY 并通知。
func (p *Pipeline) applyOwnerDowngrade(ctx context.Context, txn *tx.Transaction, tier tx.Tier) (tx.Tier, error) {
	if tier != tx.TierApproval {
		return tier, nil
	}
	wallet, err := p.wallets.Get(ctx, txn.WalletID)
	if err != nil {
		return tier, err
	}
	downgraded, changed := owner.DowngradeIfNoOwner(owner.ResolveState(wallet), tier)
	if !changed {
		return tier, nil
	}

	logger.Audit().Warn("tier_downgraded",
		slog.String("tx_id", txn.ID),
		slog.String("wallet_id", txn.WalletID),
		slog.String("from", string(tier)),
		slog.String("to", string(downgraded)),
	)
	p.events.Publish(notify.NewEvent(notify.KindTierDowngraded, txn.WalletID, txn.ID, "no owner connected, approval downgraded to delay").
		WithField("from", string(tier)).
		WithField("to", string(downgraded)))
	return downgraded, nil
}

// hold 按最终层级决定交易去向。
func (p *Pipeline) hold(ctx context.Context, txn *tx.Transaction, tier tx.Tier, eval policy.Evaluation) error {
	switch tier {
	case tx.TierNotify:
		p.events.Publish(notify.NewEvent(notify.KindTierNotify, txn.WalletID, txn.ID, "transaction executing at notify tier"))
		fallthrough
	case tx.TierInstant:
		claimed, err := p.txs.ClaimExecuting(ctx, txn.ID)
		if err != nil {
			return err
		}
		p.spawnExecute(claimed)
		return nil
	case tx.TierDelay:
		_, err := p.cooldown.QueueDelay(ctx, txn, eval.DelaySeconds)
		return err
	case tx.TierApproval:
		reason := eval.EscalationReason
		if reason == "" {
			reason = "policy requires owner approval"
		}
		_, err := p.approvals.RequestApproval(ctx, txn, eval.ApprovalTimeout, reason)
		return err
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的交易层级 "+string(tier))
	}
}

// spawnExecute 在独立协程里运行执行与确认阶段。
// 使用独立上下文，请求返回不中断执行。
func (p *Pipeline) spawnExecute(txn *tx.Transaction) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout+time.Minute)
		defer cancel()
		if err := p.executeAndConfirm(ctx, txn); err != nil {
			p.log.Error("交易执行失败", "tx_id", txn.ID, "error", err)
		}
	}()
}

// ExecuteAsync 在后台执行已进入 EXECUTING 的交易，
// 供审批放行等不便阻塞的调用方使用。
func (p *Pipeline) ExecuteAsync(txn *tx.Transaction) {
	p.spawnExecute(txn)
}

// ExecuteQueued 执行已进入 EXECUTING 的交易，供到期轮询与审批放行调用。
func (p *Pipeline) ExecuteQueued(ctx context.Context, txn *tx.Transaction) error {
	return p.executeAndConfirm(ctx, txn)
}

// Wait 等待所有后台执行协程结束，停机时调用。
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

var _ workflow.Executor = (*Pipeline)(nil)
