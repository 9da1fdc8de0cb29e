package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentVault/internal/api"
	"AgentVault/internal/chain"
	"AgentVault/internal/chain/ethereum"
	"AgentVault/internal/config"
	"AgentVault/internal/halt"
	"AgentVault/internal/keystore"
	"AgentVault/internal/notify"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/oracle"
	"AgentVault/internal/owner"
	"AgentVault/internal/pipeline"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/tx"
	"AgentVault/internal/workflow"
	"AgentVault/pkg/logger"

	_ "github.com/go-sql-driver/mysql"
)

// main 是 vaultd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("VAULTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditPath != "",
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	// 出站事件分发器，告警级事件额外走告警扇出。
	alertNotifiers := []alerting.Notifier{alerting.NewSlogNotifier()}
	if cfg.Notify.AlertWebhook != "" {
		hook, err := alerting.NewWebhookNotifier(cfg.Notify.AlertWebhook)
		if err != nil {
			return err
		}
		alertNotifiers = append(alertNotifiers, hook)
	}
	sinks := []notify.Sink{notify.NewSlogSink(), alerting.NewFanout(alertNotifiers...)}
	if cfg.Notify.RabbitMQ.URL != "" {
		rabbit, err := notify.NewRabbitMQSink(notify.RabbitMQConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Queue:      cfg.Notify.RabbitMQ.Queue,
			Durable:    cfg.Notify.RabbitMQ.Durable,
			AutoDelete: cfg.Notify.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, rabbit)
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.BufferSize, sinks...)
	dispatcher.Start(ctx)
	defer func() { _ = dispatcher.Close() }()

	// 价格源与估值器。
	valuer, closeOracle, err := buildValuer(cfg)
	if err != nil {
		return err
	}
	defer closeOracle()

	engine := policy.NewEngine(stores.policies, stores.txs, valuer,
		policy.WithEngineConfig(policy.EngineConfig{USDFailOpen: cfg.Oracle.FailOpen}))

	// 链注册表。
	defs, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	registry, err := chain.NewRegistry(ctx, defs, map[string]chain.Factory{
		"evm": func(ctx context.Context, name string, def chain.Definition) (chain.Adapter, error) {
			return ethereum.NewAdapter(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  def.RPCURL,
				ChainID: def.ChainID,
			})
		},
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	keys, err := keystore.NewStore(cfg.Keystore.Dir)
	if err != nil {
		return err
	}

	sessions := session.NewService(stores.sessions)
	lifecycle := owner.NewLifecycle(stores.wallets, dispatcher)

	// 紧急停机：激活后取消所有未完结交易并吊销全部会话。
	guard := halt.NewSwitch(stores.kv, dispatcher,
		func(ctx context.Context, actor string) {
			if _, err := stores.txs.CancelOpen(ctx, "", "emergency halt by "+actor); err != nil {
				logger.L().Error("停机取消交易失败", "error", err)
			}
		},
		func(ctx context.Context, _ string) {
			if _, err := sessions.RevokeWallet(ctx, ""); err != nil {
				logger.L().Error("停机吊销会话失败", "error", err)
			}
		},
	)
	if err := guard.EnsureInitialized(ctx); err != nil {
		return err
	}

	cooldown := workflow.NewCooldownQueue(stores.txs, dispatcher)
	approvalOpts := []workflow.ApprovalOption{}
	if cfg.Pipeline.ApprovalTimeoutSeconds > 0 {
		approvalOpts = append(approvalOpts, workflow.WithDefaultTimeout(cfg.Pipeline.ApprovalTimeoutSeconds))
	}
	approvals := workflow.NewApprovalWorkflow(stores.approvals, stores.txs, dispatcher, approvalOpts...)

	pipe := pipeline.New(pipeline.Deps{
		Halt:      guard,
		Sessions:  sessions,
		Wallets:   stores.wallets,
		Engine:    engine,
		Cooldown:  cooldown,
		Approvals: approvals,
		Chains:    registry,
		Keys:      keys,
		Txs:       stores.txs,
		Events:    dispatcher,
	}, pipeline.Config{
		ConfirmTimeout: time.Duration(cfg.Pipeline.ConfirmTimeoutSeconds) * time.Second,
		KeyPassphrase:  cfg.KeyPassphrase(),
	})
	defer pipe.Wait()

	poller := workflow.NewPoller(cooldown, approvals, pipe,
		workflow.WithPollInterval(time.Duration(cfg.Pipeline.PollIntervalSeconds)*time.Second))
	pollerCtx, pollerCancel := context.WithCancel(ctx)
	defer pollerCancel()
	go func() {
		if err := poller.Run(pollerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("到期轮询器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Pipeline:  pipe,
		Txs:       stores.txs,
		Policies:  stores.policies,
		Wallets:   stores.wallets,
		Lifecycle: lifecycle,
		Sessions:  sessions,
		Approvals: approvals,
		Cooldown:  cooldown,
		Halt:      guard,
	})

	logger.L().Info("vaultd 启动", "address", cfg.Server.Address, "storage", cfg.Storage.Driver)
	return server.Start(ctx)
}

// stores 聚合全部持久层句柄，便于统一关闭。
type stores struct {
	db        *sql.DB
	txs       tx.Store
	policies  policy.Store
	wallets   owner.Store
	sessions  session.Store
	approvals workflow.ApprovalStore
	kv        halt.KVStore
}

func (s *stores) close() {
	_ = s.txs.Close()
	_ = s.policies.Close()
	_ = s.wallets.Close()
	_ = s.sessions.Close()
	_ = s.approvals.Close()
	_ = s.kv.Close()
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStores 按存储驱动构建各领域仓储，MySQL 模式共享一个连接池。
func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return &stores{
			txs:       tx.NewMemoryStore(),
			policies:  policy.NewMemoryStore(),
			wallets:   owner.NewMemoryStore(),
			sessions:  session.NewMemoryStore(),
			approvals: workflow.NewMemoryApprovalStore(),
			kv:        halt.NewMemoryKV(),
		}, nil
	case "mysql":
		db, err := sql.Open("mysql", cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("打开 MySQL 连接失败: %w", err)
		}
		db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("MySQL 连接检查失败: %w", err)
		}

		txs, err := tx.NewMySQLStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		policies, err := policy.NewMySQLStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		wallets, err := owner.NewMySQLStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		sessions, err := session.NewMySQLStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		approvals, err := workflow.NewMySQLApprovalStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		kv, err := halt.NewMySQLKVWithDB(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			db:        db,
			txs:       txs,
			policies:  policies,
			wallets:   wallets,
			sessions:  sessions,
			approvals: approvals,
			kv:        kv,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// buildValuer 构建估值器，provider 为空串或 none 时不启用 USD 限额。
func buildValuer(cfg *config.Config) (policy.Valuer, func(), error) {
	var source oracle.PriceOracle
	switch cfg.Oracle.Provider {
	case "none":
		return nil, func() {}, nil
	case "static", "":
		source = oracle.NewStaticOracle(cfg.Oracle.StaticPrices)
	case "http":
		http, err := oracle.NewHTTPOracle(oracle.HTTPOracleConfig{BaseURL: cfg.Oracle.BaseURL})
		if err != nil {
			return nil, nil, err
		}
		source = http
	default:
		return nil, nil, fmt.Errorf("未知的价格源: %s", cfg.Oracle.Provider)
	}

	if cfg.Oracle.Cache.Enabled {
		cached, err := oracle.NewRedisCache(source, oracle.RedisCacheConfig{
			Address:   cfg.Oracle.Cache.Address,
			Password:  cfg.Oracle.Cache.Password,
			DB:        cfg.Oracle.Cache.DB,
			KeyPrefix: cfg.Oracle.Cache.KeyPrefix,
			TTL:       time.Duration(cfg.Oracle.Cache.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		source = cached
	}

	valuer := oracle.NewValuer(source, cfg.Oracle.NativeSymbols, cfg.Oracle.Decimals)
	closer := func() { _ = source.Close() }
	return valuer, closer, nil
}
