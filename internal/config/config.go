package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 vaultd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Chains   ChainsConfig   `json:"chains"`
	Keystore KeystoreConfig `json:"keystore"`
	Oracle   OracleConfig   `json:"oracle"`
	Notify   NotifyConfig   `json:"notify"`
	Pipeline PipelineConfig `json:"pipeline"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
// driver 为 memory 时全部状态保存在进程内，仅用于开发与测试。
type StorageConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// ChainsConfig 指向链定义文件（YAML）。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
}

// KeystoreConfig 描述密钥库目录与口令来源。
// 口令优先取 PassphraseEnv 指定的环境变量，未设置时退回 Passphrase 字段。
type KeystoreConfig struct {
	Dir           string `json:"dir"`
	Passphrase    string `json:"passphrase,omitempty"`
	PassphraseEnv string `json:"passphrase_env,omitempty"`
}

// OracleConfig 配置估值用的价格源。
type OracleConfig struct {
	Provider      string             `json:"provider"`
	BaseURL       string             `json:"base_url,omitempty"`
	StaticPrices  map[string]float64 `json:"static_prices,omitempty"`
	NativeSymbols map[string]string  `json:"native_symbols,omitempty"`
	Decimals      int                `json:"decimals,omitempty"`
	FailOpen      bool               `json:"fail_open"`
	Cache         OracleCacheConfig  `json:"cache"`
}

// OracleCacheConfig 配置 Redis 价格缓存。
type OracleCacheConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address,omitempty"`
	Password   string `json:"password,omitempty"`
	DB         int    `json:"db,omitempty"`
	KeyPrefix  string `json:"key_prefix,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// NotifyConfig 配置出站事件的分发渠道。
// AlertWebhook 非空时，告警级事件会额外 POST 到该地址。
type NotifyConfig struct {
	BufferSize   int            `json:"buffer_size,omitempty"`
	AlertWebhook string         `json:"alert_webhook,omitempty"`
	RabbitMQ     RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 事件渠道。URL 为空时不启用。
type RabbitMQConfig struct {
	URL        string `json:"url,omitempty"`
	Queue      string `json:"queue,omitempty"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PipelineConfig 控制执行流水线的时间参数。
type PipelineConfig struct {
	ConfirmTimeoutSeconds  int64 `json:"confirm_timeout_seconds,omitempty"`
	PollIntervalSeconds    int64 `json:"poll_interval_seconds,omitempty"`
	ApprovalTimeoutSeconds int64 `json:"approval_timeout_seconds,omitempty"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level      string   `json:"level,omitempty"`
	Format     string   `json:"format,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	AuditPath  string   `json:"audit_path,omitempty"`
	MaxSizeMB  int      `json:"audit_max_size_mb,omitempty"`
	MaxBackups int      `json:"audit_max_backups,omitempty"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 16
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 4
	}

	if c.Chains.DefinitionsPath != "" && !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}

	if c.Keystore.Dir == "" {
		c.Keystore.Dir = filepath.Join(baseDir, "keystore")
	} else if !filepath.IsAbs(c.Keystore.Dir) {
		c.Keystore.Dir = filepath.Join(baseDir, c.Keystore.Dir)
	}
	if c.Keystore.PassphraseEnv == "" {
		c.Keystore.PassphraseEnv = "VAULTD_KEY_PASSPHRASE"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "static"
	}
	if c.Oracle.Decimals <= 0 {
		c.Oracle.Decimals = 18
	}
	if c.Oracle.Cache.TTLSeconds <= 0 {
		c.Oracle.Cache.TTLSeconds = 60
	}

	if c.Notify.BufferSize <= 0 {
		c.Notify.BufferSize = 256
	}

	if c.Pipeline.ConfirmTimeoutSeconds <= 0 {
		c.Pipeline.ConfirmTimeoutSeconds = 90
	}
	if c.Pipeline.PollIntervalSeconds <= 0 {
		c.Pipeline.PollIntervalSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// KeyPassphrase 解析密钥库口令，环境变量优先。
func (c *Config) KeyPassphrase() string {
	if c.Keystore.PassphraseEnv != "" {
		if value := os.Getenv(c.Keystore.PassphraseEnv); value != "" {
			return value
		}
	}
	return c.Keystore.Passphrase
}
