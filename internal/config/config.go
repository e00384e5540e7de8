package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 可覆盖配置文件中敏感字段的环境变量。
const (
	EnvWalletPassphrase = "TRUSTNET_WALLET_PASSPHRASE"
	EnvWalletKey        = "TRUSTNET_WALLET_KEY"
	EnvJWTSecret        = "TRUSTNET_JWT_SECRET"
	EnvOperatorSecret   = "TRUSTNET_OPERATOR_SECRET"
	EnvIPFSSecret       = "TRUSTNET_IPFS_SECRET"
	EnvRedisPassword    = "TRUSTNET_REDIS_PASSWORD"
)

// Config 描述了 TrustNet 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Wallet        WalletConfig        `json:"wallet"`
	Session       SessionConfig       `json:"session"`
	Oracle        OracleConfig        `json:"oracle"`
	Anchor        AnchorConfig        `json:"anchor"`
	Ledger        LedgerConfig        `json:"ledger"`
	Storage       StorageConfig       `json:"storage"`
	Queue         QueueConfig         `json:"queue"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与令牌签发。
type ServerConfig struct {
	Address   string `json:"address"`
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
	// OperatorSecret 是开启会话所需的运维凭证，通过 X-Operator-Token 请求头提交。
	OperatorSecret string `json:"operator_secret"`
}

// WalletConfig 描述本地签名密钥的来源，二选一。
type WalletConfig struct {
	PrivateKey   string `json:"private_key"`
	KeystorePath string `json:"keystore_path"`
	Passphrase   string `json:"-"`
}

// SessionConfig 控制会话有效期。
type SessionConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// TTL 返回会话有效期。
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// OracleConfig 描述评分服务的地址与调用策略。
type OracleConfig struct {
	BaseURL             string `json:"base_url"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	MaxAttempts         int    `json:"max_attempts"`
	ReplayWindowSeconds int    `json:"replay_window_seconds"`
}

// Timeout 返回单次调用的超时时间。
func (c OracleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReplayWindow 返回签名请求的最长有效期。
func (c OracleConfig) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}

// AnchorConfig 描述内容寻址存储。Driver 支持 memory、redis、ipfs。
type AnchorConfig struct {
	Driver string           `json:"driver"`
	Redis  RedisConfig      `json:"redis"`
	IPFS   IPFSAnchorConfig `json:"ipfs"`
}

// IPFSAnchorConfig 对应 IPFS HTTP API。
type IPFSAnchorConfig struct {
	APIURL         string `json:"api_url"`
	ProjectID      string `json:"project_id"`
	Secret         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RedisConfig 是 Redis 连接参数，锚定存储与任务队列共用。
type RedisConfig struct {
	Address   string `json:"address"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	Prefix    string `json:"prefix"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// LedgerConfig 描述链与合约。ChainConfig 指向 YAML 链定义文件，
// 未提供时使用 RPCURL 与 ContractAddress 构造唯一的默认链。
type LedgerConfig struct {
	Driver              string `json:"driver"`
	ChainConfig         string `json:"chain_config"`
	DefaultChain        string `json:"default_chain"`
	RPCURL              string `json:"rpc_url"`
	ContractAddress     string `json:"contract_address"`
	ChainID             int64  `json:"chain_id"`
	Confirmations       uint64 `json:"confirmations"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// PollInterval 返回回执轮询间隔。
func (c LedgerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StorageConfig 描述评分任务记录的持久化方式。
type StorageConfig struct {
	OperationStore OperationStoreConfig `json:"operation_store"`
}

// OperationStoreConfig 支持 memory 与 mysql 两种驱动。
type OperationStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述评分任务队列。Driver 支持 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	RedactKeys  []string    `json:"redact_keys"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ObservabilityConfig 汇总指标与告警配置。
type ObservabilityConfig struct {
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 列出告警渠道的 Webhook 地址。
type AlertingConfig struct {
	WebhookURL  string `json:"webhook_url"`
	DingTalkURL string `json:"dingtalk_url"`
	SlackURL    string `json:"slack_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件并叠加环境变量。
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

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖敏感字段，密钥不应写在配置文件中。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvWalletKey)); v != "" {
		c.Wallet.PrivateKey = v
	}
	if v := getenv(EnvWalletPassphrase); v != "" {
		c.Wallet.Passphrase = v
	}
	if v := getenv(EnvJWTSecret); v != "" {
		c.Server.JWTSecret = v
	}
	if v := getenv(EnvOperatorSecret); v != "" {
		c.Server.OperatorSecret = v
	}
	if v := getenv(EnvIPFSSecret); v != "" {
		c.Anchor.IPFS.Secret = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Anchor.Redis.Password = v
		c.Queue.Redis.Password = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.JWTIssuer == "" {
		c.Server.JWTIssuer = "trustnetd"
	}

	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 3600
	}

	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 60
	}
	if c.Oracle.MaxAttempts <= 0 {
		c.Oracle.MaxAttempts = 2
	}
	if c.Oracle.ReplayWindowSeconds <= 0 {
		c.Oracle.ReplayWindowSeconds = 300
	}

	if c.Anchor.Driver == "" {
		c.Anchor.Driver = "memory"
	}
	if c.Anchor.IPFS.TimeoutSeconds <= 0 {
		c.Anchor.IPFS.TimeoutSeconds = 30
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "evm"
	}
	if c.Ledger.Confirmations == 0 {
		c.Ledger.Confirmations = 1
	}
	if c.Ledger.PollIntervalSeconds <= 0 {
		c.Ledger.PollIntervalSeconds = 2
	}
	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}

	if c.Storage.OperationStore.Driver == "" {
		c.Storage.OperationStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Wallet.KeystorePath != "" && !filepath.IsAbs(c.Wallet.KeystorePath) {
		c.Wallet.KeystorePath = filepath.Join(baseDir, c.Wallet.KeystorePath)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查启动所必需的字段。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Oracle.BaseURL) == "" {
		errs = append(errs, errors.New("oracle.base_url 不能为空"))
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.KeystorePath == "" {
		errs = append(errs, errors.New("需要配置 wallet.private_key 或 wallet.keystore_path"))
	}
	if strings.TrimSpace(c.Server.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("未配置 JWT 密钥，请设置 %s", EnvJWTSecret))
	}
	if strings.TrimSpace(c.Server.OperatorSecret) == "" {
		errs = append(errs, fmt.Errorf("未配置运维凭证，请设置 %s", EnvOperatorSecret))
	}
	switch c.Ledger.Driver {
	case "evm":
		if c.Ledger.ChainConfig == "" && (c.Ledger.RPCURL == "" || c.Ledger.ContractAddress == "") {
			errs = append(errs, errors.New("ledger 需要 chain_config 或 rpc_url 与 contract_address"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver))
	}
	switch c.Anchor.Driver {
	case "memory", "redis", "ipfs":
	default:
		errs = append(errs, fmt.Errorf("未知的锚定存储驱动: %s", c.Anchor.Driver))
	}
	return errors.Join(errs...)
}
