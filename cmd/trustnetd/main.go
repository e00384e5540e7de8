package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TrustNet-Chain/internal/anchor"
	"TrustNet-Chain/internal/api"
	"TrustNet-Chain/internal/auth"
	"TrustNet-Chain/internal/config"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/ledger/provider"
	"TrustNet-Chain/internal/observability/alerting"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/internal/operation"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/reference"
	"TrustNet-Chain/internal/scoring"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/storage/mysql"
	"TrustNet-Chain/internal/trust"
	"TrustNet-Chain/internal/wallet"
	"TrustNet-Chain/pkg/logger"
)

// main 是 TrustNet 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("trustnetd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TRUSTNET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "trustnet.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		RedactKeys:  cfg.Logging.RedactKeys,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	logs := logger.Named("trustnetd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Observability.Metrics.Enabled {
		m = metrics.New()
		if addr := cfg.Observability.Metrics.Address; addr != "" {
			go func() {
				if err := m.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
					logs.Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	// 先用配置的链 ID 加载密钥，链注册表完成后再对齐实际链 ID。
	configuredChain := big.NewInt(cfg.Ledger.ChainID)
	if configuredChain.Sign() <= 0 {
		configuredChain = big.NewInt(1337)
	}
	handle, err := loadHandle(cfg.Wallet, configuredChain)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Ledger, provider.Options{Owner: handle.Address()})
	if err != nil {
		return err
	}
	defer registry.Close()
	chain, err := registry.Default()
	if err != nil {
		return err
	}
	if chain.ChainID.Cmp(configuredChain) != 0 {
		handle.SwitchChain(chain.ChainID)
	}

	guard := wallet.NewGuard()
	authn := session.NewAuthenticator(session.Config{ChainID: chain.ChainID, TTL: cfg.Session.TTL()}, guard)
	go authn.Watch(ctx, handle)

	ledgerClient := ledger.NewClient(chain.Contract, guard,
		ledger.WithPollInterval(cfg.Ledger.PollInterval()),
		ledger.WithConfirmations(chain.Confirmations),
		ledger.WithMetrics(m),
	)

	submitter := oracle.New(oracle.Config{
		BaseURL:      cfg.Oracle.BaseURL,
		Timeout:      cfg.Oracle.Timeout(),
		MaxAttempts:  cfg.Oracle.MaxAttempts,
		ReplayWindow: cfg.Oracle.ReplayWindow(),
	}, guard, oracle.WithMetrics(m))

	store, err := openAnchor(ctx, cfg.Anchor)
	if err != nil {
		return err
	}
	store = anchor.Instrument(store, cfg.Anchor.Driver, m)

	aggregator := scoring.NewAggregator(submitter, store, ledgerClient, scoring.WithMetrics(m))
	book := reference.NewBook(ledgerClient, store)

	opStore, err := openOperationStore(ctx, cfg.Storage.OperationStore)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = opStore.Close()
		return err
	}

	service := operation.NewService(opStore, queue)
	defer func() {
		if err := service.Close(); err != nil {
			logs.Warn("关闭操作服务失败", slog.Any("error", err))
		}
	}()

	alerts := alerting.FromURLs(
		cfg.Observability.Alerting.WebhookURL,
		cfg.Observability.Alerting.DingTalkURL,
		cfg.Observability.Alerting.SlackURL,
	)
	procOpts := []operation.ProcessorOption{
		operation.WithWorkerCount(cfg.Queue.Workers),
		operation.WithProcessorMetrics(m),
	}
	if alerts.Len() > 0 {
		procOpts = append(procOpts, operation.WithAlertDispatcher(alerts))
	}
	processor := operation.NewProcessor(service, queue, procOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logs.Error("操作处理器异常退出", slog.Any("error", err))
		}
	}()

	tokens, err := auth.NewService(auth.Config{Secret: cfg.Server.JWTSecret, Issuer: cfg.Server.JWTIssuer}, authn)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Sessions:       authn,
		Handle:         handle,
		Tokens:         tokens,
		OperatorSecret: cfg.Server.OperatorSecret,
		State:          trust.NewView(authn, ledgerClient, trust.WithTracker(service)),
		Actions:        operation.NewRunner(service, aggregator, book),
		Operations:     service,
		Profiles:       ledgerClient,
		Metrics:        m,
		Health:         submitter.Health,
	})

	logs.Info("trustnetd 已就绪",
		slog.String("chain", chain.Name),
		slog.String("chain_id", chain.ChainID.String()),
		slog.String("address", handle.Address().Hex()),
		slog.String("anchor", cfg.Anchor.Driver),
		slog.String("queue", cfg.Queue.Driver))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadHandle(cfg config.WalletConfig, chainID *big.Int) (*wallet.KeyHandle, error) {
	if cfg.PrivateKey != "" {
		return wallet.FromHex(cfg.PrivateKey, chainID, wallet.WithApprover(wallet.AutoApprove))
	}
	return wallet.FromKeystore(cfg.KeystorePath, cfg.Passphrase, chainID, wallet.WithApprover(wallet.AutoApprove))
}

func openAnchor(ctx context.Context, cfg config.AnchorConfig) (anchor.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return anchor.NewMemoryStore(), nil
	case "redis":
		return anchor.NewRedisStore(ctx, anchor.RedisConfig{
			Addr:     cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "ipfs":
		return anchor.NewIPFSStore(anchor.IPFSConfig{
			APIURL:    cfg.IPFS.APIURL,
			ProjectID: cfg.IPFS.ProjectID,
			Secret:    cfg.IPFS.Secret,
			Timeout:   time.Duration(cfg.IPFS.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的锚定存储驱动: %s", cfg.Driver)
	}
}

func openOperationStore(ctx context.Context, cfg config.OperationStoreConfig) (operation.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return operation.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewOperationStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的操作存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (operation.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return operation.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return operation.NewRedisQueue(ctx, operation.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return operation.NewRabbitMQQueue(operation.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
