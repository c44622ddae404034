package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"DocFlow-Chain/internal/api"
	"DocFlow-Chain/internal/chain"
	"DocFlow-Chain/internal/config"
	"DocFlow-Chain/internal/engine"
	"DocFlow-Chain/internal/intent"
	"DocFlow-Chain/internal/node"
	"DocFlow-Chain/internal/observability/alerting"
	"DocFlow-Chain/internal/observability/metrics"
	"DocFlow-Chain/internal/session"
	mysqlstore "DocFlow-Chain/internal/storage/mysql"
	redisstore "DocFlow-Chain/internal/storage/redis"
	"DocFlow-Chain/internal/token"
	"DocFlow-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// main 是 DocFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("docflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("DOCFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "docflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 会话镜像与生命周期事件发布。
	registryOpts, cleanup, err := buildRegistryOptions(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	store := session.NewRegistry(registryOpts...)
	defer store.Close()

	// 远端工作流执行节点。
	nodeClient, err := node.NewClient(cfg.Node.BaseURL, &http.Client{
		Timeout: config.Duration(cfg.Node.Timeout, node.DefaultHTTPTimeout),
	})
	if err != nil {
		return err
	}

	// 链上只读客户端，用于授权 nonce 与结算事件确认。
	chainClient, err := buildChainClient(ctx, cfg)
	if err != nil {
		return err
	}
	var nonces intent.NonceSource
	var confirmer engine.EventConfirmer
	if chainClient != nil {
		defer chainClient.Close()
		nonces = chainClient
		confirmer = chain.NewConfirmer(chainClient, nil)
	}

	// 意图签名私钥只从环境变量读取。
	rawKey := strings.TrimSpace(os.Getenv(cfg.Intent.PrivateKeyEnv))
	if rawKey == "" {
		return fmt.Errorf("环境变量 %s 未提供意图签名私钥", cfg.Intent.PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
	if err != nil {
		return fmt.Errorf("解析意图签名私钥失败: %w", err)
	}

	intents, err := intent.NewBuilder(intent.Config{
		Target:            common.HexToAddress(cfg.Intent.Target),
		Delegate:          common.HexToAddress(cfg.Intent.Delegate),
		FunctionSignature: cfg.Intent.FunctionSignature,
		ExecutorFallback:  common.HexToAddress(cfg.Intent.ExecutorFallback),
		TTL:               config.Duration(cfg.Intent.TTL, 0),
	}, key, nodeClient, nonces)
	if err != nil {
		return err
	}

	secret := strings.TrimSpace(os.Getenv(cfg.Token.SecretEnv))
	issuer, err := token.NewIssuer(secret, config.Duration(cfg.Token.TTL, token.DefaultTTL))
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Contract:        common.HexToAddress(cfg.Chain.Contract),
		EventSignature:  cfg.Chain.EventSignature,
		PollInterval:    config.Duration(cfg.Workflow.PollInterval, 0),
		PollTimeout:     config.Duration(cfg.Workflow.PollTimeout, 0),
		ConfirmInterval: config.Duration(cfg.Workflow.ConfirmInterval, 0),
		ConfirmTimeout:  config.Duration(cfg.Workflow.ConfirmTimeout, 0),
		LookbackBlocks:  cfg.Chain.LookbackBlocks,
		StoragePrefix:   cfg.Workflow.StoragePrefix,
		SessionTTL:      config.Duration(cfg.Workflow.SessionTTL, 0),
	}, store, nodeClient, intents, confirmer, issuer,
		engine.WithAlertDispatcher(alerting.NewFanout(alerting.LogNotifier{})),
	)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && err != context.Canceled {
				log.Printf("指标服务退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, eng)
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// buildRegistryOptions 按配置挂载会话镜像与事件发布器，返回的清理
// 函数只负责注册表之外未被接管的资源。
func buildRegistryOptions(ctx context.Context, cfg *config.Config) ([]session.RegistryOption, func(), error) {
	var opts []session.RegistryOption
	cleanup := func() {}

	switch cfg.Storage.SessionMirror.Driver {
	case "", "memory":
		// 纯内存运行，不挂镜像。
	case "mysql":
		mirror, err := mysqlstore.NewSessionMirror(ctx, mysqlstore.Config{
			DSN: cfg.Storage.SessionMirror.DSN,
		})
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, session.WithMirror(mirror))
	case "redis":
		mirror, err := redisstore.NewSessionMirror(redisstore.Config{
			Address:   cfg.Storage.SessionMirror.Address,
			Password:  cfg.Storage.SessionMirror.Password,
			DB:        cfg.Storage.SessionMirror.DB,
			KeyPrefix: cfg.Storage.SessionMirror.KeyPrefix,
			TTL:       config.Duration(cfg.Storage.SessionMirror.TTL, 0),
		})
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, session.WithMirror(mirror))
	default:
		return nil, cleanup, fmt.Errorf("未知的会话镜像驱动: %s", cfg.Storage.SessionMirror.Driver)
	}

	if cfg.Events.RabbitMQ.URL != "" {
		publisher, err := session.NewRabbitMQPublisher(session.RabbitMQConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.RabbitMQ.Queue,
			Durable: cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, session.WithPublisher(publisher))
	}

	return opts, cleanup, nil
}

// buildChainClient 解析 RPC 地址并建立只读链客户端。未配置链时返回
// nil，nonce 与事件确认都退化为本地兜底策略。
func buildChainClient(ctx context.Context, cfg *config.Config) (*chain.Client, error) {
	rpcURL := strings.TrimSpace(cfg.Chain.RPCURL)
	if rpcURL == "" && cfg.Chain.Name != "" {
		defs, err := chain.LoadDefinitions(cfg.Chain.ChainsFile)
		if err != nil {
			return nil, err
		}
		def, err := defs.Resolve(cfg.Chain.Name)
		if err != nil {
			return nil, err
		}
		rpcURL = def.RPCURL
	}
	if rpcURL == "" {
		return nil, nil
	}
	return chain.NewClient(ctx, chain.Config{Name: cfg.Chain.Name, RPCURL: rpcURL})
}
