package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"SafeTx-Relay/internal/api"
	"SafeTx-Relay/internal/auth"
	"SafeTx-Relay/internal/config"
	"SafeTx-Relay/internal/observability/alerting"
	"SafeTx-Relay/internal/observability/metrics"
	"SafeTx-Relay/internal/safe"
	"SafeTx-Relay/internal/safe/gas"
	"SafeTx-Relay/internal/safe/multisig"
	"SafeTx-Relay/internal/storage/mysql"
	"SafeTx-Relay/internal/storage/redis"
	"SafeTx-Relay/internal/task"
	"SafeTx-Relay/internal/web3/provider"
	"SafeTx-Relay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// main 是 Safe 交易中继守护进程的入口。
func main() {
	configPath := flag.String("config", os.Getenv("SAFERELAY_CONFIG"), "配置文件路径 (YAML/JSON)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("saferelayd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("saferelayd")

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	lg.Info("链客户端已就绪", slog.Any("chains", chains.Chains()), slog.String("default", chains.DefaultChain()))

	safeCfg, closeSigners, err := buildSafeConfig(ctx, cfg.Safe)
	if err != nil {
		return err
	}
	defer closeSigners()

	var redisClient *goredis.Client
	if cfg.Queue.Driver == "redis" || cfg.Queue.Lock.Driver == "redis" {
		redisClient, err = redis.Open(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	store, err := openStore(ctx, cfg.Storage.JobStore)
	if err != nil {
		return err
	}

	queue, err := openQueue(cfg.Queue, redisClient)
	if err != nil {
		_ = store.Close()
		return err
	}

	var locker task.Locker = task.NewMemoryLocker()
	if cfg.Queue.Lock.Driver == "redis" {
		if locker, err = redis.NewLocker(redisClient, redis.WithTTL(cfg.Queue.Lock.TTL)); err != nil {
			_ = queue.Close()
			_ = store.Close()
			return err
		}
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, cfg.Alerting.Timeout))
	}

	service := task.NewService(store, queue,
		task.WithMaxRetries(cfg.Safe.MaxRetries),
		task.WithChainResolver(chains),
	)
	defer service.Close()

	processor := task.NewProcessor(
		task.NewBuilderExecutor(chains, safeCfg),
		store, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithLocker(locker),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	recovered, err := processor.Recover(ctx, 2*cfg.Web3.ReceiptTimeout)
	if err != nil {
		return err
	}
	if recovered > 0 {
		lg.Info("已重新投递未完成的任务", slog.Int("count", recovered))
	}

	guard := auth.NewGuard(cfg.Server.APITokens)
	if !guard.Enabled() {
		lg.Warn("未配置 server.api_tokens，API 不做认证")
	}
	apiOpts := []api.Option{
		api.WithChains(chains, cfg.Safe.DomainChainID),
		api.WithAuth(guard),
	}
	if cfg.Server.MetricsAddress == "" {
		apiOpts = append(apiOpts, api.WithMetricsEndpoint())
	}
	server := api.NewServer(cfg.Server.Address, service, apiOpts...)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return processor.Start(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Server.MetricsAddress) })
	}
	return group.Wait()
}

func openStore(ctx context.Context, cfg config.JobStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			Migrate:         cfg.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return task.NewMySQLStore(db)
	default:
		return task.NewMemoryStore(), nil
	}
}

func openQueue(cfg config.QueueConfig, client *goredis.Client) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(client, task.RedisQueueConfig{Key: cfg.RedisKey})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return task.NewMemoryQueue(cfg.Buffer), nil
	}
}

// buildSafeConfig 从环境变量加载签名私钥与中继账户，私钥本身不写入配置文件。
func buildSafeConfig(ctx context.Context, cfg config.SafeConfig) (safe.Config, func(), error) {
	out := safe.Config{
		DomainChainID:  cfg.DomainChainID,
		VerifyOnChain:  cfg.VerifyOnChain,
		MaxReestimates: cfg.MaxReestimates,
		Gas: gas.Config{
			Strategy:     gas.Strategy(cfg.GasStrategy),
			SafetyMargin: cfg.SafetyMargin,
			Ladder:       cfg.Ladder,
		},
	}
	var remotes []*multisig.RemoteSigner
	closeAll := func() {
		for _, r := range remotes {
			r.Close()
		}
	}

	for _, env := range cfg.SignerKeyEnvs {
		key := strings.TrimSpace(os.Getenv(env))
		if key == "" {
			closeAll()
			return safe.Config{}, func() {}, fmt.Errorf("环境变量 %s 未设置签名私钥", env)
		}
		signer, err := multisig.ParseKeySigner(key)
		if err != nil {
			closeAll()
			return safe.Config{}, func() {}, fmt.Errorf("解析 %s 失败: %w", env, err)
		}
		out.Signers = append(out.Signers, signer)
	}
	for _, remote := range cfg.RemoteSigners {
		if !common.IsHexAddress(remote.Address) {
			closeAll()
			return safe.Config{}, func() {}, fmt.Errorf("远程签名者地址无效: %s", remote.Address)
		}
		signer, err := multisig.DialRemoteSigner(ctx, remote.URL, common.HexToAddress(remote.Address))
		if err != nil {
			closeAll()
			return safe.Config{}, func() {}, fmt.Errorf("连接远程签名者 %s 失败: %w", remote.URL, err)
		}
		remotes = append(remotes, signer)
		out.Signers = append(out.Signers, signer)
	}

	if key := strings.TrimSpace(os.Getenv(cfg.RelayerKeyEnv)); key != "" {
		relayer, err := safe.ParseKeyRelayer(key)
		if err != nil {
			closeAll()
			return safe.Config{}, func() {}, fmt.Errorf("解析中继账户私钥失败: %w", err)
		}
		out.Relayer = relayer
	}
	if raw := strings.TrimSpace(cfg.RelayGasPrice); raw != "" {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok || price.Sign() < 0 {
			closeAll()
			return safe.Config{}, func() {}, fmt.Errorf("relay_gas_price 无效: %s", raw)
		}
		out.RelayGasPrice = price
	}
	return out, closeAll, nil
}
