package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/archive"
	"github.com/betbot/gotrader/internal/exchange"
	"github.com/betbot/gotrader/internal/execution"
	"github.com/betbot/gotrader/internal/metrics"
	"github.com/betbot/gotrader/internal/ops"
	"github.com/betbot/gotrader/internal/ports"
	"github.com/betbot/gotrader/internal/reconcile"
	"github.com/betbot/gotrader/internal/risk"
	"github.com/betbot/gotrader/internal/services"
	"github.com/betbot/gotrader/internal/store"
	"github.com/betbot/gotrader/pkg/config"
	"github.com/betbot/gotrader/pkg/logger"
	"github.com/betbot/gotrader/pkg/secretstore"
)

// 编译期校验：交易所网关同时满足各层的能力接口
var (
	_ ports.MarketData   = (*exchange.Client)(nil)
	_ ports.AccountData  = (*exchange.Client)(nil)
	_ ports.OrderGateway = (*exchange.Client)(nil)
	_ ports.OrderLookup  = (*exchange.Client)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "配置文件路径（yaml/json，空=缺省配置+环境变量）")
	dryRun := flag.Bool("dry-run", false, "不触达交易所，订单以模拟受理入账")
	flag.Parse()

	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dryRun {
		cfg.DryRun = true
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
		JSONFormat: cfg.LogJSON,
	}); err != nil {
		return err
	}
	log := logrus.WithField("component", "main")

	creds, err := loadCredentials(cfg)
	if err != nil {
		return err
	}
	if creds.Empty() && !cfg.DryRun {
		log.Warn("未配置交易所凭证，只能访问公共端点")
	}

	gateway := exchange.NewClient(exchange.Config{
		BaseURL:          cfg.Exchange.BaseURL,
		Credentials:      creds,
		RequestTimeout:   cfg.Exchange.RequestTimeout.Duration,
		MaxRetries:       cfg.Exchange.MaxRetries,
		RetryBase:        cfg.Exchange.RetryBase.Duration,
		PublicPerSecond:  cfg.Exchange.PublicPerSecond,
		PrivatePerSecond: cfg.Exchange.PrivatePerSecond,
		OnRequestEvent: func(ev exchange.RequestEvent) {
			metrics.GatewayRequests.Add(1)
			if ev.Attempt > 0 {
				metrics.GatewayRetries.Add(1)
			}
			if !ev.OK {
				metrics.GatewayErrors.Add(1)
			}
		},
	})

	st, err := store.Open(cfg.StatePath, store.DefaultOptions())
	if err != nil {
		return err
	}

	var archiveStore *archive.Store
	if cfg.ArchivePath != "" {
		archiveStore, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer archiveStore.Close()
	}

	engine := execution.NewEngine(gateway, st, cfg.DryRun)
	reconciler := reconcile.NewService(gateway, st, reconcile.DefaultOptions())

	trading := services.NewTradingService(st, engine, reconciler, gateway,
		risk.Limits{
			MaxOpenOrders:       cfg.Risk.MaxOpenOrders,
			MaxOpenOrdersMarket: cfg.Risk.MaxOpenOrdersMarket,
			MinNotional:         cfg.Risk.MinNotional,
			MaxNotional:         cfg.Risk.MaxNotional,
			MaxExposure:         cfg.Risk.MaxExposure,
			DailyLossLimit:      cfg.Risk.DailyLossLimit,
		},
		risk.BreakerConfig{
			FailureThreshold: cfg.Risk.BreakerFailures,
			Window:           cfg.Risk.BreakerWindow.Duration,
		},
		services.RecoveryPolicy{},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 启动即对账：上个进程可能留下结果不明的订单
	if r := trading.Reconcile(ctx); !r.OK {
		log.Warnf("启动对账未完全解决: %s", r.Err)
	}

	var archiver services.Archiver
	if archiveStore != nil {
		archiver = archiveStore
	}
	scheduler := services.NewScheduler(trading, st, archiver, services.SchedulerConfig{
		ReconcileInterval: cfg.Scheduler.ReconcileInterval.Duration,
		SnapshotInterval:  cfg.Scheduler.SnapshotInterval.Duration,
		RetentionInterval: cfg.Scheduler.RetentionInterval.Duration,
		RetainTerminalFor: cfg.Scheduler.RetainTerminalFor.Duration,
	})
	scheduler.Start(ctx)

	if cfg.OpsListen != "" {
		opsServer := ops.NewServer(trading, archiveStore)
		if _, err := opsServer.StartAsync(ctx, cfg.OpsListen); err != nil {
			return err
		}
		log.Infof("ops 端点: http://%s/api/status", cfg.OpsListen)
	}
	if cfg.DebugListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.DebugListen); err != nil {
			return err
		}
		log.Infof("debug 端点: http://%s/debug/vars", cfg.DebugListen)
	}

	log.Infof("gotrader 已启动 state=%s dryRun=%v", cfg.StatePath, cfg.DryRun)
	<-ctx.Done()

	log.Info("收到退出信号，等待后台任务结束")
	scheduler.Wait()
	return nil
}

// loadCredentials 先查加密凭证库（secretsPath），再回退到配置/环境变量。
func loadCredentials(cfg config.Config) (exchange.Credentials, error) {
	if cfg.SecretsPath != "" {
		key, err := secretstore.ParseKey(os.Getenv("GOTRADER_SECRETS_KEY"))
		if err != nil {
			return exchange.Credentials{}, err
		}
		ss, err := secretstore.Open(secretstore.OpenOptions{
			Path:          cfg.SecretsPath,
			EncryptionKey: key,
			ReadOnly:      true,
		})
		if err != nil {
			return exchange.Credentials{}, err
		}
		defer ss.Close()
		creds, found, err := ss.LoadCredentials()
		if err != nil {
			return exchange.Credentials{}, err
		}
		if found {
			return exchange.Credentials{AccessKey: creds.AccessKey, SecretKey: creds.SecretKey}, nil
		}
	}
	return exchange.Credentials{
		AccessKey: cfg.Exchange.AccessKey,
		SecretKey: cfg.Exchange.SecretKey,
	}, nil
}
