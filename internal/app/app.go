// Package app 提供 eidos-bridge 服务的应用生命周期管理
//
// ========================================
// eidos-bridge 服务说明
// ========================================
//
// ## 服务职责
// 监听 L3 BridgeIntent 事件, 在 L2 调用 redeem 释放对应资产。
//
// ## 链上依赖
// - L3: BridgeIntent(uint256 indexed tokenId, address indexed owner, bytes32 indexed dest)
// - L2: redeem(bytes32,uint256,address), consumedIntents(bytes32)
//
// ## 去重账本 (ledger.driver)
// - memory: 进程内, 重启后丢失 (默认)
// - redis: Hash 存储, 跨重启保留
// - postgres: bridge_relay_attempts 表
//
// ## Kafka (可选)
// - 生产 Topic: bridge-redeem-outcomes
//
// ## 端口
// - gRPC: 健康检查 (grpc.health.v1)
// - HTTP: /metrics /health /status /attempt
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/bridge"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/config"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/ledger"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/service"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/middleware"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	sourceClient *blockchain.Client
	destClient   *blockchain.Client
	nonceManager *blockchain.NonceManager

	// 中继
	ledger   ledger.Ledger
	relaySvc *service.RelayService

	// Kafka
	kafkaProducer *kafka.Producer
	publisher     service.OutcomePublisher

	// 服务端
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server

	// 运行控制
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initLedger(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init ledger: %w", err)
	}

	if err := app.initKafka(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initRelay(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init relay: %w", err)
	}

	app.initServers()

	return app, nil
}

// initInfrastructure 初始化基础设施
// 只连接配置所需的组件
func (a *App) initInfrastructure() error {
	if a.cfg.Ledger.Driver == ledger.DriverPostgres {
		db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
		sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

		a.db = db
		logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

		if err := repository.Migrate(a.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}

	if a.cfg.Redis.Enabled() {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    a.cfg.Redis.Addresses,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}

		logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	}

	return nil
}

// initLedger 初始化去重账本
func (a *App) initLedger() error {
	switch a.cfg.Ledger.Driver {
	case ledger.DriverMemory:
		a.ledger = ledger.NewMemoryLedger()
	case ledger.DriverRedis:
		if a.redis == nil {
			return fmt.Errorf("%w: redis not configured", ledger.ErrUnknownDriver)
		}
		a.ledger = ledger.NewRedisLedger(a.redis, a.cfg.Ledger.KeyPrefix)
	case ledger.DriverPostgres:
		a.ledger = ledger.NewRepositoryLedger(repository.NewAttemptRepository(a.db))
	default:
		return fmt.Errorf("%w: %s", ledger.ErrUnknownDriver, a.cfg.Ledger.Driver)
	}

	logger.Info("ledger initialized", zap.String("driver", a.cfg.Ledger.Driver))
	return nil
}

// initKafka 初始化 Kafka 结果通知
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		Topic:    a.cfg.Kafka.Topic,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.publisher = producer

	logger.Info("kafka initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("topic", a.cfg.Kafka.Topic))
	return nil
}

// initRelay 初始化链客户端, 合约和中继服务
func (a *App) initRelay() error {
	src, dst := a.cfg.Source, a.cfg.Destination

	sourceClient, err := blockchain.NewClient(&blockchain.ClientConfig{
		Name:            "l3",
		ChainID:         src.ChainID,
		RPCURLs:         append([]string{src.RPCURL}, src.BackupRPCURLs...),
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create source client: %w", err)
	}
	a.sourceClient = sourceClient

	destClient, err := blockchain.NewClient(&blockchain.ClientConfig{
		Name:            "l2",
		ChainID:         dst.ChainID,
		PrivateKey:      dst.PrivateKey,
		RPCURLs:         append([]string{dst.RPCURL}, dst.BackupRPCURLs...),
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create destination client: %w", err)
	}
	a.destClient = destClient

	sourceBridge, err := contract.NewSourceBridge(common.HexToAddress(src.ContractAddress))
	if err != nil {
		return err
	}
	destBridge, err := contract.NewDestinationBridge(common.HexToAddress(dst.ContractAddress), destClient)
	if err != nil {
		return err
	}

	var nonces bridge.NonceAllocator
	if a.redis != nil {
		a.nonceManager = blockchain.NewNonceManager(destClient, a.redis, &blockchain.NonceManagerConfig{
			Wallet:    destClient.Address(),
			ChainID:   destClient.ChainID(),
			KeyPrefix: a.cfg.Ledger.KeyPrefix,
		})
		nonces = a.nonceManager
	} else {
		nonces = blockchain.NewChainNonceManager(destClient, destClient.Address())
	}

	gasEstimator := contract.NewGasEstimator(&contract.GasEstimatorConfig{
		MaxGasPrice:      new(big.Int).Mul(big.NewInt(dst.MaxGasPriceGwei), big.NewInt(1_000_000_000)),
		BaseGasForRedeem: dst.GasLimit,
	}, destClient)

	gateway := bridge.NewChainGateway(destClient, destBridge, gasEstimator, nonces, &bridge.GatewayConfig{
		Confirmations:       dst.Confirmations,
		ReceiptPollInterval: dst.ReceiptPollInterval(),
		ReceiptTimeout:      dst.ReceiptTimeout(),
	})

	source := bridge.NewChainEventSource(sourceClient, sourceBridge, &bridge.SourceConfig{
		MaxBlockRange: src.MaxBlockRange,
		PollInterval:  src.PollInterval(),
	})

	a.relaySvc = service.NewRelayService(source, gateway, a.ledger, a.publisher, &service.RelayServiceConfig{
		BackfillWindow:      src.BackfillWindow,
		ResubscribeInterval: src.ResubscribeInterval(),
		RelayerAddress:      destClient.Address(),
	})

	logger.Info("relayer starting",
		zap.String("relayer", destClient.Address().Hex()),
		zap.Int64("source_chain_id", sourceClient.ChainID()),
		zap.Int64("destination_chain_id", destClient.ChainID()),
		zap.String("source_contract", sourceBridge.Address().Hex()),
		zap.String("destination_contract", dst.ContractAddress))

	return nil
}

// initServers 初始化 gRPC 健康检查和 HTTP 服务
func (a *App) initServers() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.RecoveryUnaryServerInterceptor(),
			middleware.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.RecoveryStreamServerInterceptor(),
			middleware.StreamServerInterceptor(),
		),
	)
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !a.relaySvc.IsRunning() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT RUNNING"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	status := &statusHandler{
		relay:       a.relaySvc,
		ledger:      a.ledger,
		source:      a.sourceClient,
		destination: a.destClient,
	}
	if a.nonceManager != nil {
		status.nonces = a.nonceManager
	}
	mux.HandleFunc("/status", status.serveStatus)
	mux.HandleFunc("/attempt", status.serveAttempt)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Run 运行应用, 直到收到退出信号
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		a.shutdown()
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	started, err := a.startRelay(ctx, sigCh)
	if err != nil {
		a.shutdown()
		return err
	}
	if !started {
		return a.shutdown()
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// startRelay 启动中继, 回扫期间收到退出信号时中止启动
// 返回 false, nil 表示启动被中止, 调用方直接关闭
func (a *App) startRelay(ctx context.Context, sigCh <-chan os.Signal) (bool, error) {
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.relaySvc.Start(startCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("failed to start relayer: %w", err)
		}
		return true, nil
	case sig := <-sigCh:
		logger.Info("received shutdown signal during startup", zap.String("signal", sig.String()))
	case <-a.stopCh:
		logger.Info("shutdown requested during startup")
	}

	// 进行中的 redeem 会完成, 剩余回扫事件留给下次启动
	cancel()
	if err := <-done; err != nil && !errors.Is(err, service.ErrStartAborted) {
		return false, fmt.Errorf("failed to start relayer: %w", err)
	}
	return false, nil
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	if a.healthServer != nil {
		a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	// 等待正在处理的 intent 完成
	if a.relaySvc != nil {
		a.relaySvc.Stop()
	}

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.httpServer.Shutdown(ctx)
		cancel()
	}

	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	if a.sourceClient != nil {
		a.sourceClient.Close()
	}
	if a.destClient != nil {
		a.destClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 请求停止应用
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
