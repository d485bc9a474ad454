package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
)

var (
	ErrNoHealthyRPC       = errors.New("no healthy RPC endpoint available")
	ErrInsufficientFunds  = errors.New("insufficient funds for gas")
	ErrNonceTooLow        = errors.New("nonce too low")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrChainIDMismatch    = errors.New("chain id mismatch")
	ErrPrivateKeyRequired = errors.New("private key not configured")
)

// endpoint RPC 端点运行状态, 由 Client.mu 保护
type endpoint struct {
	url       string
	healthy   bool
	latency   time.Duration
	lastBlock uint64
	failures  int
	checkedAt time.Time
}

// EndpointStatus 端点状态快照
type EndpointStatus struct {
	URL       string        `json:"url"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	LastBlock uint64        `json:"last_block"`
	Failures  int           `json:"failures"`
}

// Client 区块链客户端, 多 RPC 端点故障切换
type Client struct {
	name       string
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	mu        sync.RWMutex
	endpoints []*endpoint
	active    int
	eth       *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Name            string // l3 / l2, 仅用于日志
	ChainID         int64  // 0 表示使用节点返回的链 ID
	PrivateKey      string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端并连接第一个可用端点
func NewClient(cfg *ClientConfig) (*Client, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := c.dial(context.Background()); err != nil {
		// chain_id 已知时允许节点暂不可达, 之后的调用重新拨号
		if !errors.Is(err, ErrNoHealthyRPC) || c.chainID == 0 {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		logger.Warn("rpc endpoints unreachable, will retry on demand",
			zap.String("chain", c.name),
			zap.Error(err))
	}

	return c, nil
}

func newClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	c := &Client{
		name:            cfg.Name,
		chainID:         cfg.ChainID,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		healthCheckFreq: cfg.HealthCheckFreq,
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.retryInterval == 0 {
		c.retryInterval = time.Second
	}
	if c.healthCheckFreq == 0 {
		c.healthCheckFreq = 30 * time.Second
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	for _, url := range cfg.RPCURLs {
		c.endpoints = append(c.endpoints, &endpoint{url: url, healthy: true})
	}

	return c, nil
}

// dial 从当前端点开始依次尝试, 跳过冷却期内的故障端点
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.active + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.healthy && time.Since(ep.checkedAt) < c.healthCheckFreq {
			continue
		}

		started := time.Now()
		eth, err := ethclient.DialContext(ctx, ep.url)
		if err != nil {
			ep.fail()
			continue
		}

		remoteID, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			ep.fail()
			continue
		}
		switch {
		case c.chainID == 0:
			c.chainID = remoteID.Int64()
		case remoteID.Int64() != c.chainID:
			eth.Close()
			return fmt.Errorf("%w: endpoint %s reports %s, want %d", ErrChainIDMismatch, ep.url, remoteID, c.chainID)
		}

		if c.eth != nil {
			c.eth.Close()
		}
		c.eth = eth
		c.active = idx
		ep.healthy = true
		ep.failures = 0
		ep.latency = time.Since(started)
		ep.checkedAt = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

func (ep *endpoint) fail() {
	ep.healthy = false
	ep.failures++
	ep.checkedAt = time.Now()
}

// conn 返回当前连接, 断开时重新拨号
func (c *Client) conn(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	eth := c.eth
	c.mu.RUnlock()
	if eth != nil {
		return eth, nil
	}

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eth, nil
}

// failover 标记当前端点故障并断开, 下次调用切换端点
func (c *Client) failover(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpoints[c.active]
	ep.fail()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.active = (c.active + 1) % len(c.endpoints)

	logger.Warn("rpc endpoint failed",
		zap.String("chain", c.name),
		zap.String("url", ep.url),
		zap.Int("failures", ep.failures),
		zap.Error(cause))
}

// withRetry 传输错误时切换端点重试
// 节点返回的 JSON-RPC 错误 (revert, nonce 等) 直接返回
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	_ = retry.Retry(func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return nil
		}

		eth, err := c.conn(ctx)
		if err != nil {
			lastErr = err
			return err
		}

		lastErr = fn(eth)
		if !IsTransportError(lastErr) {
			return nil
		}

		c.failover(lastErr)
		return lastErr
	}, strategy.Limit(uint(c.maxRetries)), strategy.Wait(c.retryInterval))

	return lastErr
}

// call 带重试的单值调用
func call[T any](ctx context.Context, c *Client, fn func(*ethclient.Client) (T, error)) (T, error) {
	var result T
	err := c.withRetry(ctx, func(eth *ethclient.Client) error {
		var err error
		result, err = fn(eth)
		return err
	})
	return result, err
}

// IsTransportError 判断是否需要切换端点 (端点不可达, 连接中断等)
// 调用方 context 超时或取消与端点无关, 不算传输错误
func IsTransportError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ethereum.NotFound),
		errors.Is(err, ErrTxNotFound),
		errors.Is(err, ErrChainIDMismatch):
		return false
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var dataErr rpc.DataError
	return !errors.As(err, &dataErr)
}

// Name 返回客户端名称
func (c *Client) Name() string {
	return c.name
}

// Address 返回签名账户地址
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainID
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := call(ctx, c, func(eth *ethclient.Client) (uint64, error) {
		return eth.BlockNumber(ctx)
	})
	if err == nil {
		c.mu.Lock()
		c.endpoints[c.active].lastBlock = height
		c.mu.Unlock()
	}
	return height, err
}

// TransactionReceipt 获取交易回执, 未上链返回 ErrTxNotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return call(ctx, c, func(eth *ethclient.Client) (*types.Receipt, error) {
		receipt, err := eth.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return receipt, err
	})
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, func(eth *ethclient.Client) (uint64, error) {
		return eth.PendingNonceAt(ctx, account)
	})
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, func(eth *ethclient.Client) (*big.Int, error) {
		return eth.SuggestGasPrice(ctx)
	})
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, c, func(eth *ethclient.Client) (uint64, error) {
		return eth.EstimateGas(ctx, msg)
	})
}

// SendTransaction 发送交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, func(eth *ethclient.Client) error {
		return eth.SendTransaction(ctx, tx)
	})
}

// FilterLogs 查询日志
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, c, func(eth *ethclient.Client) ([]types.Log, error) {
		return eth.FilterLogs(ctx, query)
	})
}

// SubscribeFilterLogs 订阅日志, 需要 ws/ipc 端点
// http 端点返回 rpc.ErrNotificationsUnsupported
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	eth, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	return eth.SubscribeFilterLogs(ctx, query, ch)
}

// CallContract 只读调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, func(eth *ethclient.Client) ([]byte, error) {
		return eth.CallContract(ctx, msg, blockNumber)
	})
}

// SignTransaction EIP-155 签名
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrPrivateKeyRequired
	}
	return types.SignTx(tx, types.NewEIP155Signer(big.NewInt(c.ChainID())), c.privateKey)
}

// Close 关闭连接
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

// Endpoints 返回全部端点状态
func (c *Client) Endpoints() []EndpointStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]EndpointStatus, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		statuses = append(statuses, EndpointStatus{
			URL:       ep.url,
			Healthy:   ep.healthy,
			Latency:   ep.latency,
			LastBlock: ep.lastBlock,
			Failures:  ep.failures,
		})
	}
	return statuses
}

// HealthyEndpoints 返回健康端点数量
func (c *Client) HealthyEndpoints() int {
	healthy := 0
	for _, ep := range c.Endpoints() {
		if ep.Healthy {
			healthy++
		}
	}
	return healthy
}
