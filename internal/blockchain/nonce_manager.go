package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

const (
	defaultNonceLockTimeout = 30 * time.Second
	defaultNonceSyncEvery   = 5 * time.Minute
	lockAttempts            = 3
	lockRetryWait           = 20 * time.Millisecond
)

// unlockScript 只有锁持有者才能释放
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// NonceSource 链上 nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type nonceKeys struct {
	next     string // 下一个可分配的 nonce
	lock     string
	inflight string // hash: nonce -> 已广播 tx
}

func newNonceKeys(prefix string, wallet common.Address, chainID int64) nonceKeys {
	suffix := fmt.Sprintf("%s:%d", wallet.Hex(), chainID)
	return nonceKeys{
		next:     prefix + ":nonce:" + suffix,
		lock:     prefix + ":nonce:lock:" + suffix,
		inflight: prefix + ":nonce:inflight:" + suffix,
	}
}

// NonceManager 基于 Redis 的 relayer nonce 分配
//
// 计数器与已广播交易存放在 Redis 中, 多实例共享同一钱包时通过分布式锁串行分配.
type NonceManager struct {
	source      NonceSource
	rdb         redis.UniversalClient
	wallet      common.Address
	keys        nonceKeys
	lockTimeout time.Duration
	syncEvery   time.Duration

	mu       sync.Mutex
	syncedAt time.Time
	held     map[uint64]string // 本实例已分配未完成的 nonce
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	KeyPrefix    string
	LockTimeout  time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "eidos:bridge"
	}
	m := &NonceManager{
		source:      source,
		rdb:         rdb,
		wallet:      cfg.Wallet,
		keys:        newNonceKeys(prefix, cfg.Wallet, cfg.ChainID),
		lockTimeout: cfg.LockTimeout,
		syncEvery:   cfg.SyncInterval,
		held:        make(map[uint64]string),
	}
	if m.lockTimeout <= 0 {
		m.lockTimeout = defaultNonceLockTimeout
	}
	if m.syncEvery <= 0 {
		m.syncEvery = defaultNonceSyncEvery
	}
	return m
}

// AcquireNonce 分配下一个 nonce
// 调用方必须以 ConfirmNonce 或 ReleaseNonce 结束该 nonce
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := m.locked(ctx, func() error {
		if m.stale() {
			if err := m.resync(ctx); err != nil {
				return err
			}
		}
		n, err := m.peek(ctx)
		if err != nil {
			return err
		}
		nonce = n
		return m.rdb.Set(ctx, m.keys.next, n+1, 0).Err()
	})
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.held[nonce] = ""
	m.mu.Unlock()
	return nonce, nil
}

// ConfirmNonce 记录 nonce 已被交易占用
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.mu.Lock()
	_, ok := m.held[nonce]
	if ok {
		m.held[nonce] = txHash
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.rdb.HSet(ctx, m.keys.inflight, strconv.FormatUint(nonce, 10), txHash).Err()
}

// ReleaseNonce 归还未广播的 nonce
// 只有最近分配的 nonce 可以回退计数器, 否则标记下次分配前重新同步
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.mu.Lock()
	_, ok := m.held[nonce]
	delete(m.held, nonce)
	m.mu.Unlock()
	if !ok {
		return ErrNonceNotAcquired
	}

	return m.locked(ctx, func() error {
		next, err := m.peek(ctx)
		if err != nil {
			return err
		}
		if next == nonce+1 {
			return m.rdb.Set(ctx, m.keys.next, nonce, 0).Err()
		}
		m.mu.Lock()
		m.syncedAt = time.Time{}
		m.mu.Unlock()
		return nil
	})
}

// OnTxConfirmed 交易上链后清理记录
func (m *NonceManager) OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error {
	m.mu.Lock()
	delete(m.held, nonce)
	m.mu.Unlock()
	return m.rdb.HDel(ctx, m.keys.inflight, strconv.FormatUint(nonce, 10)).Err()
}

// SyncFromChain 以链上 pending nonce 覆盖计数器
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	return m.locked(ctx, func() error {
		return m.resync(ctx)
	})
}

// GetPendingCount 本实例未完成的 nonce 数量
func (m *NonceManager) GetPendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// GetCurrentNonce 下一个将被分配的 nonce, 不加锁
func (m *NonceManager) GetCurrentNonce(ctx context.Context) (uint64, error) {
	return m.peek(ctx)
}

func (m *NonceManager) resync(ctx context.Context) error {
	pending, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, m.keys.next, pending, 0).Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.syncedAt = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *NonceManager) stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.syncedAt) > m.syncEvery
}

// peek 计数器不存在时回落到链上
func (m *NonceManager) peek(ctx context.Context) (uint64, error) {
	n, err := m.rdb.Get(ctx, m.keys.next).Uint64()
	if errors.Is(err, redis.Nil) {
		return m.source.PendingNonceAt(ctx, m.wallet)
	}
	return n, err
}

// locked 持有分布式锁执行 fn, 锁被占用时短暂重试
func (m *NonceManager) locked(ctx context.Context, fn func() error) error {
	token := uuid.NewString()
	err := retry.Retry(func(uint) error {
		ok, err := m.rdb.SetNX(ctx, m.keys.lock, token, m.lockTimeout).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNonceLockFailed
		}
		return nil
	}, strategy.Limit(lockAttempts), strategy.Wait(lockRetryWait))
	if err != nil {
		return err
	}
	defer unlockScript.Run(context.WithoutCancel(ctx), m.rdb, []string{m.keys.lock}, token)

	return fn()
}

// ChainNonceManager 无 Redis 时使用, 每次从链上读取 pending nonce
// 仅适用于串行发送交易的单实例
type ChainNonceManager struct {
	source NonceSource
	wallet common.Address
}

// NewChainNonceManager 创建链上 nonce 管理器
func NewChainNonceManager(source NonceSource, wallet common.Address) *ChainNonceManager {
	return &ChainNonceManager{source: source, wallet: wallet}
}

// AcquireNonce 返回链上 pending nonce
func (m *ChainNonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	return m.source.PendingNonceAt(ctx, m.wallet)
}

func (m *ChainNonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	return nil
}

func (m *ChainNonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	return nil
}

func (m *ChainNonceManager) OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error {
	return nil
}

func (m *ChainNonceManager) SyncFromChain(ctx context.Context) error {
	return nil
}
