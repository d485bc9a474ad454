// Package ledger 记录本进程已处理的源链事件
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/repository"
)

// 账本后端
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

var ErrUnknownDriver = errors.New("unknown ledger driver")

// Ledger 以 eventKey 为键的去重账本
// 记录只增不删
type Ledger interface {
	Has(ctx context.Context, key model.EventKey) (bool, error)
	// Record 记录事件, 已存在时保留首条记录
	Record(ctx context.Context, key model.EventKey, attempt *model.RelayAttempt) error
	Len(ctx context.Context) (int64, error)
	// Get 返回记录, 不存在时返回 nil, nil
	Get(ctx context.Context, key model.EventKey) (*model.RelayAttempt, error)
}

// MemoryLedger 进程内账本, 重启后丢失
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[model.EventKey]*model.RelayAttempt
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[model.EventKey]*model.RelayAttempt)}
}

func (l *MemoryLedger) Has(ctx context.Context, key model.EventKey) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[key]
	return ok, nil
}

func (l *MemoryLedger) Record(ctx context.Context, key model.EventKey, attempt *model.RelayAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; !ok {
		l.entries[key] = attempt
	}
	return nil
}

func (l *MemoryLedger) Len(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries)), nil
}

func (l *MemoryLedger) Get(ctx context.Context, key model.EventKey) (*model.RelayAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[key], nil
}

// RedisLedger Redis hash 账本, 可跨重启保留
type RedisLedger struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLedger 创建 Redis 账本
func NewRedisLedger(client redis.UniversalClient, keyPrefix string) *RedisLedger {
	if keyPrefix == "" {
		keyPrefix = "eidos:bridge"
	}
	return &RedisLedger{
		client: client,
		key:    keyPrefix + ":ledger",
	}
}

func (l *RedisLedger) Has(ctx context.Context, key model.EventKey) (bool, error) {
	return l.client.HExists(ctx, l.key, key.String()).Result()
}

func (l *RedisLedger) Record(ctx context.Context, key model.EventKey, attempt *model.RelayAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal relay attempt: %w", err)
	}
	return l.client.HSetNX(ctx, l.key, key.String(), data).Err()
}

func (l *RedisLedger) Len(ctx context.Context) (int64, error) {
	return l.client.HLen(ctx, l.key).Result()
}

func (l *RedisLedger) Get(ctx context.Context, key model.EventKey) (*model.RelayAttempt, error) {
	data, err := l.client.HGet(ctx, l.key, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var attempt model.RelayAttempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return nil, fmt.Errorf("unmarshal relay attempt: %w", err)
	}
	return &attempt, nil
}

// RepositoryLedger PostgreSQL 账本
type RepositoryLedger struct {
	repo repository.AttemptRepository
}

// NewRepositoryLedger 创建数据库账本
func NewRepositoryLedger(repo repository.AttemptRepository) *RepositoryLedger {
	return &RepositoryLedger{repo: repo}
}

func (l *RepositoryLedger) Has(ctx context.Context, key model.EventKey) (bool, error) {
	return l.repo.Exists(ctx, key.TxHash.Hex(), int(key.LogIndex))
}

func (l *RepositoryLedger) Record(ctx context.Context, key model.EventKey, attempt *model.RelayAttempt) error {
	attempt.OriginTxHash = key.TxHash.Hex()
	attempt.LogIndex = int(key.LogIndex)
	_, err := l.repo.Create(ctx, attempt)
	return err
}

func (l *RepositoryLedger) Len(ctx context.Context) (int64, error) {
	return l.repo.Count(ctx)
}

func (l *RepositoryLedger) Get(ctx context.Context, key model.EventKey) (*model.RelayAttempt, error) {
	attempt, err := l.repo.GetByEventKey(ctx, key.TxHash.Hex(), int(key.LogIndex))
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, nil
	}
	return attempt, err
}
