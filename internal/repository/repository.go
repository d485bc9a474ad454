package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
)

// 写入账本时的最大尝试次数
const defaultWriteAttempts = 3

const pgErrSerializationFailure = "40001"

// retryablePgCodes 事务冲突, 连接中断与资源不足类错误码
// https://www.postgresql.org/docs/current/errcodes-appendix.html
var retryablePgCodes = map[string]struct{}{
	pgErrSerializationFailure: {},
	"40P01":                   {}, // deadlock_detected
	"08000":                   {}, // connection_exception
	"08001":                   {}, // sqlclient_unable_to_establish_sqlconnection
	"08006":                   {}, // connection_failure
	"53000":                   {}, // insufficient_resources
	"53300":                   {}, // too_many_connections
	"57014":                   {}, // query_canceled
	"57P03":                   {}, // cannot_connect_now
}

// Repository 基础仓储
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建基础仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type txKey struct{}

// DB 返回数据库连接, 上下文中有事务时使用事务
func (r *Repository) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction 执行事务
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// WithRetry 临时性数据库错误按 100ms, 200ms, 400ms... 退避重试
func (r *Repository) WithRetry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	_ = retry.Retry(func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return nil
		}
		lastErr = fn(ctx)
		if IsRetryableError(lastErr) {
			return lastErr
		}
		return nil
	},
		strategy.Limit(uint(maxAttempts)),
		strategy.Backoff(backoff.BinaryExponential(50*time.Millisecond)),
	)
	return lastErr
}

// IsRetryableError 判断是否为可重试错误
// 死锁, 序列化失败, 连接问题, 资源不足
func IsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	_, ok := retryablePgCodes[pgErr.Code]
	return ok
}

// Migrate 创建或更新表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.RelayAttempt{})
}
