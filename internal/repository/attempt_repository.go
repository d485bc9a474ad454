package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
)

var ErrAttemptNotFound = errors.New("relay attempt not found")

// AttemptRepository 中继处理记录仓储接口
type AttemptRepository interface {
	// Create 插入记录, eventKey 已存在时不覆盖, 返回是否插入
	Create(ctx context.Context, attempt *model.RelayAttempt) (bool, error)
	Exists(ctx context.Context, txHash string, logIndex int) (bool, error)
	GetByEventKey(ctx context.Context, txHash string, logIndex int) (*model.RelayAttempt, error)
	Count(ctx context.Context) (int64, error)
}

type attemptRepository struct {
	*Repository
}

// NewAttemptRepository 创建中继处理记录仓储
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{
		Repository: NewRepository(db),
	}
}

func (r *attemptRepository) Create(ctx context.Context, attempt *model.RelayAttempt) (bool, error) {
	now := time.Now().UnixMilli()
	if attempt.CreatedAt == 0 {
		attempt.CreatedAt = now
	}
	attempt.UpdatedAt = now

	var inserted bool
	err := r.WithRetry(ctx, defaultWriteAttempts, func(ctx context.Context) error {
		result := r.DB(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "origin_tx_hash"}, {Name: "log_index"}},
			DoNothing: true,
		}).Create(attempt)
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected > 0
		return nil
	})
	return inserted, err
}

func (r *attemptRepository) Exists(ctx context.Context, txHash string, logIndex int) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.RelayAttempt{}).
		Where("origin_tx_hash = ? AND log_index = ?", txHash, logIndex).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *attemptRepository) GetByEventKey(ctx context.Context, txHash string, logIndex int) (*model.RelayAttempt, error) {
	var attempt model.RelayAttempt
	err := r.DB(ctx).
		Where("origin_tx_hash = ? AND log_index = ?", txHash, logIndex).
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *attemptRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.RelayAttempt{}).Count(&count).Error
	return count, err
}
