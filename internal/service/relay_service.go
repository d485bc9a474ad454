// ========================================
// RelayService 跨链中继服务
// ========================================
//
// ## 功能概述
// 监听 L3 BridgeIntent 事件, 在 L2 调用 redeem 完成跨链。
// 启动时先回扫最近 backfillWindow 个区块, 再切换到实时订阅。
//
// ## 状态机
// Unseen -> Seen -> Checked -> Submitted -> Confirmed | Skipped | Failed
// - eventKey 已在账本中: Skipped(duplicate)
// - consumedIntents(hash) == true: Skipped(already_consumed), 写入账本
// - redeem 被合约以已消费拒绝: Skipped(consumed_race), 写入账本
// - 其他失败: Failed, 不写入账本, 不重试, 重新投递时再次处理
//
// ## 幂等
// 跨链幂等由 L2 合约的 consumedIntents 保证, 账本只用于本地去重。
//
// ## 消息输出 (Kafka Producer)
// - Topic: bridge-redeem-outcomes
// - 消息类型: model.RedeemOutcome
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/bridge"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/ledger"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrRelayerAlreadyRunning = errors.New("relayer already running")
	ErrHandlerPanic          = errors.New("panic while handling bridge intent")
	ErrStartAborted          = errors.New("relayer start aborted")
)

const (
	defaultBackfillWindow      = 1000
	defaultResubscribeInterval = 5 * time.Second
)

// OutcomePublisher 中继结果发布
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome *model.RedeemOutcome) error
}

// HandleResult 单个事件的处理结果
type HandleResult struct {
	Key          model.EventKey
	IntentHash   common.Hash
	State        model.RelayState
	Reason       model.SkipReason
	Confirmation *bridge.Confirmation
	// Stage 失败时已到达的阶段, 成功或跳过时为空
	Stage        model.RelayState
}

// RelayStatus 运行状态
type RelayStatus struct {
	Running   bool   `json:"running"`
	Processed uint64 `json:"processed"`
	Confirmed uint64 `json:"confirmed"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	LastBlock uint64 `json:"last_block"`
}

// RelayServiceConfig 配置
type RelayServiceConfig struct {
	// BackfillWindow nil 使用默认 1000, 0 只扫描当前块
	BackfillWindow      *uint64
	ResubscribeInterval time.Duration
	RelayerAddress      common.Address
}

// RelayService 中继服务
type RelayService struct {
	source    bridge.EventSource
	gateway   bridge.Gateway
	ledger    ledger.Ledger
	publisher OutcomePublisher

	backfillWindow      uint64
	resubscribeInterval time.Duration
	relayerAddress      common.Address

	// 同一时刻只处理一个事件
	handleMu sync.Mutex

	mu      sync.RWMutex
	running bool
	// backfilled 本次运行是否已完成启动回扫
	backfilled bool
	cancel     context.CancelFunc
	done    chan struct{}
	status  RelayStatus
}

// NewRelayService 创建中继服务
// publisher 可以为 nil
func NewRelayService(
	source bridge.EventSource,
	gateway bridge.Gateway,
	l ledger.Ledger,
	publisher OutcomePublisher,
	cfg *RelayServiceConfig,
) *RelayService {
	if cfg == nil {
		cfg = &RelayServiceConfig{}
	}

	backfillWindow := uint64(defaultBackfillWindow)
	if cfg.BackfillWindow != nil {
		backfillWindow = *cfg.BackfillWindow
	}

	resubscribeInterval := cfg.ResubscribeInterval
	if resubscribeInterval == 0 {
		resubscribeInterval = defaultResubscribeInterval
	}

	if l == nil {
		l = ledger.NewMemoryLedger()
	}

	return &RelayService{
		source:              source,
		gateway:             gateway,
		ledger:              l,
		publisher:           publisher,
		backfillWindow:      backfillWindow,
		resubscribeInterval: resubscribeInterval,
		relayerAddress:      cfg.RelayerAddress,
	}
}

// Start 启动中继: 回扫历史区块后开启实时订阅
// 源链暂时不可用不会导致启动失败: 回扫推迟到订阅恢复之后, 订阅按间隔重试.
// ctx 只约束启动过程; 启动期间 ctx 取消或 Stop 被调用时返回 ErrStartAborted
func (s *RelayService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRelayerAlreadyRunning
	}
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	startCtx, cancelStart := context.WithCancel(ctx)
	cancel := func() {
		cancelStart()
		cancelRun()
	}
	done := make(chan struct{})
	s.running = true
	s.backfilled = false
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.backfillFromHead(startCtx)

	var (
		sub    bridge.Subscription
		subErr error
	)
	if startCtx.Err() == nil {
		sub, subErr = s.subscribe(runCtx)
	}
	aborted := startCtx.Err() != nil
	cancelStart()

	s.mu.Lock()
	if aborted || s.done != done || !s.running {
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		cancel()
		if sub != nil {
			sub.Cancel()
		}
		close(done)
		return ErrStartAborted
	}
	metrics.SetRunning(true)
	s.mu.Unlock()

	logger.Info("listening for bridge intents",
		zap.String("relayer", s.relayerAddress.Hex()),
		zap.Uint64("from_block", s.LastBlock()+1),
		zap.Bool("subscribed", sub != nil))

	go s.run(runCtx, done, sub, subErr)

	return nil
}

// backfillFromHead 取源链高度并回扫, 高度不可用时推迟到订阅恢复后
func (s *RelayService) backfillFromHead(ctx context.Context) {
	height, err := s.source.CurrentHeight(ctx)
	if err != nil {
		logger.Error("get source height failed, backfill deferred", zap.Error(err))
		return
	}
	s.setLastBlock(height)
	s.backfill(ctx, height)
}

// subscribe 打开首个订阅, 失败时由 run 按间隔重试
func (s *RelayService) subscribe(ctx context.Context) (bridge.Subscription, error) {
	sub, err := s.source.Subscribe(ctx)
	if err != nil {
		logger.Error("subscribe bridge intents failed", zap.Error(err))
		return nil, fmt.Errorf("subscribe bridge intents: %w", err)
	}
	return sub, nil
}

// backfill 回扫 [max(0, height-window), height]
// 失败只记录日志, 启动继续
func (s *RelayService) backfill(ctx context.Context, height uint64) {
	s.mu.Lock()
	s.backfilled = true
	s.mu.Unlock()

	var from uint64
	if height > s.backfillWindow {
		from = height - s.backfillWindow
	}

	logger.Info("backfill starting",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", height))

	records, err := s.source.QueryRange(ctx, from, height)
	if err != nil {
		logger.Error("backfill failed",
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", height),
			zap.Error(err))
		return
	}

	handled := s.handleAll(ctx, records)
	metrics.BackfillEventsTotal.Add(float64(handled))

	logger.Info("backfill complete",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", height),
		zap.Int("events", handled))
}

// handleAll 顺序处理一批事件, 返回处理数量
func (s *RelayService) handleAll(ctx context.Context, records []model.EventRecord) int {
	handled := 0
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		_, _ = s.HandleEvent(ctx, &records[i])
		handled++
	}
	return handled
}

// run 实时事件主循环
// sub 为 nil 时先按间隔重建订阅
func (s *RelayService) run(ctx context.Context, done chan struct{}, sub bridge.Subscription, subErr error) {
	defer close(done)
	defer func() {
		if sub != nil {
			sub.Cancel()
		}
	}()

	if sub == nil {
		if sub = s.resubscribe(ctx, subErr); sub == nil {
			return
		}
	} else {
		// 订阅建立前产生的区块
		s.catchUp(ctx, s.LastBlock()+1)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case record, ok := <-sub.Events():
			if !ok {
				cause := subscriptionErr(sub)
				sub.Cancel()
				sub = s.resubscribe(ctx, cause)
				if sub == nil {
					return
				}
				continue
			}
			_, _ = s.HandleEvent(ctx, &record)

		case err := <-sub.Err():
			sub.Cancel()
			sub = s.resubscribe(ctx, err)
			if sub == nil {
				return
			}
		}
	}
}

// subscriptionErr 读取订阅关闭原因
func subscriptionErr(sub bridge.Subscription) error {
	select {
	case err := <-sub.Err():
		return err
	default:
		return errors.New("subscription closed")
	}
}

// resubscribe 等待后重建订阅, 并补齐中断期间的区块
// ctx 取消时返回 nil
func (s *RelayService) resubscribe(ctx context.Context, cause error) bridge.Subscription {
	if ctx.Err() != nil {
		return nil
	}

	logger.Warn("bridge intent subscription lost", zap.Error(cause))

	ticker := time.NewTicker(s.resubscribeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		metrics.SubscriptionRestartsTotal.Inc()

		sub, err := s.source.Subscribe(ctx)
		if err != nil {
			logger.Error("failed to resubscribe bridge intents", zap.Error(err))
			continue
		}

		logger.Info("bridge intent subscription restored")
		s.catchUp(ctx, s.LastBlock())
		return sub
	}
}

// catchUp 查询 [from, 当前高度] 的事件, 重复事件由账本去重
// 启动时未能回扫则改为按回扫窗口回扫
func (s *RelayService) catchUp(ctx context.Context, from uint64) {
	height, err := s.source.CurrentHeight(ctx)
	if err != nil {
		logger.Warn("catch-up skipped", zap.Error(err))
		return
	}

	s.mu.RLock()
	backfilled := s.backfilled
	s.mu.RUnlock()
	if !backfilled {
		s.setLastBlock(height)
		s.backfill(ctx, height)
		return
	}

	if height < from {
		return
	}

	records, err := s.source.QueryRange(ctx, from, height)
	if err != nil {
		logger.Error("catch-up failed",
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", height),
			zap.Error(err))
		return
	}

	handled := s.handleAll(ctx, records)
	if handled > 0 {
		logger.Info("catch-up complete",
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", height),
			zap.Int("events", handled))
	}
}

// Stop 停止中继
// 不中断正在进行的 redeem, 等待其完成后返回; 重复调用返回 nil
func (s *RelayService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	metrics.SetRunning(false)
	logger.Info("relayer stopped", zap.Uint64("last_block", s.LastBlock()))

	return nil
}

// IsRunning 检查是否运行中
func (s *RelayService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status 返回运行状态
func (s *RelayService) Status() RelayStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := s.status
	status.Running = s.running
	return status
}

// LastBlock 最后处理的源链区块
func (s *RelayService) LastBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.LastBlock
}

func (s *RelayService) setLastBlock(block uint64) {
	s.mu.Lock()
	if block > s.status.LastBlock {
		s.status.LastBlock = block
	}
	s.mu.Unlock()
	metrics.RecordSourceBlock(block)
}

// HandleEvent 处理单个 BridgeIntent 事件
// 返回终态; Failed 时同时返回错误。失败互相隔离, 不影响后续事件
func (s *RelayService) HandleEvent(ctx context.Context, record *model.EventRecord) (result *HandleResult, err error) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	key := record.Key()
	started := time.Now()
	stage := model.RelayStateUnseen

	defer func() {
		if r := recover(); r != nil {
			logger.Error("intent failed",
				zap.String("event_key", key.String()),
				zap.String("stage", string(stage)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = &HandleResult{Key: key, State: model.RelayStateFailed, Stage: stage}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		s.finish(ctx, record, result, err, time.Since(started))
	}()

	// redeem 一旦提交就等到结果
	ctx = context.WithoutCancel(ctx)

	logger.Info("bridge intent detected",
		zap.String("token_id", assetIDString(record.Intent.AssetID)),
		zap.String("owner", record.Intent.Owner.Hex()),
		zap.String("dest", record.Intent.DestinationSelector.Hex()),
		zap.String("tx_hash", record.OriginTxID.Hex()),
		zap.Uint("log_index", record.LogIndex),
		zap.Uint64("block", record.BlockNumber))
	s.setLastBlock(record.BlockNumber)
	stage = model.RelayStateSeen

	seen, err := s.ledger.Has(ctx, key)
	if err != nil {
		return s.fail(key, common.Hash{}, stage, fmt.Errorf("ledger lookup: %w", err))
	}
	if seen {
		return s.skip(key, common.Hash{}, model.SkipReasonDuplicate), nil
	}

	intentHash := record.Intent.Hash()
	logger.Debug("intent hash computed",
		zap.String("event_key", key.String()),
		zap.String("intent_hash", intentHash.Hex()))

	consumed, err := s.gateway.IsConsumed(ctx, intentHash)
	if err != nil {
		return s.fail(key, intentHash, stage, err)
	}
	if consumed {
		s.record(ctx, record, intentHash, model.RelayStateSkipped, model.SkipReasonAlreadyConsumed, nil)
		return s.skip(key, intentHash, model.SkipReasonAlreadyConsumed), nil
	}
	stage = model.RelayStateChecked

	logger.Debug("submitting redeem",
		zap.String("event_key", key.String()),
		zap.String("intent_hash", intentHash.Hex()))
	confirmation, err := s.gateway.Redeem(ctx, intentHash, &record.Intent)
	if errors.Is(err, bridge.ErrAlreadyConsumed) {
		s.record(ctx, record, intentHash, model.RelayStateSkipped, model.SkipReasonConsumedRace, nil)
		return s.skip(key, intentHash, model.SkipReasonConsumedRace), nil
	}
	if err != nil {
		// 交易已广播, 结果未知或已回滚
		if !errors.Is(err, bridge.ErrSubmission) {
			stage = model.RelayStateSubmitted
		}
		return s.fail(key, intentHash, stage, err)
	}

	s.record(ctx, record, intentHash, model.RelayStateConfirmed, model.SkipReasonNone, confirmation)

	logger.Info("redeem confirmed",
		zap.String("event_key", key.String()),
		zap.String("intent_hash", intentHash.Hex()),
		zap.String("redeem_tx", confirmation.TxHash.Hex()),
		zap.Uint64("block_number", confirmation.BlockNumber),
		zap.Uint64("gas_used", confirmation.GasUsed),
		zap.String("fee_eth", weiToEth(confirmation.Fee()).String()))

	return &HandleResult{
		Key:          key,
		IntentHash:   intentHash,
		State:        model.RelayStateConfirmed,
		Confirmation: confirmation,
	}, nil
}

func (s *RelayService) skip(key model.EventKey, intentHash common.Hash, reason model.SkipReason) *HandleResult {
	logger.Info("intent skipped",
		zap.String("event_key", key.String()),
		zap.String("intent_hash", intentHash.Hex()),
		zap.String("reason", string(reason)))
	return &HandleResult{
		Key:        key,
		IntentHash: intentHash,
		State:      model.RelayStateSkipped,
		Reason:     reason,
	}
}

// fail 失败不写入账本
func (s *RelayService) fail(key model.EventKey, intentHash common.Hash, stage model.RelayState, err error) (*HandleResult, error) {
	logger.Error("intent failed",
		zap.String("event_key", key.String()),
		zap.String("intent_hash", intentHash.Hex()),
		zap.String("stage", string(stage)),
		zap.Error(err))
	return &HandleResult{
		Key:        key,
		IntentHash: intentHash,
		State:      model.RelayStateFailed,
		Stage:      stage,
	}, err
}

// record 写入账本, 失败只记录日志
func (s *RelayService) record(
	ctx context.Context,
	record *model.EventRecord,
	intentHash common.Hash,
	state model.RelayState,
	reason model.SkipReason,
	confirmation *bridge.Confirmation,
) {
	attempt := model.NewRelayAttempt(record, intentHash.Hex(), state, reason)
	if confirmation != nil {
		attempt.RedeemTxHash = confirmation.TxHash.Hex()
		attempt.ConfirmedBlock = int64(confirmation.BlockNumber)
	}

	if err := s.ledger.Record(ctx, record.Key(), attempt); err != nil {
		logger.Error("failed to record relay attempt",
			zap.String("event_key", record.Key().String()),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

// finish 更新统计, 指标和结果通知
func (s *RelayService) finish(ctx context.Context, record *model.EventRecord, result *HandleResult, err error, elapsed time.Duration) {
	if result == nil {
		return
	}

	s.mu.Lock()
	s.status.Processed++
	switch result.State {
	case model.RelayStateConfirmed:
		s.status.Confirmed++
	case model.RelayStateSkipped:
		s.status.Skipped++
	case model.RelayStateFailed:
		s.status.Failed++
	}
	s.mu.Unlock()

	metrics.RecordIntent(string(result.State), string(result.Reason))

	if result.Confirmation != nil {
		metrics.RecordRedeem(elapsed.Seconds(), result.Confirmation.GasUsed)
	}

	if s.publisher == nil || result.Reason == model.SkipReasonDuplicate {
		return
	}

	outcome := newOutcome(record, result, err)
	if pubErr := s.publisher.PublishOutcome(context.WithoutCancel(ctx), outcome); pubErr != nil {
		logger.Warn("failed to publish redeem outcome",
			zap.String("event_key", outcome.EventKey),
			zap.Error(pubErr))
	}
}

func newOutcome(record *model.EventRecord, result *HandleResult, err error) *model.RedeemOutcome {
	outcome := &model.RedeemOutcome{
		OutcomeID:  uuid.New().String(),
		EventKey:   result.Key.String(),
		IntentHash: result.IntentHash.Hex(),
		AssetID:    assetIDString(record.Intent.AssetID),
		Owner:      record.Intent.Owner.Hex(),
		State:      result.State,
		Reason:     result.Reason,
		Stage:      result.Stage,
		FeeEth:     decimal.Zero,
		Timestamp:  time.Now().UnixMilli(),
	}
	if c := result.Confirmation; c != nil {
		outcome.TxHash = c.TxHash.Hex()
		outcome.BlockNumber = int64(c.BlockNumber)
		outcome.GasUsed = int64(c.GasUsed)
		outcome.FeeEth = weiToEth(c.Fee())
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome
}

func weiToEth(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

func assetIDString(id *big.Int) string {
	if id == nil {
		return "0"
	}
	return id.String()
}
