package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
)

// EventSource 源链 BridgeIntent 事件来源
type EventSource interface {
	// CurrentHeight 返回源链最新高度
	CurrentHeight(ctx context.Context) (uint64, error)
	// QueryRange 返回 [from, to] 内的全部事件, 按 (block, logIndex) 升序
	QueryRange(ctx context.Context, from, to uint64) ([]model.EventRecord, error)
	// Subscribe 打开实时订阅
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription 可取消的事件订阅
type Subscription interface {
	// Events 事件通道, Cancel 或订阅失败后关闭
	Events() <-chan model.EventRecord
	// Err 订阅失败时收到一个错误
	Err() <-chan error
	// Cancel 取消订阅, 可重复调用
	Cancel()
}

// LogBackend 源链客户端
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// SourceConfig 事件源配置
type SourceConfig struct {
	MaxBlockRange uint64
	PollInterval  time.Duration
	BufferSize    int
}

// ChainEventSource 基于 eth_getLogs / eth_subscribe 的事件源
type ChainEventSource struct {
	backend  LogBackend
	contract *contract.SourceBridge
	cfg      SourceConfig
}

// NewChainEventSource 创建事件源
func NewChainEventSource(backend LogBackend, source *contract.SourceBridge, cfg *SourceConfig) *ChainEventSource {
	c := SourceConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 1000
	}
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = 128
	}

	return &ChainEventSource{
		backend:  backend,
		contract: source,
		cfg:      c,
	}
}

// CurrentHeight 获取源链最新高度
func (s *ChainEventSource) CurrentHeight(ctx context.Context) (uint64, error) {
	height, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, connectivity("current height", err)
	}
	return height, nil
}

// QueryRange 分段查询 [from, to] 内的 BridgeIntent 事件
func (s *ChainEventSource) QueryRange(ctx context.Context, from, to uint64) ([]model.EventRecord, error) {
	records := make([]model.EventRecord, 0)
	if from > to {
		return records, nil
	}

	for start := from; start <= to; {
		end := start + s.cfg.MaxBlockRange - 1
		if end > to || end < start {
			end = to
		}

		query := s.contract.FilterQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
		logs, err := s.backend.FilterLogs(ctx, query)
		if err != nil {
			return nil, connectivity(fmt.Sprintf("query logs %d-%d", start, end), err)
		}

		for _, log := range logs {
			if record, ok := s.parse(log); ok {
				records = append(records, *record)
			}
		}

		if end == to {
			break
		}
		start = end + 1
	}

	sortRecords(records)
	return records, nil
}

// Subscribe 打开实时订阅
// 端点不支持通知 (http) 时退化为轮询
func (s *ChainEventSource) Subscribe(ctx context.Context) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := newEventSubscription(cancel, s.cfg.BufferSize)

	logs := make(chan types.Log, s.cfg.BufferSize)
	ethSub, err := s.backend.SubscribeFilterLogs(subCtx, s.contract.FilterQuery(nil, nil), logs)
	if err == nil {
		go s.forwardLogs(subCtx, sub, ethSub, logs)
		return sub, nil
	}

	if !errors.Is(err, rpc.ErrNotificationsUnsupported) {
		cancel()
		return nil, connectivity("subscribe logs", err)
	}

	height, err := s.backend.BlockNumber(subCtx)
	if err != nil {
		cancel()
		return nil, connectivity("subscribe logs", err)
	}

	logger.Debug("log subscription unsupported, polling",
		zap.Uint64("from_block", height+1),
		zap.Duration("interval", s.cfg.PollInterval))

	go s.poll(subCtx, sub, height+1)
	return sub, nil
}

// forwardLogs 转发 eth_subscribe 推送的日志
func (s *ChainEventSource) forwardLogs(ctx context.Context, sub *eventSubscription, ethSub ethereum.Subscription, logs <-chan types.Log) {
	defer sub.finish()
	defer ethSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-ethSub.Err():
			if err != nil {
				sub.fail(connectivity("log subscription", err))
			}
			return
		case log := <-logs:
			if log.Removed {
				logger.Debug("dropping removed log",
					zap.String("tx_hash", log.TxHash.Hex()),
					zap.Uint("log_index", log.Index))
				continue
			}
			record, ok := s.parse(log)
			if !ok {
				continue
			}
			if !sub.deliver(ctx, *record) {
				return
			}
		}
	}
}

// poll 轮询新区块日志
func (s *ChainEventSource) poll(ctx context.Context, sub *eventSubscription, next uint64) {
	defer sub.finish()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := s.CurrentHeight(ctx)
		if err != nil {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			return
		}
		if head < next {
			continue
		}

		records, err := s.QueryRange(ctx, next, head)
		if err != nil {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			return
		}
		for _, record := range records {
			if !sub.deliver(ctx, record) {
				return
			}
		}
		next = head + 1
	}
}

// parse 解析日志, 跳过重组撤销与格式错误的日志
func (s *ChainEventSource) parse(log types.Log) (*model.EventRecord, bool) {
	if log.Removed {
		return nil, false
	}
	record, err := s.contract.ParseBridgeIntent(log)
	if err != nil {
		logger.Warn("skipping malformed bridge intent log",
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint("log_index", log.Index),
			zap.Uint64("block", log.BlockNumber),
			zap.Error(err))
		return nil, false
	}
	return record, true
}

func sortRecords(records []model.EventRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		return records[i].LogIndex < records[j].LogIndex
	})
}

// eventSubscription Subscription 实现
type eventSubscription struct {
	events chan model.EventRecord
	errs   chan error
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newEventSubscription(cancel context.CancelFunc, buffer int) *eventSubscription {
	return &eventSubscription{
		events: make(chan model.EventRecord, buffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *eventSubscription) Events() <-chan model.EventRecord {
	return s.events
}

func (s *eventSubscription) Err() <-chan error {
	return s.errs
}

// Cancel 取消订阅并等待转发协程退出
func (s *eventSubscription) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *eventSubscription) deliver(ctx context.Context, record model.EventRecord) bool {
	select {
	case s.events <- record:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *eventSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// finish 关闭事件通道, 只能由转发协程调用一次
func (s *eventSubscription) finish() {
	close(s.events)
	close(s.done)
}
