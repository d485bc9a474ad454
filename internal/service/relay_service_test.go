package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/bridge"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/ledger"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
)

// fakeSubscription 模拟订阅
type fakeSubscription struct {
	events   chan model.EventRecord
	errs     chan error
	once     sync.Once
	canceled chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events:   make(chan model.EventRecord, 16),
		errs:     make(chan error, 1),
		canceled: make(chan struct{}),
	}
}

func (s *fakeSubscription) Events() <-chan model.EventRecord { return s.events }
func (s *fakeSubscription) Err() <-chan error                 { return s.errs }
func (s *fakeSubscription) Cancel()                           { s.once.Do(func() { close(s.canceled) }) }

func (s *fakeSubscription) isCanceled() bool {
	select {
	case <-s.canceled:
		return true
	default:
		return false
	}
}

// fakeSource 模拟源链事件源
type fakeSource struct {
	mu           sync.Mutex
	height       uint64
	heightErr    error
	records      []model.EventRecord
	queryErr     error
	subscribeErr error
	queries      [][2]uint64
	subs         []*fakeSubscription
}

func (f *fakeSource) CurrentHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeSource) QueryRange(ctx context.Context, from, to uint64) ([]model.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	result := make([]model.EventRecord, 0)
	for _, r := range f.records {
		if r.BlockNumber >= from && r.BlockNumber <= to {
			result = append(result, r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber < result[j].BlockNumber
		}
		return result[i].LogIndex < result[j].LogIndex
	})
	return result, nil
}

func (f *fakeSource) Subscribe(ctx context.Context) (bridge.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := newFakeSubscription()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) sub(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeSource) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) queryLog() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.queries...)
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// mockGateway 模拟目标链网关
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) IsConsumed(ctx context.Context, intentHash common.Hash) (bool, error) {
	args := m.Called(ctx, intentHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockGateway) Redeem(ctx context.Context, intentHash common.Hash, intent *model.BridgeIntent) (*bridge.Confirmation, error) {
	args := m.Called(ctx, intentHash, intent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bridge.Confirmation), args.Error(1)
}

// panicGateway redeem 时 panic
type panicGateway struct{}

func (panicGateway) IsConsumed(ctx context.Context, intentHash common.Hash) (bool, error) {
	return false, nil
}

func (panicGateway) Redeem(ctx context.Context, intentHash common.Hash, intent *model.BridgeIntent) (*bridge.Confirmation, error) {
	panic("boom")
}

// mockLedger 模拟账本
type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Has(ctx context.Context, key model.EventKey) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) Record(ctx context.Context, key model.EventKey, attempt *model.RelayAttempt) error {
	args := m.Called(ctx, key, attempt)
	return args.Error(0)
}

func (m *mockLedger) Get(ctx context.Context, key model.EventKey) (*model.RelayAttempt, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RelayAttempt), args.Error(1)
}

func (m *mockLedger) Len(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// fakePublisher 记录发布的结果
type fakePublisher struct {
	mu       sync.Mutex
	outcomes []*model.RedeemOutcome
	err      error
}

func (p *fakePublisher) PublishOutcome(ctx context.Context, outcome *model.RedeemOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	return p.err
}

func (p *fakePublisher) all() []*model.RedeemOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.RedeemOutcome(nil), p.outcomes...)
}

var testOwner = common.HexToAddress("0x0000000000000000000000000000000000000ABC")

func testRecord(assetID int64, block uint64, logIndex uint) model.EventRecord {
	return model.EventRecord{
		Intent: model.BridgeIntent{
			AssetID:             big.NewInt(assetID),
			Owner:               testOwner,
			DestinationSelector: common.HexToHash("0x01"),
		},
		OriginTxID:  common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(logIndex) + 1)),
		LogIndex:    logIndex,
		BlockNumber: block,
	}
}

func testConfirmation() *bridge.Confirmation {
	return &bridge.Confirmation{
		TxHash:            common.HexToHash("0xfeed"),
		BlockNumber:       50,
		GasUsed:           60000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}
}

func newTestService(src bridge.EventSource, gw bridge.Gateway, l ledger.Ledger, pub OutcomePublisher) *RelayService {
	window := uint64(1000)
	return NewRelayService(src, gw, l, pub, &RelayServiceConfig{
		BackfillWindow:      &window,
		ResubscribeInterval: 10 * time.Millisecond,
	})
}

func TestNewRelayService_Defaults(t *testing.T) {
	svc := NewRelayService(&fakeSource{}, &mockGateway{}, nil, nil, nil)

	assert.Equal(t, uint64(1000), svc.backfillWindow)
	assert.Equal(t, 5*time.Second, svc.resubscribeInterval)
	assert.NotNil(t, svc.ledger)
	assert.False(t, svc.IsRunning())
}

// 首次出现且未消费的 intent 被 redeem 并记入账本
func TestHandleEvent_Confirmed(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	pub := &fakePublisher{}
	svc := newTestService(&fakeSource{}, gw, l, pub)

	record := testRecord(7, 100, 0)
	hash := record.Intent.Hash()
	gw.On("IsConsumed", mock.Anything, hash).Return(false, nil)
	gw.On("Redeem", mock.Anything, hash, mock.Anything).Return(testConfirmation(), nil)

	result, err := svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.RelayStateConfirmed, result.State)
	assert.Equal(t, model.SkipReasonNone, result.Reason)
	assert.Equal(t, hash, result.IntentHash)
	assert.Equal(t, uint64(50), result.Confirmation.BlockNumber)
	gw.AssertNumberOfCalls(t, "Redeem", 1)

	attempt, err := l.Get(context.Background(), record.Key())
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, model.RelayStateConfirmed, attempt.State)
	assert.Equal(t, hash.Hex(), attempt.IntentHash)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), attempt.RedeemTxHash)
	assert.Equal(t, int64(50), attempt.ConfirmedBlock)

	outcomes := pub.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.RelayStateConfirmed, outcomes[0].State)
	assert.Equal(t, record.Key().String(), outcomes[0].EventKey)
	assert.Equal(t, "7", outcomes[0].AssetID)
	assert.Equal(t, int64(60000), outcomes[0].GasUsed)
	assert.True(t, decimal.RequireFromString("0.00006").Equal(outcomes[0].FeeEth))
	assert.NotEmpty(t, outcomes[0].OutcomeID)

	status := svc.Status()
	assert.Equal(t, uint64(1), status.Processed)
	assert.Equal(t, uint64(1), status.Confirmed)
	assert.Equal(t, uint64(100), status.LastBlock)
}

// 同一 eventKey 再次出现时直接跳过
func TestHandleEvent_Duplicate(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	pub := &fakePublisher{}
	svc := newTestService(&fakeSource{}, gw, ledger.NewMemoryLedger(), pub)

	record := testRecord(7, 100, 0)
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(testConfirmation(), nil)

	_, err := svc.HandleEvent(ctx, &record)
	require.NoError(t, err)

	again := record
	result, err := svc.HandleEvent(ctx, &again)
	require.NoError(t, err)
	assert.Equal(t, model.RelayStateSkipped, result.State)
	assert.Equal(t, model.SkipReasonDuplicate, result.Reason)

	gw.AssertNumberOfCalls(t, "IsConsumed", 1)
	gw.AssertNumberOfCalls(t, "Redeem", 1)
	// 重复事件不发布
	assert.Len(t, pub.all(), 1)
	assert.Equal(t, uint64(1), svc.Status().Skipped)
}

// 目标链已消费的 intent 不再提交
func TestHandleEvent_AlreadyConsumed(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	svc := newTestService(&fakeSource{}, gw, l, nil)

	record := testRecord(7, 100, 0)
	gw.On("IsConsumed", mock.Anything, record.Intent.Hash()).Return(true, nil)

	result, err := svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.RelayStateSkipped, result.State)
	assert.Equal(t, model.SkipReasonAlreadyConsumed, result.Reason)
	gw.AssertNotCalled(t, "Redeem", mock.Anything, mock.Anything, mock.Anything)

	attempt, err := l.Get(context.Background(), record.Key())
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, model.RelayStateSkipped, attempt.State)
	assert.Equal(t, model.SkipReasonAlreadyConsumed, attempt.SkipReason)
}

// 不同事件携带相同 intent: 第二次由合约查询拦截
func TestHandleEvent_SameIntentDifferentEvents(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	svc := newTestService(&fakeSource{}, gw, ledger.NewMemoryLedger(), nil)

	first := testRecord(7, 100, 0)
	second := testRecord(7, 101, 3)
	require.Equal(t, first.Intent.Hash(), second.Intent.Hash())

	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil).Once()
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(true, nil).Once()
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(testConfirmation(), nil).Once()

	r1, err := svc.HandleEvent(ctx, &first)
	require.NoError(t, err)
	r2, err := svc.HandleEvent(ctx, &second)
	require.NoError(t, err)

	assert.Equal(t, model.RelayStateConfirmed, r1.State)
	assert.Equal(t, model.SkipReasonAlreadyConsumed, r2.Reason)
	gw.AssertNumberOfCalls(t, "Redeem", 1)
}

// 提交失败不写入账本, 重新投递时再次处理
func TestHandleEvent_SubmissionFailureRetriedOnRedelivery(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	pub := &fakePublisher{}
	svc := newTestService(&fakeSource{}, gw, l, pub)

	record := testRecord(7, 100, 0)
	submitErr := errors.New("transport dropped")
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.Join(bridge.ErrSubmission, submitErr)).Once()
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Return(testConfirmation(), nil).Once()

	result, err := svc.HandleEvent(ctx, &record)
	assert.ErrorIs(t, err, bridge.ErrSubmission)
	assert.Equal(t, model.RelayStateFailed, result.State)
	assert.Equal(t, model.RelayStateChecked, result.Stage)

	has, err := l.Has(ctx, record.Key())
	require.NoError(t, err)
	assert.False(t, has)

	result, err = svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.RelayStateConfirmed, result.State)
	gw.AssertNumberOfCalls(t, "IsConsumed", 2)
	gw.AssertNumberOfCalls(t, "Redeem", 2)

	outcomes := pub.all()
	require.Len(t, outcomes, 2)
	assert.Equal(t, model.RelayStateFailed, outcomes[0].State)
	assert.Equal(t, model.RelayStateChecked, outcomes[0].Stage)
	assert.Contains(t, outcomes[0].Error, "transport dropped")

	status := svc.Status()
	assert.Equal(t, uint64(1), status.Failed)
	assert.Equal(t, uint64(1), status.Confirmed)
}

func TestHandleEvent_ConsumedRace(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	svc := newTestService(&fakeSource{}, gw, l, nil)

	record := testRecord(9, 100, 1)
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, bridge.ErrAlreadyConsumed)

	result, err := svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.RelayStateSkipped, result.State)
	assert.Equal(t, model.SkipReasonConsumedRace, result.Reason)

	attempt, err := l.Get(context.Background(), record.Key())
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, model.SkipReasonConsumedRace, attempt.SkipReason)

	// 不重试
	result, err = svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.SkipReasonDuplicate, result.Reason)
	gw.AssertNumberOfCalls(t, "Redeem", 1)
}

func TestHandleEvent_RevertedNotRecorded(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	svc := newTestService(&fakeSource{}, gw, l, nil)

	record := testRecord(9, 100, 1)
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &bridge.RevertError{Reason: "invalid owner"})

	result, err := svc.HandleEvent(ctx, &record)
	assert.ErrorIs(t, err, bridge.ErrReverted)
	assert.Equal(t, model.RelayStateFailed, result.State)
	assert.Equal(t, model.RelayStateSubmitted, result.Stage)

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHandleEvent_ConsumedCheckConnectivityFailure(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	svc := newTestService(&fakeSource{}, gw, l, nil)

	record := testRecord(7, 100, 0)
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, bridge.ErrConnectivity)

	result, err := svc.HandleEvent(ctx, &record)
	assert.ErrorIs(t, err, bridge.ErrConnectivity)
	assert.Equal(t, model.RelayStateFailed, result.State)
	assert.Equal(t, model.RelayStateSeen, result.Stage)
	gw.AssertNotCalled(t, "Redeem", mock.Anything, mock.Anything, mock.Anything)

	has, _ := l.Has(ctx, record.Key())
	assert.False(t, has)
}

func TestHandleEvent_LedgerFailure(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := new(mockLedger)
	svc := newTestService(&fakeSource{}, gw, l, nil)

	record := testRecord(7, 100, 0)
	l.On("Has", mock.Anything, record.Key()).Return(false, errors.New("redis down"))

	result, err := svc.HandleEvent(ctx, &record)
	assert.Error(t, err)
	assert.Equal(t, model.RelayStateFailed, result.State)
	assert.Equal(t, model.RelayStateSeen, result.Stage)
	gw.AssertNotCalled(t, "IsConsumed", mock.Anything, mock.Anything)
}

func TestHandleEvent_RecordFailureKeepsConfirmed(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	l := new(mockLedger)
	svc := newTestService(&fakeSource{}, gw, l, nil)

	record := testRecord(7, 100, 0)
	l.On("Has", mock.Anything, record.Key()).Return(false, nil)
	l.On("Record", mock.Anything, record.Key(), mock.AnythingOfType("*model.RelayAttempt")).
		Return(errors.New("write failed"))
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(testConfirmation(), nil)

	result, err := svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.RelayStateConfirmed, result.State)
	assert.Empty(t, result.Stage)
	l.AssertExpectations(t)
}

func TestHandleEvent_PanicRecovered(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	svc := newTestService(&fakeSource{}, panicGateway{}, l, nil)

	record := testRecord(7, 100, 0)
	result, err := svc.HandleEvent(ctx, &record)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	require.NotNil(t, result)
	assert.Equal(t, model.RelayStateFailed, result.State)
	assert.Equal(t, model.RelayStateChecked, result.Stage)

	// 锁已释放, 后续事件可继续处理
	result, err = svc.HandleEvent(ctx, &record)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Equal(t, uint64(2), svc.Status().Failed)
}

func TestHandleEvent_PublisherErrorIgnored(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	pub := &fakePublisher{err: errors.New("kafka down")}
	svc := newTestService(&fakeSource{}, gw, ledger.NewMemoryLedger(), pub)

	record := testRecord(7, 100, 0)
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(true, nil)

	result, err := svc.HandleEvent(ctx, &record)
	require.NoError(t, err)
	assert.Equal(t, model.SkipReasonAlreadyConsumed, result.Reason)
	assert.Len(t, pub.all(), 1)
}

// 回扫窗口之外的事件不会被处理
func TestStart_BackfillWindowBounded(t *testing.T) {
	gw := new(mockGateway)
	outside := testRecord(1, 800, 0)
	inside := testRecord(2, 1500, 0)
	src := &fakeSource{height: 2000, records: []model.EventRecord{outside, inside}}
	svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

	gw.On("IsConsumed", mock.Anything, inside.Intent.Hash()).Return(false, nil)
	gw.On("Redeem", mock.Anything, inside.Intent.Hash(), mock.Anything).Return(testConfirmation(), nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	queries := src.queryLog()
	require.NotEmpty(t, queries)
	assert.Equal(t, [2]uint64{1000, 2000}, queries[0])
	for _, q := range queries {
		assert.GreaterOrEqual(t, q[0], uint64(1000))
	}

	gw.AssertNumberOfCalls(t, "Redeem", 1)
	gw.AssertNotCalled(t, "IsConsumed", mock.Anything, outside.Intent.Hash())
	assert.Equal(t, uint64(2000), svc.Status().LastBlock)
}

func TestStart_BackfillFromGenesis(t *testing.T) {
	src := &fakeSource{height: 500}
	svc := newTestService(src, new(mockGateway), nil, nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, [2]uint64{0, 500}, src.queryLog()[0])
}

func TestStart_BackfillFailureContinuesToLive(t *testing.T) {
	gw := new(mockGateway)
	src := &fakeSource{height: 100, queryErr: bridge.ErrConnectivity}
	svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(testConfirmation(), nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()
	assert.True(t, svc.IsRunning())

	src.sub(0).events <- testRecord(3, 101, 0)

	require.Eventually(t, func() bool {
		return svc.Status().Confirmed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStart_BackfillAndLiveOverlap(t *testing.T) {
	gw := new(mockGateway)
	record := testRecord(7, 95, 0)
	src := &fakeSource{height: 100, records: []model.EventRecord{record}}
	svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(testConfirmation(), nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	src.sub(0).events <- record

	require.Eventually(t, func() bool {
		return svc.Status().Skipped == 1
	}, time.Second, 5*time.Millisecond)
	gw.AssertNumberOfCalls(t, "Redeem", 1)
}

func TestStart_AlreadyRunning(t *testing.T) {
	src := &fakeSource{height: 10}
	svc := newTestService(src, new(mockGateway), nil, nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, ErrRelayerAlreadyRunning)
	assert.Equal(t, 1, src.subCount())
}

func TestStart_SourceUnavailable(t *testing.T) {
	t.Run("height deferred until source returns", func(t *testing.T) {
		gw := new(mockGateway)
		record := testRecord(4, 90, 0)
		src := &fakeSource{height: 100, heightErr: bridge.ErrConnectivity, records: []model.EventRecord{record}}
		svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

		gw.On("IsConsumed", mock.Anything, record.Intent.Hash()).Return(false, nil)
		gw.On("Redeem", mock.Anything, record.Intent.Hash(), mock.Anything).Return(testConfirmation(), nil)

		require.NoError(t, svc.Start(context.Background()))
		defer svc.Stop()
		assert.True(t, svc.IsRunning())
		assert.Empty(t, src.queryLog())

		// 订阅已建立, 源链恢复后由下一次补齐触发回扫
		src.set(func(f *fakeSource) { f.heightErr = nil })
		src.sub(0).errs <- errors.New("websocket closed")

		require.Eventually(t, func() bool {
			return svc.Status().Confirmed == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, [2]uint64{0, 100}, src.queryLog()[0])
	})

	t.Run("subscribe retried", func(t *testing.T) {
		src := &fakeSource{height: 10, subscribeErr: bridge.ErrConnectivity}
		svc := newTestService(src, new(mockGateway), nil, nil)

		require.NoError(t, svc.Start(context.Background()))
		defer svc.Stop()
		assert.True(t, svc.IsRunning())
		assert.Equal(t, 0, src.subCount())

		src.set(func(f *fakeSource) { f.subscribeErr = nil })
		require.Eventually(t, func() bool {
			return src.subCount() == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, [2]uint64{0, 10}, src.queryLog()[0])
	})
}

func TestStart_ZeroBackfillWindow(t *testing.T) {
	gw := new(mockGateway)
	head := testRecord(1, 2000, 0)
	src := &fakeSource{height: 2000, records: []model.EventRecord{testRecord(2, 1999, 0), head}}
	zero := uint64(0)
	svc := NewRelayService(src, gw, nil, nil, &RelayServiceConfig{BackfillWindow: &zero})

	gw.On("IsConsumed", mock.Anything, head.Intent.Hash()).Return(false, nil)
	gw.On("Redeem", mock.Anything, head.Intent.Hash(), mock.Anything).Return(testConfirmation(), nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Equal(t, [2]uint64{2000, 2000}, src.queryLog()[0])
	gw.AssertNumberOfCalls(t, "Redeem", 1)
}

func TestStart_StopDuringBackfill(t *testing.T) {
	gw := new(mockGateway)
	records := make([]model.EventRecord, 0, 5)
	for i := int64(0); i < 5; i++ {
		records = append(records, testRecord(10+i, uint64(90+i), 0))
	}
	src := &fakeSource{height: 100, records: records}
	svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			once.Do(func() { close(started) })
			<-release
		}).
		Return(testConfirmation(), nil)

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(context.Background()) }()
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = svc.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return !svc.IsRunning() }, time.Second, time.Millisecond)
	close(release)

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, ErrStartAborted)
	case <-time.After(time.Second):
		t.Fatal("start did not return")
	}
	<-stopped

	// 进行中的 redeem 完成, 其余回扫事件不再提交
	gw.AssertNumberOfCalls(t, "Redeem", 1)
	assert.Equal(t, 0, src.subCount())
	assert.False(t, svc.IsRunning())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RelayerRunning))
}

func TestStart_ContextCanceledDuringBackfill(t *testing.T) {
	gw := new(mockGateway)
	src := &fakeSource{height: 100, records: []model.EventRecord{testRecord(1, 95, 0), testRecord(2, 96, 0)}}
	svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return(testConfirmation(), nil)

	err := svc.Start(ctx)
	assert.ErrorIs(t, err, ErrStartAborted)
	gw.AssertNumberOfCalls(t, "Redeem", 1)
	assert.False(t, svc.IsRunning())
	assert.NoError(t, svc.Stop())

	// 可以重新启动, 已确认的事件被账本跳过
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()
	gw.AssertNumberOfCalls(t, "Redeem", 2)
}

func TestStop_Idempotent(t *testing.T) {
	src := &fakeSource{height: 10}
	svc := newTestService(src, new(mockGateway), nil, nil)

	// 未启动时停止
	assert.NoError(t, svc.Stop())

	require.NoError(t, svc.Start(context.Background()))
	assert.NoError(t, svc.Stop())
	assert.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())
	assert.True(t, src.sub(0).isCanceled())

	// 可以重新启动
	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.IsRunning())
	assert.NoError(t, svc.Stop())
	assert.Equal(t, 2, src.subCount())
}

func TestStop_WaitsForInFlightRedeem(t *testing.T) {
	gw := new(mockGateway)
	l := ledger.NewMemoryLedger()
	src := &fakeSource{height: 100}
	svc := newTestService(src, gw, l, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-release
		}).
		Return(testConfirmation(), nil)

	require.NoError(t, svc.Start(context.Background()))

	record := testRecord(7, 101, 0)
	src.sub(0).events <- record
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = svc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight redeem finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}

	attempt, err := l.Get(context.Background(), record.Key())
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, model.RelayStateConfirmed, attempt.State)
}

func TestRun_ResubscribeAndCatchUp(t *testing.T) {
	gw := new(mockGateway)
	src := &fakeSource{height: 100}
	svc := newTestService(src, gw, ledger.NewMemoryLedger(), nil)

	gw.On("IsConsumed", mock.Anything, mock.Anything).Return(false, nil)
	gw.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(testConfirmation(), nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	missed := testRecord(5, 110, 0)
	src.set(func(f *fakeSource) {
		f.height = 120
		f.records = append(f.records, missed)
	})
	src.sub(0).errs <- errors.New("websocket closed")

	require.Eventually(t, func() bool {
		return src.subCount() == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return svc.Status().Confirmed == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, src.sub(0).isCanceled())

	// 新订阅继续工作
	src.sub(1).events <- testRecord(6, 121, 0)
	require.Eventually(t, func() bool {
		return svc.Status().Confirmed == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRun_ClosedSubscriptionResubscribes(t *testing.T) {
	src := &fakeSource{height: 100}
	svc := newTestService(src, new(mockGateway), nil, nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	close(src.sub(0).events)

	require.Eventually(t, func() bool {
		return src.subCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, svc.IsRunning())
}

func TestWeiToEth(t *testing.T) {
	assert.True(t, decimal.Zero.Equal(weiToEth(nil)))
	assert.Equal(t, "1.5", weiToEth(big.NewInt(1_500_000_000_000_000_000)).String())
	assert.Equal(t, "0", assetIDString(nil))
}
