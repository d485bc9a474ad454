package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// Gas estimation errors
var (
	ErrGasEstimationReverted = errors.New("gas estimation reverted")
	ErrGasPriceTooHigh       = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh       = errors.New("gas limit exceeds maximum")
)

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasPriceMultiplier is the multiplier for suggested gas price (1.1 = 10% buffer).
	GasPriceMultiplier float64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
	// BaseGasForRedeem is used when the node cannot estimate.
	BaseGasForRedeem uint64
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      *big.Int
	EstimatedCost *big.Int
	// Fallback is true when BaseGasForRedeem was used.
	Fallback bool
}

// GasBackend is the subset of the chain client used for estimation.
type GasBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimator prices and sizes redeem transactions.
type GasEstimator struct {
	cfg     GasEstimatorConfig
	backend GasBackend

	priceBuffer decimal.Decimal
	limitBuffer decimal.Decimal

	mu    sync.Mutex
	price *big.Int
	until time.Time
}

func (c GasEstimatorConfig) withDefaults() GasEstimatorConfig {
	if c.MaxGasPrice == nil {
		c.MaxGasPrice = big.NewInt(500e9)
	}
	if c.MaxGasLimit == 0 {
		c.MaxGasLimit = 10_000_000
	}
	if c.GasPriceMultiplier == 0 {
		c.GasPriceMultiplier = 1.1
	}
	if c.GasLimitMultiplier == 0 {
		c.GasLimitMultiplier = 1.2
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 12 * time.Second
	}
	if c.BaseGasForRedeem == 0 {
		c.BaseGasForRedeem = 300_000
	}
	return c
}

// NewGasEstimator creates a gas estimator; zero config fields take defaults.
func NewGasEstimator(cfg *GasEstimatorConfig, backend GasBackend) *GasEstimator {
	var c GasEstimatorConfig
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()

	return &GasEstimator{
		cfg:         c,
		backend:     backend,
		priceBuffer: decimal.NewFromFloat(c.GasPriceMultiplier),
		limitBuffer: decimal.NewFromFloat(c.GasLimitMultiplier),
	}
}

// GetGasPrice returns the buffered node gas price, cached for CacheTTL.
func (e *GasEstimator) GetGasPrice(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	if e.price != nil && time.Now().Before(e.until) {
		p := new(big.Int).Set(e.price)
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	suggested, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	price := suggested
	if e.priceBuffer.GreaterThan(decimal.NewFromInt(1)) {
		price = scale(suggested, e.priceBuffer)
	}
	if price.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("%w: %s > %s wei", ErrGasPriceTooHigh, price, e.cfg.MaxGasPrice)
	}

	e.mu.Lock()
	e.price = price
	e.until = time.Now().Add(e.cfg.CacheTTL)
	e.mu.Unlock()

	return new(big.Int).Set(price), nil
}

// EstimateRedeemGas estimates gas for a redeem call.
// A revert during estimation is returned as ErrGasEstimationReverted; any
// other estimation failure falls back to BaseGasForRedeem.
func (e *GasEstimator) EstimateRedeemGas(ctx context.Context, from, to common.Address, data []byte) (*GasEstimate, error) {
	price, err := e.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	est := &GasEstimate{GasPrice: price}
	used, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: price, Data: data})
	switch {
	case err == nil:
		est.GasLimit = scale(new(big.Int).SetUint64(used), e.limitBuffer).Uint64()
	default:
		if reason, reverted := RevertReason(err); reverted {
			return nil, fmt.Errorf("%w: %s", ErrGasEstimationReverted, reason)
		}
		est.GasLimit = e.cfg.BaseGasForRedeem
		est.Fallback = true
	}

	if est.GasLimit > e.cfg.MaxGasLimit {
		return nil, fmt.Errorf("%w: %d > %d", ErrGasLimitTooHigh, est.GasLimit, e.cfg.MaxGasLimit)
	}
	est.EstimatedCost = new(big.Int).Mul(price, new(big.Int).SetUint64(est.GasLimit))
	return est, nil
}

// InvalidateCache drops the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.price = nil
	e.mu.Unlock()
}

// scale multiplies v by factor, truncating toward zero.
func scale(v *big.Int, factor decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(factor).BigInt()
}

// RevertReason extracts the revert reason from a node error.
// The second return value reports whether err is an execution revert.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimPrefix(msg[idx+len("execution reverted"):], ":")
		return strings.TrimSpace(reason), true
	}
	if dataErr != nil {
		return msg, true
	}
	return "", false
}

// IsConsumedReason reports whether a revert reason means the intent was already consumed.
func IsConsumedReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "consumed")
}
