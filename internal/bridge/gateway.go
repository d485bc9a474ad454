package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
)

// Gateway 目标链 (L2) 网关
type Gateway interface {
	// IsConsumed 查询 consumedIntents(hash)
	IsConsumed(ctx context.Context, hash common.Hash) (bool, error)
	// Redeem 提交 redeem 并等待确认
	Redeem(ctx context.Context, hash common.Hash, intent *model.BridgeIntent) (*Confirmation, error)
}

// Confirmation redeem 确认结果
type Confirmation struct {
	TxHash            common.Hash
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Fee 实际手续费 (wei)
func (c *Confirmation) Fee() *big.Int {
	if c.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(c.EffectiveGasPrice, new(big.Int).SetUint64(c.GasUsed))
}

// ChainBackend 目标链客户端
type ChainBackend interface {
	contract.GasBackend
	Address() common.Address
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
}

// NonceAllocator nonce 分配
type NonceAllocator interface {
	AcquireNonce(ctx context.Context) (uint64, error)
	ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error
	ReleaseNonce(ctx context.Context, nonce uint64) error
	OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error
	SyncFromChain(ctx context.Context) error
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	// Confirmations 回执所在区块之上需要的区块数 (含自身)
	Confirmations       uint64
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// ChainGateway 基于链客户端的 Gateway 实现
type ChainGateway struct {
	backend  ChainBackend
	contract *contract.DestinationBridge
	gas      *contract.GasEstimator
	nonces   NonceAllocator
	cfg      GatewayConfig
}

// NewChainGateway 创建网关
func NewChainGateway(backend ChainBackend, dest *contract.DestinationBridge, gas *contract.GasEstimator, nonces NonceAllocator, cfg *GatewayConfig) *ChainGateway {
	c := GatewayConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.ReceiptPollInterval == 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = 5 * time.Minute
	}

	return &ChainGateway{
		backend:  backend,
		contract: dest,
		gas:      gas,
		nonces:   nonces,
		cfg:      c,
	}
}

// IsConsumed 查询 intent 是否已被消费
func (g *ChainGateway) IsConsumed(ctx context.Context, hash common.Hash) (bool, error) {
	consumed, err := g.contract.IsConsumed(ctx, hash)
	switch {
	case err == nil:
		return consumed, nil
	case errors.Is(err, contract.ErrUnexpectedOutput):
		// 地址或 ABI 配置错误, 换节点无意义
		return false, fmt.Errorf("consumedIntents: %w", err)
	case errors.Is(err, context.DeadlineExceeded), blockchain.IsTransportError(err):
		return false, connectivity("consumedIntents", err)
	default:
		return false, fmt.Errorf("consumedIntents: %w", err)
	}
}

// Redeem 提交 redeem 交易并阻塞到确认
func (g *ChainGateway) Redeem(ctx context.Context, hash common.Hash, intent *model.BridgeIntent) (*Confirmation, error) {
	data, err := g.contract.PackRedeem(hash, intent.AssetID, intent.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: pack redeem: %w", ErrSubmission, err)
	}

	from := g.backend.Address()
	to := g.contract.Address()

	est, err := g.gas.EstimateRedeemGas(ctx, from, to, data)
	if err != nil {
		if errors.Is(err, contract.ErrGasEstimationReverted) && contract.IsConsumedReason(err.Error()) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyConsumed, err)
		}
		return nil, fmt.Errorf("%w: estimate gas: %w", ErrSubmission, err)
	}
	if est.Fallback {
		logger.Warn("gas estimation unavailable, using fallback limit",
			zap.String("intent_hash", hash.Hex()),
			zap.Uint64("gas_limit", est.GasLimit))
	}

	nonce, err := g.nonces.AcquireNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire nonce: %w", ErrSubmission, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      est.GasLimit,
		GasPrice: est.GasPrice,
		Data:     data,
	})

	signed, err := g.backend.SignTransaction(tx)
	if err != nil {
		g.releaseNonce(ctx, nonce)
		return nil, fmt.Errorf("%w: sign: %w", ErrSubmission, err)
	}

	if err := g.backend.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
		g.releaseNonce(ctx, nonce)
		return nil, g.classifySendError(ctx, err)
	}

	txHash := signed.Hash()
	if err := g.nonces.ConfirmNonce(ctx, nonce, txHash.Hex()); err != nil {
		logger.Warn("failed to record pending nonce",
			zap.Uint64("nonce", nonce),
			zap.String("tx_hash", txHash.Hex()),
			zap.Error(err))
	}

	logger.Info("redeem submitted",
		zap.String("intent_hash", hash.Hex()),
		zap.String("redeem_tx", txHash.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", est.GasLimit))

	receipt, err := g.waitForConfirmation(ctx, txHash)
	if err != nil {
		return nil, err
	}

	if err := g.nonces.OnTxConfirmed(ctx, nonce, txHash.Hex()); err != nil {
		logger.Warn("failed to clear pending nonce", zap.Uint64("nonce", nonce), zap.Error(err))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, g.classifyRevert(ctx, hash, signed, receipt)
	}

	if _, ok := g.contract.FindRedeemed(receipt); !ok {
		logger.Warn("redeem receipt has no Redeemed event", zap.String("redeem_tx", txHash.Hex()))
	}

	effectivePrice := receipt.EffectiveGasPrice
	if effectivePrice == nil {
		effectivePrice = est.GasPrice
	}

	return &Confirmation{
		TxHash:            txHash,
		BlockNumber:       receipt.BlockNumber.Uint64(),
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: effectivePrice,
	}, nil
}

// waitForConfirmation 等待回执并达到确认深度
func (g *ChainGateway) waitForConfirmation(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		var (
			confirmed bool
			err       error
		)
		receipt, confirmed, err = g.pollReceipt(ctx, txHash, receipt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, g.waitError(ctx, txHash)
			}
			return nil, connectivity("wait for receipt", err)
		}
		if confirmed {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, g.waitError(ctx, txHash)
		case <-ticker.C:
		}
	}
}

// pollReceipt 推进一次确认状态
// 确认期间回执消失或换块 (重组) 时重新计算深度
func (g *ChainGateway) pollReceipt(ctx context.Context, txHash common.Hash, receipt *types.Receipt) (*types.Receipt, bool, error) {
	if receipt == nil {
		r, err := g.backend.TransactionReceipt(ctx, txHash)
		if errors.Is(err, blockchain.ErrTxNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if r.BlockNumber == nil {
			return nil, false, nil
		}
		if g.cfg.Confirmations <= 1 {
			return r, true, nil
		}
		receipt = r
	}

	head, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return receipt, false, err
	}
	if head+1 < receipt.BlockNumber.Uint64()+g.cfg.Confirmations {
		return receipt, false, nil
	}

	latest, err := g.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, blockchain.ErrTxNotFound) {
		logger.Warn("redeem receipt dropped, waiting again", zap.String("redeem_tx", txHash.Hex()))
		return nil, false, nil
	}
	if err != nil {
		return receipt, false, err
	}
	if latest.BlockHash != receipt.BlockHash {
		return latest, false, nil
	}
	return latest, true, nil
}

func (g *ChainGateway) waitError(ctx context.Context, txHash common.Hash) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
	}
	return fmt.Errorf("wait for %s: %w", txHash.Hex(), ctx.Err())
}

// classifySendError 广播失败分类
func (g *ChainGateway) classifySendError(ctx context.Context, err error) error {
	if reason, reverted := contract.RevertReason(err); reverted && contract.IsConsumedReason(reason) {
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, reason)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, blockchain.ErrNonceTooLow) || strings.Contains(msg, "nonce too low"):
		if syncErr := g.nonces.SyncFromChain(ctx); syncErr != nil {
			logger.Warn("nonce resync failed", zap.Error(syncErr))
		}
		return fmt.Errorf("%w: %w: %w", ErrSubmission, blockchain.ErrNonceTooLow, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %w: %w", ErrSubmission, blockchain.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%w: send: %w", ErrSubmission, err)
}

// classifyRevert 交易执行失败后判断是否因为已被消费
func (g *ChainGateway) classifyRevert(ctx context.Context, hash common.Hash, tx *types.Transaction, receipt *types.Receipt) error {
	reason := g.replayRevertReason(ctx, tx, receipt)
	if contract.IsConsumedReason(reason) {
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, reason)
	}

	consumed, err := g.contract.IsConsumed(ctx, hash)
	if err == nil && consumed {
		return fmt.Errorf("%w: consumed by another transaction", ErrAlreadyConsumed)
	}

	return &RevertError{Reason: reason, TxHash: tx.Hash()}
}

// replayRevertReason 在回执所在区块重放调用以获取 revert 原因, 失败时返回空字符串
func (g *ChainGateway) replayRevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:     g.backend.Address(),
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Data:     tx.Data(),
	}
	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}

	_, err := g.backend.CallContract(ctx, msg, block)
	reason, _ := contract.RevertReason(err)
	return reason
}

func (g *ChainGateway) releaseNonce(ctx context.Context, nonce uint64) {
	if err := g.nonces.ReleaseNonce(ctx, nonce); err != nil {
		logger.Warn("failed to release nonce", zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
