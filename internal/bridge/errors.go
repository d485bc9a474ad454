package bridge

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrConnectivity 链节点不可达或超时
	ErrConnectivity = errors.New("chain connectivity failure")
	// ErrAlreadyConsumed 目标合约已消费该 intent
	ErrAlreadyConsumed = errors.New("intent already consumed")
	// ErrSubmission 交易上链前失败 (签名, nonce, 广播)
	ErrSubmission = errors.New("redeem submission failed")
	// ErrReverted 交易已上链但执行失败
	ErrReverted = errors.New("redeem reverted")
	// ErrReceiptTimeout 等待回执超时, 交易可能仍在交易池
	ErrReceiptTimeout = errors.New("redeem receipt timeout")
)

// RevertError 链上执行失败
type RevertError struct {
	Reason string
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("redeem reverted: tx %s", e.TxHash.Hex())
	}
	return fmt.Sprintf("redeem reverted: %s (tx %s)", e.Reason, e.TxHash.Hex())
}

// Is 使 errors.Is(err, ErrReverted) 成立
func (e *RevertError) Is(target error) bool {
	return target == ErrReverted
}

// connectivity 把传输错误包装为 ErrConnectivity
func connectivity(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, err)
}
