package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// BridgeIntent 一次跨链请求 (L3 -> L2)
type BridgeIntent struct {
	AssetID             *big.Int       `json:"asset_id"`
	Owner               common.Address `json:"owner"`
	DestinationSelector common.Hash    `json:"destination_selector"`
}

// HashIntent 计算 intent 哈希
// keccak256(abi.encodePacked(uint256 assetId, address owner, bytes32 dest)), 必须与 L2 合约一致
func HashIntent(intent *BridgeIntent) common.Hash {
	assetID := intent.AssetID
	if assetID == nil {
		assetID = new(big.Int)
	}

	packed := make([]byte, 0, 32+common.AddressLength+common.HashLength)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(assetID))...)
	packed = append(packed, intent.Owner.Bytes()...)
	packed = append(packed, intent.DestinationSelector.Bytes()...)

	return crypto.Keccak256Hash(packed)
}

// Hash 计算 intent 哈希
func (i *BridgeIntent) Hash() common.Hash {
	return HashIntent(i)
}

// EventKey 源链事件唯一标识 (txHash, logIndex), 仅用于本地去重
type EventKey struct {
	TxHash   common.Hash `json:"tx_hash"`
	LogIndex uint        `json:"log_index"`
}

// String 返回 "<txHash>-<logIndex>"
func (k EventKey) String() string {
	return fmt.Sprintf("%s-%d", k.TxHash.Hex(), k.LogIndex)
}

// EventRecord 源链上的一次 BridgeIntent 事件
type EventRecord struct {
	Intent      BridgeIntent `json:"intent"`
	OriginTxID  common.Hash  `json:"origin_tx_id"`
	LogIndex    uint         `json:"log_index"`
	BlockNumber uint64       `json:"block_number"`
}

// Key 返回事件去重键
func (r *EventRecord) Key() EventKey {
	return EventKey{TxHash: r.OriginTxID, LogIndex: r.LogIndex}
}
