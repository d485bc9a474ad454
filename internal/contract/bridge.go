// Package contract provides ABI bindings for the NFT bridge contracts.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
)

// Bridge contract errors
var (
	ErrNotBridgeIntent     = errors.New("log is not a BridgeIntent event")
	ErrNotRedeemed         = errors.New("log is not a Redeemed event")
	ErrInvalidRedeemParams = errors.New("invalid redeem parameters")
	// ErrUnexpectedOutput the call succeeded but returned data that does not decode,
	// e.g. 0x from an address without code.
	ErrUnexpectedOutput = errors.New("unexpected contract output")
)

// SourceBridgeABI is the ABI subset of the L3 OrbitNFT contract the relayer reads.
//
//	event BridgeIntent(uint256 indexed tokenId, address indexed owner, bytes32 indexed dest);
const SourceBridgeABI = `[
	{
		"type": "event",
		"name": "BridgeIntent",
		"anonymous": false,
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "owner", "type": "address", "indexed": true},
			{"name": "dest", "type": "bytes32", "indexed": true}
		]
	}
]`

// DestinationBridgeABI is the ABI subset of the L2BridgeNFT contract the relayer calls.
//
//	function redeem(bytes32 intentHash, uint256 l3TokenId, address owner) external;
//	function consumedIntents(bytes32) external view returns (bool);
//	event Redeemed(uint256 l3TokenId, address owner);
const DestinationBridgeABI = `[
	{
		"type": "function",
		"name": "redeem",
		"inputs": [
			{"name": "intentHash", "type": "bytes32"},
			{"name": "l3TokenId", "type": "uint256"},
			{"name": "owner", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "consumedIntents",
		"inputs": [
			{"name": "", "type": "bytes32"}
		],
		"outputs": [
			{"name": "", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "Redeemed",
		"anonymous": false,
		"inputs": [
			{"name": "l3TokenId", "type": "uint256", "indexed": false},
			{"name": "owner", "type": "address", "indexed": false}
		]
	}
]`

// Caller is the read-only part of a contract backend.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SourceBridge decodes BridgeIntent events emitted on the source chain.
type SourceBridge struct {
	address common.Address
	abi     abi.ABI
}

// NewSourceBridge creates a new source bridge binding.
func NewSourceBridge(address common.Address) (*SourceBridge, error) {
	parsed, err := abi.JSON(strings.NewReader(SourceBridgeABI))
	if err != nil {
		return nil, err
	}
	return &SourceBridge{address: address, abi: parsed}, nil
}

// Address returns the contract address.
func (c *SourceBridge) Address() common.Address {
	return c.address
}

// BridgeIntentTopic returns the topic for BridgeIntent events.
func (c *SourceBridge) BridgeIntentTopic() common.Hash {
	return c.abi.Events["BridgeIntent"].ID
}

// FilterQuery builds a log query for BridgeIntent events in [from, to].
// A nil to leaves the range open for subscriptions.
func (c *SourceBridge) FilterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{c.BridgeIntentTopic()}},
	}
}

// ParseBridgeIntent parses a BridgeIntent event from a log.
// All three parameters are indexed, so they are read from the topics.
func (c *SourceBridge) ParseBridgeIntent(log types.Log) (*model.EventRecord, error) {
	if len(log.Topics) == 0 || log.Topics[0] != c.BridgeIntentTopic() {
		return nil, ErrNotBridgeIntent
	}
	if len(log.Topics) < 4 {
		return nil, fmt.Errorf("not enough topics for BridgeIntent event: %d", len(log.Topics))
	}

	return &model.EventRecord{
		Intent: model.BridgeIntent{
			AssetID:             new(big.Int).SetBytes(log.Topics[1].Bytes()),
			Owner:               common.BytesToAddress(log.Topics[2].Bytes()),
			DestinationSelector: log.Topics[3],
		},
		OriginTxID:  log.TxHash,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
	}, nil
}

// RedeemedEvent represents the Redeemed event from the destination contract.
type RedeemedEvent struct {
	L3TokenId *big.Int
	Owner     common.Address
	Raw       types.Log
}

// DestinationBridge provides methods to interact with the L2 bridge contract.
type DestinationBridge struct {
	address common.Address
	abi     abi.ABI
	caller  Caller
}

// NewDestinationBridge creates a new destination bridge binding.
func NewDestinationBridge(address common.Address, caller Caller) (*DestinationBridge, error) {
	parsed, err := abi.JSON(strings.NewReader(DestinationBridgeABI))
	if err != nil {
		return nil, err
	}
	return &DestinationBridge{address: address, abi: parsed, caller: caller}, nil
}

// Address returns the contract address.
func (c *DestinationBridge) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *DestinationBridge) ABI() abi.ABI {
	return c.abi
}

// PackRedeem packs the redeem function call data.
func (c *DestinationBridge) PackRedeem(intentHash common.Hash, tokenID *big.Int, owner common.Address) ([]byte, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, ErrInvalidRedeemParams
	}
	return c.abi.Pack("redeem", intentHash, tokenID, owner)
}

// IsConsumed queries consumedIntents(intentHash).
func (c *DestinationBridge) IsConsumed(ctx context.Context, intentHash common.Hash) (bool, error) {
	data, err := c.abi.Pack("consumedIntents", intentHash)
	if err != nil {
		return false, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return false, err
	}

	out, err := c.abi.Unpack("consumedIntents", result)
	if err != nil {
		return false, fmt.Errorf("%w: consumedIntents returned %d bytes: %w", ErrUnexpectedOutput, len(result), err)
	}
	consumed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: consumedIntents output type %T", ErrUnexpectedOutput, out[0])
	}

	return consumed, nil
}

// RedeemedEventTopic returns the topic for Redeemed events.
func (c *DestinationBridge) RedeemedEventTopic() common.Hash {
	return c.abi.Events["Redeemed"].ID
}

// ParseRedeemed parses a Redeemed event from a log.
func (c *DestinationBridge) ParseRedeemed(log types.Log) (*RedeemedEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != c.RedeemedEventTopic() {
		return nil, ErrNotRedeemed
	}

	event := &RedeemedEvent{Raw: log}
	if err := c.abi.UnpackIntoInterface(event, "Redeemed", log.Data); err != nil {
		return nil, err
	}
	return event, nil
}

// FindRedeemed returns the first Redeemed event in a receipt.
func (c *DestinationBridge) FindRedeemed(receipt *types.Receipt) (*RedeemedEvent, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != c.address {
			continue
		}
		event, err := c.ParseRedeemed(*log)
		if err == nil {
			return event, true
		}
	}
	return nil, false
}
