package model

import "github.com/shopspring/decimal"

// RedeemOutcome 中继结果通知 (Kafka)
type RedeemOutcome struct {
	OutcomeID   string          `json:"outcome_id"`
	EventKey    string          `json:"event_key"`
	IntentHash  string          `json:"intent_hash"`
	AssetID     string          `json:"asset_id"`
	Owner       string          `json:"owner"`
	State       RelayState      `json:"state"`
	Reason      SkipReason      `json:"reason,omitempty"`
	Stage       RelayState      `json:"stage,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	BlockNumber int64           `json:"block_number,omitempty"`
	GasUsed     int64           `json:"gas_used,omitempty"`
	FeeEth      decimal.Decimal `json:"fee_eth"`
	Error       string          `json:"error,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}
