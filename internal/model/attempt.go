package model

// RelayState 中继状态
type RelayState string

// 前四个为处理中阶段, 只出现在失败结果的 Stage 中
const (
	RelayStateUnseen    RelayState = "UNSEEN"
	RelayStateSeen      RelayState = "SEEN"
	RelayStateChecked   RelayState = "CHECKED"
	RelayStateSubmitted RelayState = "SUBMITTED"
	RelayStateConfirmed RelayState = "CONFIRMED"
	RelayStateSkipped   RelayState = "SKIPPED"
	RelayStateFailed    RelayState = "FAILED"
)

// SkipReason 跳过原因
type SkipReason string

const (
	SkipReasonNone SkipReason = ""
	// SkipReasonDuplicate 本进程已处理过同一 eventKey
	SkipReasonDuplicate SkipReason = "duplicate"
	// SkipReasonAlreadyConsumed L2 合约查询显示已消费
	SkipReasonAlreadyConsumed SkipReason = "already_consumed"
	// SkipReasonConsumedRace redeem 被合约以已消费拒绝
	SkipReasonConsumedRace SkipReason = "consumed_race"
)

// RelayAttempt 中继处理记录, 持久化账本使用
type RelayAttempt struct {
	ID                  int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OriginTxHash        string     `gorm:"column:origin_tx_hash;type:varchar(66);not null;uniqueIndex:ux_relay_event_key,priority:1" json:"origin_tx_hash"`
	LogIndex            int        `gorm:"column:log_index;type:int;not null;uniqueIndex:ux_relay_event_key,priority:2" json:"log_index"`
	BlockNumber         int64      `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	IntentHash          string     `gorm:"column:intent_hash;type:varchar(66);index;not null" json:"intent_hash"`
	AssetID             string     `gorm:"column:asset_id;type:varchar(78);not null" json:"asset_id"`
	Owner               string     `gorm:"column:owner;type:varchar(42);not null" json:"owner"`
	DestinationSelector string     `gorm:"column:destination_selector;type:varchar(66);not null" json:"destination_selector"`
	State               RelayState `gorm:"column:state;type:varchar(20);not null" json:"state"`
	SkipReason          SkipReason `gorm:"column:skip_reason;type:varchar(32)" json:"skip_reason,omitempty"`
	RedeemTxHash        string     `gorm:"column:redeem_tx_hash;type:varchar(66)" json:"redeem_tx_hash,omitempty"`
	ConfirmedBlock      int64      `gorm:"column:confirmed_block;type:bigint" json:"confirmed_block,omitempty"`
	CreatedAt           int64      `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt           int64      `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (RelayAttempt) TableName() string {
	return "bridge_relay_attempts"
}

// NewRelayAttempt 根据事件构建处理记录
func NewRelayAttempt(record *EventRecord, intentHash string, state RelayState, reason SkipReason) *RelayAttempt {
	assetID := "0"
	if record.Intent.AssetID != nil {
		assetID = record.Intent.AssetID.String()
	}
	return &RelayAttempt{
		OriginTxHash:        record.OriginTxID.Hex(),
		LogIndex:            int(record.LogIndex),
		BlockNumber:         int64(record.BlockNumber),
		IntentHash:          intentHash,
		AssetID:             assetID,
		Owner:               record.Intent.Owner.Hex(),
		DestinationSelector: record.Intent.DestinationSelector.Hex(),
		State:               state,
		SkipReason:          reason,
	}
}
