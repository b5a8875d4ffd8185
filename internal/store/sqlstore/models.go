package sqlstore

import (
	"time"
)

// SymbolStateRow is one symbol's gate state
type SymbolStateRow struct {
	Symbol          string    `gorm:"primaryKey;size:32" json:"symbol"`
	PositionValue   string    `gorm:"not null;default:0" json:"position_value"`
	DailyTradeCount int       `json:"daily_trade_count"`
	LastTradeTime   time.Time `json:"last_trade_time"`
	History         string    `gorm:"type:text" json:"history"` // JSON array of trade records
	UpdatedAt       time.Time `json:"updated_at"`
}

func (SymbolStateRow) TableName() string { return "symbol_states" }

// OutcomeRow is one audited rebalance action
type OutcomeRow struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Symbol     string    `gorm:"index" json:"symbol"`
	ActionType string    `json:"action_type"`
	Success    bool      `json:"success"`
	Error      string    `json:"error"`
	Action     string    `gorm:"type:text" json:"action"` // JSON encoded action
	ExecutedAt time.Time `gorm:"index" json:"executed_at"`
}

func (OutcomeRow) TableName() string { return "rebalance_outcomes" }
