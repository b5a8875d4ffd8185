// Package sqlstore persists gate state and the rebalance audit in SQLite through gorm.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

type Database struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates the schema
func Open(path string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return NewDatabase(db)
}

// NewDatabase migrates the schema on an existing connection
func NewDatabase(db *gorm.DB) (*Database, error) {
	if err := db.AutoMigrate(&SymbolStateRow{}, &OutcomeRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) SaveSymbolState(ctx context.Context, state safety.SymbolState) error {
	row, err := toRow(state)
	if err != nil {
		return err
	}

	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{"position_value", "daily_trade_count", "last_trade_time", "history", "updated_at"}),
		}).
		Create(&row).Error
}

func (d *Database) LoadSymbolStates(ctx context.Context) (map[string]safety.SymbolState, error) {
	var rows []SymbolStateRow
	if err := d.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]safety.SymbolState, len(rows))
	for _, row := range rows {
		state, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out[state.Symbol] = state
	}
	return out, nil
}

// GetSymbolState returns nil when the symbol has never been recorded
func (d *Database) GetSymbolState(ctx context.Context, symbol string) (*safety.SymbolState, error) {
	var row SymbolStateRow
	if err := d.db.WithContext(ctx).Where("symbol = ?", symbol).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	state, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *Database) AppendOutcome(ctx context.Context, outcome rebalance.Outcome) error {
	action, err := json.Marshal(outcome.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	return d.db.WithContext(ctx).Create(&OutcomeRow{
		ID:         outcome.ID,
		Symbol:     outcome.Action.Symbol,
		ActionType: string(outcome.Action.ActionType),
		Success:    outcome.Success,
		Error:      outcome.Error,
		Action:     string(action),
		ExecutedAt: outcome.ExecutedAt,
	}).Error
}

func (d *Database) ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error) {
	var rows []OutcomeRow
	q := d.db.WithContext(ctx).Order("executed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]rebalance.Outcome, 0, len(rows))
	for _, row := range rows {
		var action rebalance.Action
		if err := json.Unmarshal([]byte(row.Action), &action); err != nil {
			return nil, fmt.Errorf("corrupt audit action %s: %w", row.ID, err)
		}
		out = append(out, rebalance.Outcome{
			ID:         row.ID,
			Action:     action,
			Success:    row.Success,
			Error:      row.Error,
			ExecutedAt: row.ExecutedAt,
		})
	}
	return out, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(state safety.SymbolState) (SymbolStateRow, error) {
	if state.Symbol == "" {
		return SymbolStateRow{}, fmt.Errorf("cannot save state without symbol")
	}
	history, err := json.Marshal(state.History)
	if err != nil {
		return SymbolStateRow{}, fmt.Errorf("failed to marshal history: %w", err)
	}
	return SymbolStateRow{
		Symbol:          state.Symbol,
		PositionValue:   state.PositionValue.String(),
		DailyTradeCount: state.DailyTradeCount,
		LastTradeTime:   state.LastTradeTime,
		History:         string(history),
	}, nil
}

func fromRow(row SymbolStateRow) (safety.SymbolState, error) {
	pos, err := decimal.NewFromString(row.PositionValue)
	if err != nil {
		return safety.SymbolState{}, fmt.Errorf("corrupt position value for %s: %w", row.Symbol, err)
	}

	var history []safety.TradeRecord
	if row.History != "" {
		if err := json.Unmarshal([]byte(row.History), &history); err != nil {
			return safety.SymbolState{}, fmt.Errorf("corrupt history for %s: %w", row.Symbol, err)
		}
	}

	return safety.SymbolState{
		Symbol:          row.Symbol,
		History:         history,
		PositionValue:   pos,
		DailyTradeCount: row.DailyTradeCount,
		LastTradeTime:   row.LastTradeTime,
	}, nil
}
