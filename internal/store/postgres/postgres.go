// Package postgres persists gate state and the rebalance audit in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

const defaultListLimit = 1000

// Schema is applied by EnsureSchema; statements are idempotent
const Schema = `
CREATE TABLE IF NOT EXISTS symbol_states (
	symbol            TEXT PRIMARY KEY,
	position_value    NUMERIC NOT NULL DEFAULT 0,
	daily_trade_count INTEGER NOT NULL DEFAULT 0,
	last_trade_time   TIMESTAMPTZ NOT NULL,
	history           JSONB NOT NULL DEFAULT '[]',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rebalance_outcomes (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	action_type TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	action      JSONB NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rebalance_outcomes_executed_at_idx ON rebalance_outcomes (executed_at DESC);`

// ErrDuplicateOutcome is returned when an outcome ID was already audited
var ErrDuplicateOutcome = errors.New("duplicate rebalance outcome")

// Repo implements the store contract over sqlx
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

type stateRow struct {
	Symbol          string    `db:"symbol"`
	PositionValue   string    `db:"position_value"`
	DailyTradeCount int       `db:"daily_trade_count"`
	LastTradeTime   time.Time `db:"last_trade_time"`
	History         []byte    `db:"history"`
}

type outcomeRow struct {
	ID         string    `db:"id"`
	Success    bool      `db:"success"`
	Error      string    `db:"error"`
	Action     []byte    `db:"action"`
	ExecutedAt time.Time `db:"executed_at"`
}

// Open connects, pings and ensures the schema exists
func Open(dsn string, timeout time.Duration) (*Repo, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	repo := New(db, timeout)

	ctx, cancel := context.WithTimeout(context.Background(), repo.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := repo.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// New wraps an existing connection
func New(db *sqlx.DB, timeout time.Duration) *Repo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Repo{db: db, timeout: timeout}
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *Repo) SaveSymbolState(ctx context.Context, state safety.SymbolState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if state.Symbol == "" {
		return fmt.Errorf("cannot save state without symbol")
	}

	history, err := json.Marshal(state.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	query := `
		INSERT INTO symbol_states (symbol, position_value, daily_trade_count, last_trade_time, history, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (symbol) DO UPDATE SET
			position_value = EXCLUDED.position_value,
			daily_trade_count = EXCLUDED.daily_trade_count,
			last_trade_time = EXCLUDED.last_trade_time,
			history = EXCLUDED.history,
			updated_at = now()`

	_, err = r.db.ExecContext(ctx, query,
		state.Symbol, state.PositionValue.String(), state.DailyTradeCount,
		state.LastTradeTime, history)
	if err != nil {
		return fmt.Errorf("failed to upsert symbol state: %w", err)
	}
	return nil
}

func (r *Repo) LoadSymbolStates(ctx context.Context) (map[string]safety.SymbolState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []stateRow
	query := `
		SELECT symbol, position_value, daily_trade_count, last_trade_time, history
		FROM symbol_states`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query symbol states: %w", err)
	}

	out := make(map[string]safety.SymbolState, len(rows))
	for _, row := range rows {
		pos, err := decimal.NewFromString(row.PositionValue)
		if err != nil {
			return nil, fmt.Errorf("corrupt position value for %s: %w", row.Symbol, err)
		}
		var history []safety.TradeRecord
		if len(row.History) > 0 {
			if err := json.Unmarshal(row.History, &history); err != nil {
				return nil, fmt.Errorf("corrupt history for %s: %w", row.Symbol, err)
			}
		}
		out[row.Symbol] = safety.SymbolState{
			Symbol:          row.Symbol,
			History:         history,
			PositionValue:   pos,
			DailyTradeCount: row.DailyTradeCount,
			LastTradeTime:   row.LastTradeTime,
		}
	}
	return out, nil
}

func (r *Repo) AppendOutcome(ctx context.Context, outcome rebalance.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	action, err := json.Marshal(outcome.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	query := `
		INSERT INTO rebalance_outcomes (id, symbol, action_type, success, error, action, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		outcome.ID, outcome.Action.Symbol, string(outcome.Action.ActionType),
		outcome.Success, outcome.Error, action, outcome.ExecutedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateOutcome, outcome.ID)
		}
		return fmt.Errorf("failed to insert rebalance outcome: %w", err)
	}
	return nil
}

func (r *Repo) ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultListLimit
	}

	var rows []outcomeRow
	query := `
		SELECT id, success, error, action, executed_at
		FROM rebalance_outcomes
		ORDER BY executed_at DESC
		LIMIT $1`
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query rebalance outcomes: %w", err)
	}

	out := make([]rebalance.Outcome, 0, len(rows))
	for _, row := range rows {
		var action rebalance.Action
		if err := json.Unmarshal(row.Action, &action); err != nil {
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

func (r *Repo) Close() error {
	return r.db.Close()
}
