// Package redisstore persists gate state and the rebalance audit in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

const (
	statePrefix = "safety:state:"
	symbolsKey  = "safety:symbols"
	auditKey    = "safety:audit"

	// MaxAuditEntries bounds the audit list; older entries are trimmed
	MaxAuditEntries = 10000
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

type Store struct {
	r       *redis.Client
	timeout time.Duration
}

// Open connects and pings the server
func Open(opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := New(client, opts.Timeout)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return s, nil
}

// New wraps an existing client
func New(client *redis.Client, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{r: client, timeout: timeout}
}

func stateKey(symbol string) string {
	return statePrefix + symbol
}

func (s *Store) SaveSymbolState(ctx context.Context, state safety.SymbolState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if state.Symbol == "" {
		return fmt.Errorf("cannot save state without symbol")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal symbol state: %w", err)
	}

	// Index before value; load skips index entries with no value
	if err := s.r.SAdd(ctx, symbolsKey, state.Symbol).Err(); err != nil {
		return fmt.Errorf("failed to index symbol %s: %w", state.Symbol, err)
	}
	if err := s.r.Set(ctx, stateKey(state.Symbol), string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to save symbol state %s: %w", state.Symbol, err)
	}
	return nil
}

func (s *Store) LoadSymbolStates(ctx context.Context) (map[string]safety.SymbolState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	symbols, err := s.r.SMembers(ctx, symbolsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}

	out := make(map[string]safety.SymbolState, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	sort.Strings(symbols)

	keys := make([]string, len(symbols))
	for i, symbol := range symbols {
		keys[i] = stateKey(symbol)
	}

	values, err := s.r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load symbol states: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state safety.SymbolState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("corrupt state for %s: %w", symbols[i], err)
		}
		out[symbols[i]] = state
	}
	return out, nil
}

func (s *Store) AppendOutcome(ctx context.Context, outcome rebalance.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal rebalance outcome: %w", err)
	}

	if err := s.r.LPush(ctx, auditKey, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to append rebalance outcome: %w", err)
	}
	if err := s.r.LTrim(ctx, auditKey, 0, MaxAuditEntries-1).Err(); err != nil {
		return fmt.Errorf("failed to trim audit list: %w", err)
	}
	return nil
}

// ListOutcomes returns newest first
func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	raw, err := s.r.LRange(ctx, auditKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit list: %w", err)
	}

	out := make([]rebalance.Outcome, 0, len(raw))
	for _, item := range raw {
		var o rebalance.Outcome
		if err := json.Unmarshal([]byte(item), &o); err != nil {
			return nil, fmt.Errorf("corrupt audit record: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.r.Close()
}
