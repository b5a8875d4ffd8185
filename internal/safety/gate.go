package safety

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/monitoring"
	"github.com/BenPomme/alpaca-trading-system/internal/notifications"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultPersistTimeout = 5 * time.Second

// Fill is the confirmed execution reported back by the broker
type Fill struct {
	Side     Side
	Quantity float64
	Price    float64
	OrderID  string
	Metadata map[string]string
}

// FillFunc submits an admitted trade and reports what actually filled
type FillFunc func(ctx context.Context) (Fill, error)

// ErrUnresolvedFill is wrapped by a FillFunc whose order was placed but never reached a
// terminal state. Execute still counts such an order against the symbol's limits.
var ErrUnresolvedFill = stderrors.New("order outcome unresolved")

// MetadataFillStatus marks trade records written for unresolved orders
const MetadataFillStatus = "fill_status"

// Option configures a Gate
type Option func(*Gate)

// WithClock replaces the wall clock, mostly for tests
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger sets the gate logger
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger.With().Str("component", "safety_gate").Logger()
	}
}

// WithNotifier sets the sink for high-severity alerts
func WithNotifier(notifier notifications.Notifier) Option {
	return func(g *Gate) {
		if notifier != nil {
			g.notifier = notifier
		}
	}
}

// WithPersistTimeout bounds every store read and write
func WithPersistTimeout(timeout time.Duration) Option {
	return func(g *Gate) {
		if timeout > 0 {
			g.persistTimeout = timeout
		}
	}
}

// WithLocation sets the timezone used to find the trading-day boundary
func WithLocation(loc *time.Location) Option {
	return func(g *Gate) {
		if loc != nil {
			g.location = loc
		}
	}
}

// symbolEntry holds one symbol's state. trade serializes admit/fill/record
// sequences and store writes; mu guards state for readers.
type symbolEntry struct {
	trade sync.Mutex
	mu    sync.RWMutex
	state SymbolState
}

// Gate is the per-symbol trade admission gate
type Gate struct {
	limits         Limits
	store          StateStore
	validator      *Validator
	clock          func() time.Time
	location       *time.Location
	logger         zerolog.Logger
	notifier       notifications.Notifier
	persistTimeout time.Duration

	mutex   sync.RWMutex
	symbols map[string]*symbolEntry
}

// NewGate creates a new gate. It performs no I/O; call Rehydrate before the first Admit.
func NewGate(limits Limits, store StateStore, opts ...Option) (*Gate, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, coreerrors.NewConfigurationError("safety", "new_gate", "state store is required")
	}

	g := &Gate{
		limits:         limits,
		store:          store,
		validator:      NewValidator(),
		clock:          time.Now,
		location:       time.Local,
		logger:         zerolog.Nop(),
		notifier:       notifications.Nop{},
		persistTimeout: defaultPersistTimeout,
		symbols:        make(map[string]*symbolEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Limits returns the configured limits
func (g *Gate) Limits() Limits {
	return g.limits
}

// Rehydrate replaces in-memory state with what the store holds
func (g *Gate) Rehydrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.persistTimeout)
	defer cancel()

	states, err := g.store.LoadSymbolStates(ctx)
	if err != nil {
		monitoring.RecordPersistenceFailure("load_symbol_states")
		return coreerrors.NewPersistenceError("safety", "rehydrate", err)
	}

	now := g.now()
	symbols := make(map[string]*symbolEntry, len(states))
	for key, state := range states {
		if state.Symbol == "" {
			state.Symbol = key
		}
		state = state.Clone()
		if len(state.History) > HistoryLimit {
			state.History = state.History[len(state.History)-HistoryLimit:]
		}
		if !g.sameTradingDay(state.LastTradeTime, now) {
			state.DailyTradeCount = 0
		}
		symbols[state.Symbol] = &symbolEntry{state: state}
	}

	g.mutex.Lock()
	g.symbols = symbols
	g.mutex.Unlock()

	g.logger.Info().Int("symbols", len(symbols)).Msg("symbol state rehydrated")
	return nil
}

// Admit decides whether a trade of proposedValueUsd (positive buys, negative sells) may proceed now.
// It never mutates state.
func (g *Gate) Admit(symbol string, proposedValueUsd float64) Decision {
	if d := g.checkInput(symbol, proposedValueUsd); !d.Allowed {
		g.observe(symbol, d)
		return d
	}

	entry := g.lookup(symbol)
	if entry == nil {
		d := g.evaluate(&SymbolState{Symbol: symbol}, proposedValueUsd, g.now())
		g.observe(symbol, d)
		return d
	}

	entry.mu.RLock()
	d := g.evaluate(&entry.state, proposedValueUsd, g.now())
	entry.mu.RUnlock()

	g.observe(symbol, d)
	return d
}

// Record applies a confirmed fill and persists the symbol state before returning.
// On a persistence error the in-memory state is still updated.
func (g *Gate) Record(ctx context.Context, symbol string, side Side, quantity, price float64, orderID string, metadata map[string]string) (TradeRecord, error) {
	if res := g.validator.ValidateFill(symbol, side, quantity, price, orderID); !res.Valid {
		return TradeRecord{}, coreerrors.NewInvalidInputError("safety", "record", res.Message).
			WithContext("code", res.Code)
	}

	entry := g.getOrCreate(symbol)
	entry.trade.Lock()
	defer entry.trade.Unlock()

	return g.record(ctx, entry, symbol, Fill{
		Side:     side,
		Quantity: quantity,
		Price:    price,
		OrderID:  orderID,
		Metadata: metadata,
	})
}

// Execute admits, fills and records a trade while holding the symbol's trade lock,
// so two candidates for one symbol cannot both pass admission.
func (g *Gate) Execute(ctx context.Context, symbol string, proposedValueUsd float64, fill FillFunc) (Decision, *TradeRecord, error) {
	if d := g.checkInput(symbol, proposedValueUsd); !d.Allowed {
		g.observe(symbol, d)
		return d, nil, nil
	}

	entry := g.getOrCreate(symbol)
	entry.trade.Lock()
	defer entry.trade.Unlock()

	entry.mu.RLock()
	decision := g.evaluate(&entry.state, proposedValueUsd, g.now())
	entry.mu.RUnlock()
	g.observe(symbol, decision)

	if !decision.Allowed {
		return decision, nil, nil
	}

	filled, err := fill(ctx)
	if stderrors.Is(err, ErrUnresolvedFill) {
		rec, rerr := g.recordUnresolved(ctx, entry, symbol, filled)
		if rerr != nil {
			return decision, &rec, stderrors.Join(err, rerr)
		}
		return decision, &rec, err
	}
	if err != nil {
		return decision, nil, err
	}
	if filled.Quantity == 0 {
		g.logger.Info().Str("symbol", symbol).Str("order_id", filled.OrderID).Msg("order produced no fill, nothing recorded")
		return decision, nil, nil
	}

	if res := g.validator.ValidateFill(symbol, filled.Side, filled.Quantity, filled.Price, filled.OrderID); !res.Valid {
		return decision, nil, coreerrors.NewInvalidInputError("safety", "execute", res.Message).
			WithContext("code", res.Code)
	}

	rec, err := g.record(ctx, entry, symbol, filled)
	return decision, &rec, err
}

// recordUnresolved stamps an order of unknown outcome so cooldown and frequency rules
// apply to it. Only a valid reported partial fill moves the position value.
func (g *Gate) recordUnresolved(ctx context.Context, entry *symbolEntry, symbol string, f Fill) (TradeRecord, error) {
	if !(f.Quantity > 0) || !g.validator.ValidateFill(symbol, f.Side, f.Quantity, f.Price, f.OrderID).Valid {
		f.Quantity = 0
		f.Price = 0
	}

	md := copyMetadata(f.Metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	md[MetadataFillStatus] = "unresolved"
	f.Metadata = md

	g.logger.Warn().
		Str("symbol", symbol).
		Str("order_id", f.OrderID).
		Float64("filled_quantity", f.Quantity).
		Msg("order outcome unresolved, counting it as a trade attempt")

	return g.record(ctx, entry, symbol, f)
}

// Reconcile sets a symbol's position value to the broker's signed market value,
// negative for a short. History and counters are left alone.
func (g *Gate) Reconcile(ctx context.Context, symbol string, marketValue float64) error {
	if d := g.checkInput(symbol, marketValue); !d.Allowed {
		return coreerrors.NewInvalidInputError("safety", "reconcile", d.Detail).
			WithContext("code", string(d.Reason))
	}
	if marketValue == 0 && g.lookup(symbol) == nil {
		return nil
	}

	entry := g.getOrCreate(symbol)
	entry.trade.Lock()
	defer entry.trade.Unlock()

	value := decimal.NewFromFloat(marketValue)

	entry.mu.Lock()
	previous := entry.state.PositionValue
	if previous.Equal(value) {
		entry.mu.Unlock()
		return nil
	}
	entry.state.Symbol = symbol
	entry.state.PositionValue = value
	snapshot := entry.state.Clone()
	entry.mu.Unlock()

	g.logger.Info().
		Str("symbol", symbol).
		Str("previous", previous.StringFixed(2)).
		Str("position_value", value.StringFixed(2)).
		Msg("position value reconciled with broker")

	if err := g.persist(ctx, snapshot); err != nil {
		monitoring.RecordPersistenceFailure("save_symbol_state")
		return coreerrors.NewPersistenceError("safety", "reconcile", err).
			WithContext("symbol", symbol)
	}
	return nil
}

// record must be called with entry.trade held
func (g *Gate) record(ctx context.Context, entry *symbolEntry, symbol string, f Fill) (TradeRecord, error) {
	now := g.now()

	value := decimal.NewFromFloat(f.Quantity).Mul(decimal.NewFromFloat(f.Price))
	if f.Side == SideSell {
		value = value.Neg()
	}

	rec := TradeRecord{
		Symbol:    symbol,
		Side:      f.Side,
		Quantity:  f.Quantity,
		Price:     f.Price,
		Value:     value,
		Timestamp: now,
		OrderID:   f.OrderID,
		Metadata:  copyMetadata(f.Metadata),
	}

	entry.mu.Lock()
	state := &entry.state
	state.Symbol = symbol
	state.History = append(state.History, rec)
	if len(state.History) > HistoryLimit {
		trimmed := make([]TradeRecord, HistoryLimit)
		copy(trimmed, state.History[len(state.History)-HistoryLimit:])
		state.History = trimmed
	}
	state.PositionValue = state.PositionValue.Add(value)
	state.DailyTradeCount++
	state.LastTradeTime = now
	snapshot := state.Clone()
	entry.mu.Unlock()

	monitoring.RecordTrade(symbol, string(f.Side), value.InexactFloat64())

	if err := g.persist(ctx, snapshot); err != nil {
		g.alertPersistenceFailure(symbol, f.OrderID, err)
		return rec, coreerrors.NewPersistenceError("safety", "record", err).
			WithContext("symbol", symbol).
			WithContext("order_id", f.OrderID)
	}

	g.logger.Info().
		Str("symbol", symbol).
		Str("side", string(f.Side)).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Str("value", value.StringFixed(2)).
		Str("position_value", snapshot.PositionValue.StringFixed(2)).
		Int("daily_trades", snapshot.DailyTradeCount).
		Msg("trade recorded")

	return rec, nil
}

// Status returns a read-only diagnostic view of one symbol
func (g *Gate) Status(symbol string) SymbolStatus {
	now := g.now()
	if d := g.checkInput(symbol, 0); !d.Allowed {
		return SymbolStatus{Symbol: symbol, NextDecision: d}
	}

	entry := g.lookup(symbol)
	if entry == nil {
		return g.status(&SymbolState{Symbol: symbol}, now)
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return g.status(&entry.state, now)
}

// StatusAll returns the status of every known symbol, sorted by symbol
func (g *Gate) StatusAll() []SymbolStatus {
	now := g.now()

	g.mutex.RLock()
	entries := make([]*symbolEntry, 0, len(g.symbols))
	for _, entry := range g.symbols {
		entries = append(entries, entry)
	}
	g.mutex.RUnlock()

	statuses := make([]SymbolStatus, 0, len(entries))
	for _, entry := range entries {
		entry.mu.RLock()
		statuses = append(statuses, g.status(&entry.state, now))
		entry.mu.RUnlock()
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Symbol < statuses[j].Symbol
	})
	return statuses
}

// ResetDailyCounters clears the daily trade count of every symbol. Memory is always reset;
// store writes are best effort and failures are returned joined.
func (g *Gate) ResetDailyCounters(ctx context.Context) error {
	g.mutex.RLock()
	entries := make([]*symbolEntry, 0, len(g.symbols))
	for _, entry := range g.symbols {
		entries = append(entries, entry)
	}
	g.mutex.RUnlock()

	var failures []error
	for _, entry := range entries {
		entry.trade.Lock()

		entry.mu.Lock()
		entry.state.DailyTradeCount = 0
		snapshot := entry.state.Clone()
		entry.mu.Unlock()

		if err := g.persist(ctx, snapshot); err != nil {
			g.logger.Error().Err(err).Str("symbol", snapshot.Symbol).Msg("failed to persist daily reset")
			failures = append(failures, fmt.Errorf("%s: %w", snapshot.Symbol, err))
		}

		entry.trade.Unlock()
	}

	g.logger.Info().Int("symbols", len(entries)).Int("persist_failures", len(failures)).Msg("daily trade counters reset")

	if len(failures) > 0 {
		return coreerrors.NewPersistenceError("safety", "reset_daily_counters", stderrors.Join(failures...))
	}
	return nil
}

// evaluate runs the admission checks in order, stopping at the first failure
func (g *Gate) evaluate(state *SymbolState, proposedValueUsd float64, now time.Time) Decision {
	l := g.limits

	if !state.LastTradeTime.IsZero() {
		elapsed := now.Sub(state.LastTradeTime)
		if elapsed < l.CooldownDuration {
			remaining := l.CooldownDuration - elapsed
			return Deny(ReasonCooldown, "%s in cooldown, %.1f minutes remaining", state.Symbol, remaining.Minutes())
		}
	}

	// a trade that shrinks an already oversized position is not held back by the cap
	projected := state.PositionValue.Add(decimal.NewFromFloat(proposedValueUsd))
	if projected.Abs().GreaterThan(decimal.NewFromFloat(l.MaxPositionValue)) &&
		projected.Abs().GreaterThanOrEqual(state.PositionValue.Abs()) {
		return Deny(ReasonPositionLimit, "%s position would be $%s, limit $%.2f",
			state.Symbol, projected.StringFixed(2), l.MaxPositionValue)
	}

	if state.DailyTradeCount >= l.MaxDailyTrades {
		return Deny(ReasonDailyLimit, "%s reached %d trades today, limit %d",
			state.Symbol, state.DailyTradeCount, l.MaxDailyTrades)
	}

	if hourly := countSince(state.History, now.Add(-time.Hour)); hourly >= l.MaxTradesPerHour {
		return Deny(ReasonHourlyLimit, "%s traded %d times in the last hour, limit %d",
			state.Symbol, hourly, l.MaxTradesPerHour)
	}

	if recent := countSince(state.History, now.Add(-l.RapidTradeWindow)); recent >= l.RapidTradeCountThreshold {
		return Deny(ReasonRapidPattern, "%s traded %d times within %v",
			state.Symbol, recent, l.RapidTradeWindow)
	}

	if alternating(state.History) {
		return Deny(ReasonRapidPattern, "%s last %d trades alternate buy and sell",
			state.Symbol, alternationWindow)
	}

	return Approve()
}

func (g *Gate) status(state *SymbolState, now time.Time) SymbolStatus {
	st := SymbolStatus{
		Symbol:           state.Symbol,
		PositionValue:    state.PositionValue.InexactFloat64(),
		DailyTradeCount:  state.DailyTradeCount,
		HourlyTradeCount: countSince(state.History, now.Add(-time.Hour)),
		RecentTradeCount: countSince(state.History, now.Add(-g.limits.RapidTradeWindow)),
		HistoryLength:    len(state.History),
		LastTradeTime:    state.LastTradeTime,
		NextDecision:     g.evaluate(state, 0, now),
	}
	if !state.LastTradeTime.IsZero() {
		if remaining := g.limits.CooldownDuration - now.Sub(state.LastTradeTime); remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}
	return st
}

func (g *Gate) checkInput(symbol string, value float64) Decision {
	if res := g.validator.ValidateSymbol(symbol); !res.Valid {
		return Deny(ReasonInvalidInput, "%s", res.Message)
	}
	if res := g.validator.ValidateValue(value, symbol); !res.Valid {
		return Deny(ReasonInvalidInput, "%s", res.Message)
	}
	return Approve()
}

func (g *Gate) observe(symbol string, d Decision) {
	monitoring.RecordAdmission(string(d.Reason))
	if !d.Allowed {
		g.logger.Info().
			Str("symbol", symbol).
			Str("reason", string(d.Reason)).
			Str("detail", d.Detail).
			Msg("trade denied")
	}
}

func (g *Gate) persist(ctx context.Context, state SymbolState) error {
	// detached from caller cancellation, bounded by persistTimeout only
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.persistTimeout)
	defer cancel()
	return g.store.SaveSymbolState(ctx, state)
}

func (g *Gate) alertPersistenceFailure(symbol, orderID string, err error) {
	monitoring.RecordPersistenceFailure("save_symbol_state")

	g.logger.Error().
		Err(err).
		Str("alert", "high").
		Str("symbol", symbol).
		Str("order_id", orderID).
		Msg("trade filled but symbol state was not persisted")

	msg := fmt.Sprintf("Trade %s on %s filled but was NOT persisted: %v", orderID, symbol, err)
	if nerr := g.notifier.SendAlert(notifications.LevelError, msg); nerr != nil {
		g.logger.Warn().Err(nerr).Msg("failed to send persistence alert")
	}
}

func (g *Gate) lookup(symbol string) *symbolEntry {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.symbols[symbol]
}

func (g *Gate) getOrCreate(symbol string) *symbolEntry {
	if entry := g.lookup(symbol); entry != nil {
		return entry
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	// Double-check after acquiring write lock
	if entry, exists := g.symbols[symbol]; exists {
		return entry
	}
	entry := &symbolEntry{state: SymbolState{Symbol: symbol}}
	g.symbols[symbol] = entry
	return entry
}

func (g *Gate) now() time.Time {
	return g.clock()
}

func (g *Gate) sameTradingDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	y1, m1, d1 := a.In(g.location).Date()
	y2, m2, d2 := b.In(g.location).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func countSince(history []TradeRecord, cutoff time.Time) int {
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// alternating reports whether the last alternationWindow trades strictly alternate buy and sell
func alternating(history []TradeRecord) bool {
	if len(history) < alternationWindow {
		return false
	}
	tail := history[len(history)-alternationWindow:]
	for i := 1; i < len(tail); i++ {
		if tail[i].Side == tail[i-1].Side {
			return false
		}
	}
	return true
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
