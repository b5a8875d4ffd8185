package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

const stateVersion = "1"

// stateFile is the on-disk layout of the state file
type stateFile struct {
	Version     string                        `json:"version"`
	LastUpdated time.Time                     `json:"last_updated"`
	Symbols     map[string]safety.SymbolState `json:"symbols"`
}

// FileStorage keeps symbol state in a single JSON file and the rebalance audit in a JSON lines file
type FileStorage struct {
	mu        sync.RWMutex
	filePath  string
	auditPath string
	lock      *Lock
	symbols   map[string]safety.SymbolState
}

// Option configures file storage
type Option func(*options)

type options struct {
	lockRefresh time.Duration
}

// WithLockRefresh sets how often the held lock file is refreshed
func WithLockRefresh(d time.Duration) Option {
	return func(o *options) {
		o.lockRefresh = d
	}
}

// New opens file storage rooted at filePath and takes the process lock
func New(filePath string, opts ...Option) (*FileStorage, error) {
	o := options{lockRefresh: DefaultLockRefresh}
	for _, opt := range opts {
		opt(&o)
	}

	if filePath == "" {
		filePath = "safety_state.json"
	}

	dir := filepath.Dir(filePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	f := &FileStorage{
		filePath:  filePath,
		auditPath: filePath + ".audit.jsonl",
		symbols:   make(map[string]safety.SymbolState),
	}

	lock, err := AcquireLock(filePath+".lock", o.lockRefresh)
	if err != nil {
		return nil, fmt.Errorf("state storage %s: %w", filePath, err)
	}
	f.lock = lock

	if err := f.load(); err != nil {
		lock.Release()
		return nil, err
	}
	return f, nil
}

// SaveSymbolState writes one symbol's state, rewriting the state file atomically
func (f *FileStorage) SaveSymbolState(ctx context.Context, state safety.SymbolState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.Symbol == "" {
		return fmt.Errorf("cannot save state without symbol")
	}
	if !f.lock.Held() {
		return fmt.Errorf("state storage %s: lock is no longer held by this process", f.filePath)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	previous, existed := f.symbols[state.Symbol]
	f.symbols[state.Symbol] = state.Clone()

	if err := f.writeState(); err != nil {
		if existed {
			f.symbols[state.Symbol] = previous
		} else {
			delete(f.symbols, state.Symbol)
		}
		return err
	}
	return nil
}

// LoadSymbolStates returns every stored symbol state
func (f *FileStorage) LoadSymbolStates(ctx context.Context) (map[string]safety.SymbolState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]safety.SymbolState, len(f.symbols))
	for symbol, state := range f.symbols {
		out[symbol] = state.Clone()
	}
	return out, nil
}

// AppendOutcome appends one audit record and syncs it to disk
func (f *FileStorage) AppendOutcome(ctx context.Context, outcome rebalance.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal rebalance outcome: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return file.Sync()
}

// ListOutcomes returns up to limit of the most recent audit records, newest first
func (f *FileStorage) ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(f.auditPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var outcomes []rebalance.Outcome
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var o rebalance.Outcome
		if err := json.Unmarshal(scanner.Bytes(), &o); err != nil {
			return nil, fmt.Errorf("corrupt audit record: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}

	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].ExecutedAt.After(outcomes[j].ExecutedAt)
	})
	if limit > 0 && len(outcomes) > limit {
		outcomes = outcomes[:limit]
	}
	return outcomes, nil
}

// Close releases the process lock
func (f *FileStorage) Close() error {
	return f.lock.Release()
}

// IsLocked returns true if this process holds the storage lock
func (f *FileStorage) IsLocked() bool {
	return f.lock.Held()
}

// writeState must be called with f.mu held
func (f *FileStorage) writeState() error {
	data, err := json.MarshalIndent(stateFile{
		Version:     stateVersion,
		LastUpdated: time.Now(),
		Symbols:     f.symbols,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal symbol state: %w", err)
	}

	tempFile := f.filePath + ".tmp"
	tmp, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close temporary state file: %w", err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempFile, f.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to commit state file: %w", err)
	}
	return nil
}

func (f *FileStorage) load() error {
	data, err := os.ReadFile(f.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	if err := validateState(&state); err != nil {
		return fmt.Errorf("invalid state file: %w", err)
	}

	f.symbols = state.Symbols
	return nil
}

func validateState(state *stateFile) error {
	if state.Version != stateVersion {
		return fmt.Errorf("unsupported state version %q", state.Version)
	}
	if state.Symbols == nil {
		state.Symbols = make(map[string]safety.SymbolState)
	}
	for symbol, s := range state.Symbols {
		if s.Symbol != symbol {
			return fmt.Errorf("symbol mismatch: expected %s, got %s", symbol, s.Symbol)
		}
		if s.DailyTradeCount < 0 {
			return fmt.Errorf("negative daily trade count for %s: %d", symbol, s.DailyTradeCount)
		}
	}
	return nil
}
