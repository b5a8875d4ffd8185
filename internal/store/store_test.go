package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
)

func TestWriterLockSingleTradingProcess(t *testing.T) {
	cfg := Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "safety.db")}

	first, err := WriterLock(cfg)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.Held())

	_, err = WriterLock(cfg)
	require.Error(t, err)
	assert.True(t, coreerrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "locked by another process")

	require.NoError(t, first.Release())
	second, err := WriterLock(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestWriterLockPath(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "writer.lock")

	lock, err := WriterLock(Config{Driver: DriverPostgres, DSN: "postgres://localhost/safety", LockPath: lockPath})
	require.NoError(t, err)
	defer lock.Release()
	assert.FileExists(t, lockPath)
}

func TestWriterLockFileDriverLocksOnOpen(t *testing.T) {
	lock, err := WriterLock(Config{Driver: DriverFile, Path: filepath.Join(t.TempDir(), "safety.json")})
	require.NoError(t, err)
	assert.Nil(t, lock)
}
