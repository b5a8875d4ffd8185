package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// staleLockAge is how old another process's lock file must be before it is taken over
const staleLockAge = 5 * time.Minute

// DefaultLockRefresh is how often a held lock rewrites its timestamp
const DefaultLockRefresh = time.Minute

type lockInfo struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
}

func (i lockInfo) ours() bool {
	return i.PID == os.Getpid() && i.Hostname == getHostname()
}

// Lock is a single-writer lock file. While held its timestamp is refreshed in the
// background, so a live writer never looks stale to another process.
type Lock struct {
	path string

	mu   sync.Mutex
	held bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// AcquireLock takes the lock file at path, replacing it only when it is stale or unreadable
func AcquireLock(path string, refresh time.Duration) (*Lock, error) {
	if _, err := os.Stat(path); err == nil {
		if err := checkStaleLock(path); err != nil {
			return nil, err
		}
	}

	l := &Lock{
		path: path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := l.write(); err != nil {
		return nil, err
	}
	l.held = true

	if refresh <= 0 {
		refresh = DefaultLockRefresh
	}
	go l.heartbeat(refresh)
	return l, nil
}

// Held reports whether the lock file still belongs to this process
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release stops the heartbeat and removes the lock file if it is still ours
func (l *Lock) Release() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *Lock) heartbeat(refresh time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.refresh() {
				return
			}
		}
	}
}

// refresh rewrites the timestamp. A lock file that was removed or taken over is lost for good.
func (l *Lock) refresh() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return false
	}
	info, err := readLock(l.path)
	if err != nil || !info.ours() {
		l.held = false
		return false
	}
	// a failed rewrite is retried on the next tick
	_ = l.write()
	return true
}

func (l *Lock) write() error {
	data, err := json.Marshal(lockInfo{
		Timestamp: time.Now(),
		PID:       os.Getpid(),
		Hostname:  getHostname(),
	})
	if err != nil {
		return fmt.Errorf("failed to create lock data: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

func readLock(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

func checkStaleLock(path string) error {
	info, err := readLock(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		// Invalid lock file, remove it
		os.Remove(path)
		return nil
	}

	if time.Since(info.Timestamp) > staleLockAge {
		os.Remove(path)
		return nil
	}

	return fmt.Errorf("%s is locked by another process (pid %d on %s)", path, info.PID, info.Hostname)
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
