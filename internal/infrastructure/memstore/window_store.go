package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// windowCounter is one per-key fixed-window counter. Owned exclusively by the
// store; all access happens under the store mutex.
type windowCounter struct {
	count       int
	windowStart time.Time
}

// WindowCounterStore keeps fixed-window counters in process memory. Counters
// are per instance: a horizontally scaled deployment enforces limits
// independently per instance. A background sweep bounds memory by evicting
// entries whose window has fully elapsed.
type WindowCounterStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	window   time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// WindowCounterStoreConfig groups construction parameters.
type WindowCounterStoreConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

// NewWindowCounterStore creates the store and starts its eviction sweep.
// Callers must Close it to stop the sweep goroutine.
func NewWindowCounterStore(cfg *WindowCounterStoreConfig, logger *logrus.Logger) *WindowCounterStore {
	window := time.Minute
	sweepInterval := time.Minute
	now := time.Now
	if cfg != nil {
		if cfg.Window > 0 {
			window = cfg.Window
		}
		if cfg.SweepInterval > 0 {
			sweepInterval = cfg.SweepInterval
		}
		if cfg.Now != nil {
			now = cfg.Now
		}
	}
	s := &WindowCounterStore{
		counters: make(map[string]*windowCounter),
		window:   window,
		logger:   logger,
		now:      now,
		stop:     make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// Hit increments the counter for key in the current window and returns the
// post-increment count with the window start. An elapsed window resets the
// counter first. Never fails.
func (s *WindowCounterStore) Hit(ctx context.Context, key string) (int, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || now.Sub(c.windowStart) >= s.window {
		c = &windowCounter{windowStart: now}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.windowStart, nil
}

// Close stops the eviction sweep.
func (s *WindowCounterStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Len returns the number of tracked keys. Exposed for tests and debugging.
func (s *WindowCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *WindowCounterStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts counters whose window has fully elapsed. It snapshots entries
// under the lock, decides expiry outside it, and re-checks each candidate
// before deleting, so limiter decisions never wait on the sweep.
func (s *WindowCounterStore) Sweep() {
	now := s.now()

	s.mu.Lock()
	snapshot := make(map[string]time.Time, len(s.counters))
	for key, c := range s.counters {
		snapshot[key] = c.windowStart
	}
	s.mu.Unlock()

	var expired []string
	for key, windowStart := range snapshot {
		if now.Sub(windowStart) >= s.window {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	removed := 0
	for _, key := range expired {
		// A concurrent Hit may have started a fresh window in the meantime.
		if c, ok := s.counters[key]; ok && now.Sub(c.windowStart) >= s.window {
			delete(s.counters, key)
			removed++
		}
	}
	s.mu.Unlock()

	if s.logger != nil && removed > 0 {
		s.logger.WithField("removed", removed).Debug("memstore: swept expired window counters")
	}
}
