package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/metrics"
)

const (
	// Window is the sliding interval over which calls are counted.
	Window = 60 * time.Second

	// DefaultCapacity applies to models without an explicit
	// per-minute limit.
	DefaultCapacity = 30
)

// CapacityFunc resolves the per-window call capacity for a model id.
// Returning zero or less selects DefaultCapacity.
type CapacityFunc func(modelID string) int

// window holds the recent call instants for one model. Each window has
// its own mutex so contention stays isolated per backend.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// Limiter is a sliding-window admission guard partitioned by model id.
// The timestamp queue never holds an entry older than the window
// length; stale entries are pruned lazily on access.
type Limiter struct {
	capacity CapacityFunc
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

// NewLimiter creates a Limiter resolving capacities via fn.
func NewLimiter(fn CapacityFunc, logger *zap.Logger) *Limiter {
	return &Limiter{
		capacity: fn,
		logger:   logger,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
}

// SetClock overrides the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) windowFor(modelID string) *window {
	l.mu.RLock()
	w, ok := l.windows[modelID]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[modelID]; ok {
		return w
	}
	w = &window{}
	l.windows[modelID] = w
	return w
}

// TryAcquire admits one call for the model if the sliding window has
// room, appending the call instant atomically with the check. On
// denial it reports how long until the oldest entry leaves the window.
func (l *Limiter) TryAcquire(modelID string) (bool, time.Duration) {
	capacity := l.capacity(modelID)
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	w := l.windowFor(modelID)
	now := l.now()
	cutoff := now.Add(-Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// prune entries that fell out of the window
	keep := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[keep:]...)
	}

	if len(w.timestamps) < capacity {
		w.timestamps = append(w.timestamps, now)
		return true, 0
	}

	retryAfter := Window - now.Sub(w.timestamps[0])
	if retryAfter < 0 {
		retryAfter = 0
	}
	metrics.RateLimitDenials.WithLabelValues(modelID).Inc()
	return false, retryAfter
}

// Wait admits a call, suspending once for the reported retry interval
// when the first attempt is denied. It retries exactly once; a second
// denial is returned to the caller rather than chaining backoffs.
func (l *Limiter) Wait(ctx context.Context, modelID string) (bool, time.Duration) {
	ok, retryAfter := l.TryAcquire(modelID)
	if ok {
		return true, 0
	}

	l.logger.Debug("Rate limited, waiting once",
		zap.String("model", modelID),
		zap.Duration("retry_after", retryAfter),
	)

	timer := time.NewTimer(retryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, retryAfter
	case <-timer.C:
	}

	return l.TryAcquire(modelID)
}
