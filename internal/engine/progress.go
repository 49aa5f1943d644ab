package engine

import (
	"sync"
	"time"
)

// Progress is a point-in-time snapshot of a running sync, consumed by
// presentation glue for live reporting.
type Progress struct {
	State            State
	ItemsCompleted   int64
	TotalItems       int64
	ItemsFailed      int64
	BytesTransferred int64
	TotalBytes       int64
	// CurrentSpeed is bytes per second over the last sampling interval.
	CurrentSpeed float64
	// ETASeconds is -1 while the speed is unknown or zero.
	ETASeconds      float64
	CurrentItemName string
}

// tracker accumulates shared counters updated by the worker pool.
// Counters are monotonically non-decreasing until the job finalizes.
type tracker struct {
	mu sync.Mutex

	totalItems int64
	totalBytes int64

	completed   int64
	failed      int64
	transferred int64

	currentItem string

	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	lastSpeed  float64
}

func newTracker(totalItems, totalBytes int64) *tracker {
	now := time.Now()
	return &tracker{
		totalItems: totalItems,
		totalBytes: totalBytes,
		startTime:  now,
		lastUpdate: now,
	}
}

// addBytes records transferred bytes as an upload progresses.
func (t *tracker) addBytes(n int64) {
	t.mu.Lock()
	t.transferred += n
	t.mu.Unlock()
}

// begin marks an item as in flight for progress display.
func (t *tracker) begin(name string) {
	t.mu.Lock()
	t.currentItem = name
	t.mu.Unlock()
}

// done records one successfully completed item.
func (t *tracker) done() {
	t.mu.Lock()
	t.completed++
	t.mu.Unlock()
}

// fail records one failed item. Failed items count as processed.
func (t *tracker) fail() {
	t.mu.Lock()
	t.completed++
	t.failed++
	t.mu.Unlock()
}

// averageSpeed is bytes per second over the whole run so far.
func (t *tracker) averageSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.transferred) / elapsed
}

// snapshot returns current progress, sampling speed over the interval
// since the previous snapshot.
func (t *tracker) snapshot(state State) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	interval := now.Sub(t.lastUpdate).Seconds()
	if interval >= 0.2 {
		t.lastSpeed = float64(t.transferred-t.lastBytes) / interval
		t.lastUpdate = now
		t.lastBytes = t.transferred
	}

	eta := -1.0
	if t.lastSpeed > 0 {
		eta = float64(t.totalBytes-t.transferred) / t.lastSpeed
	}

	return Progress{
		State:            state,
		ItemsCompleted:   t.completed,
		TotalItems:       t.totalItems,
		ItemsFailed:      t.failed,
		BytesTransferred: t.transferred,
		TotalBytes:       t.totalBytes,
		CurrentSpeed:     t.lastSpeed,
		ETASeconds:       eta,
		CurrentItemName:  t.currentItem,
	}
}

func (t *tracker) counts() (completed, failed, transferred int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.failed, t.transferred
}
