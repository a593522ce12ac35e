package bench

import (
	"sync"
	"time"
)

const defaultAlpha = 0.2

// Meter tracks received bytes and an exponentially smoothed rate.
type Meter struct {
	mu       sync.Mutex
	now      func() time.Time
	alpha    float64
	total    int64
	lastAt   time.Time
	lastSeen int64
	rateBps  float64
}

// NewMeter returns a meter using time.Now.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now, alpha: defaultAlpha, lastAt: now()}
}

// Add records n more bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.total += int64(n)
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.total-m.lastSeen) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastSeen = m.total
}

// Total returns the bytes recorded so far.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// MiBps returns the smoothed rate in MiB/s.
func (m *Meter) MiBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateBps / (1024 * 1024)
}
