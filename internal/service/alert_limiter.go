package service

import (
	"sync"
	"time"
)

// AlertLimiter lets through at most one alert per type per interval.
// It is process-wide; share one instance between workers.
type AlertLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	clock    Clock
	last     map[string]time.Time
}

func NewAlertLimiter(interval time.Duration, clock Clock) *AlertLimiter {
	return &AlertLimiter{
		interval: interval,
		clock:    clock,
		last:     make(map[string]time.Time),
	}
}

// Allow records and permits an alert of alertType if none was permitted
// within the interval.
func (l *AlertLimiter) Allow(alertType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if last, ok := l.last[alertType]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[alertType] = now
	return true
}

// Reset gives back the slot taken for alertType, so the next Allow passes.
func (l *AlertLimiter) Reset(alertType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, alertType)
}
