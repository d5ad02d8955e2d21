package order

import (
	"context"
	"time"
)

// Snapshot is the slice of an order the stuck-order watcher needs.
type Snapshot struct {
	ID        string
	Status    string
	UpdatedAt time.Time
}

// Age returns how long the order has sat in its current status.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

type Repository interface {
	// FindStale returns orders in status whose last update is before cutoff.
	FindStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]Snapshot, error)
}
