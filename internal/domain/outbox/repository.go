package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows the operator event listing.
type ListFilter struct {
	Status   *Status
	Type     string
	From     *time.Time
	To       *time.Time
	Query    string
	Page     int
	PageSize int
}

// ReplayFilter selects events for bulk replay. Empty Statuses means FAILED and DEAD.
type ReplayFilter struct {
	Statuses []Status
	Type     string
	From     *time.Time
	To       *time.Time
	Limit    int
}

type Repository interface {
	// Insert stores a new event unless one with the same (type, dedupe_key)
	// already exists. It returns the stored row and whether it was created.
	Insert(ctx context.Context, e *Event) (*Event, bool, error)

	// FindByID returns ErrEventNotFound when the id is unknown.
	FindByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// FindByDedupeKey returns ErrEventNotFound when no row matches.
	FindByDedupeKey(ctx context.Context, eventType, dedupeKey string) (*Event, error)

	// Update persists state and diagnostics. Attempts never decrease.
	Update(ctx context.Context, e *Event) error

	// List returns one page of events and the total matching count.
	List(ctx context.Context, f ListFilter) ([]*Event, int, error)

	// CountByStatus aggregates the events matching f (ignoring its status and paging).
	CountByStatus(ctx context.Context, f ListFilter) (map[Status]int, error)

	// FindForReplay returns replay candidates, oldest first.
	FindForReplay(ctx context.Context, f ReplayFilter) ([]*Event, error)

	// FindDue returns non-terminal events whose due time is at or before cutoff.
	FindDue(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error)
}
