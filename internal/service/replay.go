package service

import (
	"context"
	"fmt"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventPage is one page of the operator listing plus per-status counts.
type EventPage struct {
	Events   []*outbox.Event
	Total    int
	Page     int
	PageSize int
	Counts   map[outbox.Status]int
}

// ReplayService backs the operator API: listing and re-arming events.
type ReplayService struct {
	repo         outbox.Repository
	scheduler    Scheduler
	clock        Clock
	defaultLimit int
	maxBatch     int
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewReplayService(
	repo outbox.Repository,
	scheduler Scheduler,
	clock Clock,
	defaultLimit, maxBatch int,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ReplayService {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	if maxBatch < defaultLimit {
		maxBatch = defaultLimit
	}
	return &ReplayService{
		repo:         repo,
		scheduler:    scheduler,
		clock:        clock,
		defaultLimit: defaultLimit,
		maxBatch:     maxBatch,
		logger:       observability.WithComponent(logger, "replay"),
		metrics:      metrics,
	}
}

// List returns a page of events, newest first.
func (s *ReplayService) List(ctx context.Context, f outbox.ListFilter) (*EventPage, error) {
	if f.Status != nil && !f.Status.IsValid() {
		return nil, domainErrors.NewValidationError("status", "must be one of PENDING, SENT, FAILED, DEAD")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}

	events, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	counts, err := s.repo.CountByStatus(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return &EventPage{
		Events:   events,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
		Counts:   counts,
	}, nil
}

// ReplayBulk re-arms up to Limit matching events, oldest first, and returns
// how many were re-armed. SENT events are never bulk replayed.
func (s *ReplayService) ReplayBulk(ctx context.Context, f outbox.ReplayFilter) (int, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = []outbox.Status{outbox.StatusFailed, outbox.StatusDead}
	}
	for _, st := range f.Statuses {
		if !st.IsValid() || st == outbox.StatusSent {
			return 0, domainErrors.NewValidationError("status", "must be one of PENDING, FAILED, DEAD")
		}
	}
	if f.Limit <= 0 {
		f.Limit = s.defaultLimit
	}
	if f.Limit > s.maxBatch {
		f.Limit = s.maxBatch
	}

	events, err := s.repo.FindForReplay(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("find replay candidates: %w", err)
	}

	replayed := 0
	for _, e := range events {
		if err := s.rearm(ctx, e); err != nil {
			return replayed, err
		}
		replayed++
	}
	s.metrics.EventsReplayed.WithLabelValues("bulk").Add(float64(replayed))
	s.logger.Info().Int("count", replayed).Int("limit", f.Limit).Msg("bulk replay")
	return replayed, nil
}

// ReplayOne re-arms a single event. A SENT event is rejected with
// ErrEventAlreadySent.
func (s *ReplayService) ReplayOne(ctx context.Context, id uuid.UUID) error {
	e, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == outbox.StatusSent {
		return domainErrors.ErrEventAlreadySent
	}
	if err := s.rearm(ctx, e); err != nil {
		return err
	}
	s.metrics.EventsReplayed.WithLabelValues("single").Inc()
	s.logger.Info().Str("event_id", id.String()).Str("event_type", e.Type).Msg("event replayed")
	return nil
}

func (s *ReplayService) rearm(ctx context.Context, e *outbox.Event) error {
	e.ResetForReplay(s.clock.Now())
	if err := s.repo.Update(ctx, e); err != nil {
		return fmt.Errorf("reset event %s: %w", e.ID, err)
	}
	if err := s.scheduler.Schedule(ctx, e.ID, 0); err != nil {
		s.logger.Warn().Err(err).Str("event_id", e.ID.String()).Msg("replay not scheduled; left for recovery sweep")
	}
	return nil
}
