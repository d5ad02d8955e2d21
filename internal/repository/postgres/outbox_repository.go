package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, type, payload, status, attempts, attempt_base, next_attempt_at,
	dedupe_key, correlation_id, last_error, last_http_status, last_response_at,
	last_response_body_snippet, sent_at, created_at, updated_at`

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// OutboxRepository implements outbox.Repository using PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Insert writes e, or returns the existing row when (type, dedupe_key) is taken.
func (r *OutboxRepository) Insert(ctx context.Context, e *outbox.Event) (*outbox.Event, bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal event payload: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO outbox_events
		 (id, type, payload, status, attempts, attempt_base, next_attempt_at,
		  dedupe_key, correlation_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (type, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
		e.ID, e.Type, payload, string(e.Status), e.Attempts, e.AttemptBase, e.NextAttemptAt,
		e.DedupeKey, e.CorrelationID, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert outbox event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}
	if e.DedupeKey == nil {
		return nil, false, fmt.Errorf("insert outbox event %s: no row written", e.ID)
	}

	existing, err := r.FindByDedupeKey(ctx, e.Type, *e.DedupeKey)
	if err != nil {
		return nil, false, fmt.Errorf("load conflicting outbox event: %w", err)
	}
	return existing, false, nil
}

// FindByID retrieves an event by its ID.
func (r *OutboxRepository) FindByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	return scanEvent(r.db(ctx).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id))
}

// FindByDedupeKey retrieves the event holding (type, dedupe_key).
func (r *OutboxRepository) FindByDedupeKey(ctx context.Context, eventType, dedupeKey string) (*outbox.Event, error) {
	return scanEvent(r.db(ctx).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE type = $1 AND dedupe_key = $2`,
		eventType, dedupeKey))
}

// Update writes state and diagnostics. sent_at is only ever set once.
func (r *OutboxRepository) Update(ctx context.Context, e *outbox.Event) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET
		  status=$2, attempts=GREATEST(attempts, $3), attempt_base=$4, next_attempt_at=$5,
		  last_error=$6, last_http_status=$7, last_response_at=$8,
		  last_response_body_snippet=$9, sent_at=COALESCE(sent_at, $10), updated_at=$11
		 WHERE id=$1`,
		e.ID, string(e.Status), e.Attempts, e.AttemptBase, e.NextAttemptAt,
		e.LastError, e.LastHTTPStatus, e.LastResponseAt,
		e.LastResponseBodySnippet, e.SentAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrEventNotFound
	}
	return nil
}

// List returns one page of events, newest first, and the total match count.
func (r *OutboxRepository) List(ctx context.Context, f outbox.ListFilter) ([]*outbox.Event, int, error) {
	where, args := listWhere(f, true)

	var total int
	if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count outbox events: %w", err)
	}

	limit, offset := pageBounds(f.Page, f.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM outbox_events%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	events, err := r.query(ctx, "list outbox events", query, args...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// CountByStatus aggregates matching events per status.
func (r *OutboxRepository) CountByStatus(ctx context.Context, f outbox.ListFilter) (map[outbox.Status]int, error) {
	where, args := listWhere(f, false)

	rows, err := r.db(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM outbox_events`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count outbox events by status: %w", err)
	}
	defer rows.Close()

	counts := map[outbox.Status]int{
		outbox.StatusPending: 0,
		outbox.StatusSent:    0,
		outbox.StatusFailed:  0,
		outbox.StatusDead:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[outbox.Status(status)] = n
	}
	return counts, rows.Err()
}

// FindForReplay returns replay candidates, oldest first.
func (r *OutboxRepository) FindForReplay(ctx context.Context, f outbox.ReplayFilter) ([]*outbox.Event, error) {
	where, args := replayWhere(f)
	query := fmt.Sprintf(`SELECT %s FROM outbox_events%s ORDER BY created_at ASC, id LIMIT $%d`,
		eventColumns, where, len(args)+1)
	args = append(args, f.Limit)
	return r.query(ctx, "find replay candidates", query, args...)
}

// FindDue returns deliverable events whose due time is at or before cutoff.
func (r *OutboxRepository) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "find due outbox events",
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status IN ('PENDING', 'FAILED')
		   AND COALESCE(next_attempt_at, created_at) <= $1
		 ORDER BY COALESCE(next_attempt_at, created_at) ASC
		 LIMIT $2`, cutoff, limit)
}

func (r *OutboxRepository) query(ctx context.Context, op, query string, args ...any) ([]*outbox.Event, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// listWhere builds the WHERE clause shared by List and CountByStatus.
func listWhere(f outbox.ListFilter, withStatus bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if withStatus && f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		add("(type ILIKE $%[1]d OR dedupe_key ILIKE $%[1]d OR correlation_id ILIKE $%[1]d OR id::text ILIKE $%[1]d)",
			"%"+escapeLike(q)+"%")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func replayWhere(f outbox.ReplayFilter) (string, []any) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []outbox.Status{outbox.StatusFailed, outbox.StatusDead}
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	conds := []string{"status = ANY($1)"}
	args := []any{names}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func pageBounds(page, pageSize int) (limit, offset int) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page < 1 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanEvent(s scanner) (*outbox.Event, error) {
	e := &outbox.Event{}
	var (
		payload []byte
		status  string
	)
	err := s.Scan(
		&e.ID, &e.Type, &payload, &status, &e.Attempts, &e.AttemptBase, &e.NextAttemptAt,
		&e.DedupeKey, &e.CorrelationID, &e.LastError, &e.LastHTTPStatus, &e.LastResponseAt,
		&e.LastResponseBodySnippet, &e.SentAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrEventNotFound
		}
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}

	e.Status = outbox.Status(status)
	e.Payload = make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	return e, nil
}
