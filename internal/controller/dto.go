package controller

import (
	"strings"
	"time"

	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/service"
)

// --- Request DTOs ---

// ReplayRequest selects events for bulk replay. Status and Statuses may be
// combined; both empty means FAILED and DEAD.
type ReplayRequest struct {
	Status   string   `json:"status,omitempty" validate:"omitempty,oneof=PENDING FAILED DEAD"`
	Statuses []string `json:"statuses,omitempty" validate:"omitempty,dive,oneof=PENDING FAILED DEAD"`
	Type     string   `json:"type,omitempty" validate:"omitempty,max=255"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Limit    int      `json:"limit,omitempty" validate:"gte=0"`
}

func (r *ReplayRequest) normalize() {
	r.Status = strings.ToUpper(strings.TrimSpace(r.Status))
	for i, s := range r.Statuses {
		r.Statuses[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	r.Type = strings.TrimSpace(r.Type)
}

// --- Response DTOs ---

// EventResponse is an outbox event as shown to operators.
type EventResponse struct {
	ID                      string         `json:"id"`
	Type                    string         `json:"type"`
	Payload                 map[string]any `json:"payload"`
	Status                  string         `json:"status"`
	Attempts                int            `json:"attempts"`
	NextAttemptAt           *time.Time     `json:"next_attempt_at"`
	DedupeKey               *string        `json:"dedupe_key"`
	CorrelationID           *string        `json:"correlation_id"`
	LastError               *string        `json:"last_error"`
	LastHTTPStatus          *int           `json:"last_http_status"`
	LastResponseAt          *time.Time     `json:"last_response_at"`
	LastResponseBodySnippet *string        `json:"last_response_body_snippet"`
	SentAt                  *time.Time     `json:"sent_at"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// ListEventsResponse is one page of events with per-status totals.
type ListEventsResponse struct {
	Success  bool             `json:"success"`
	Events   []*EventResponse `json:"events"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Counts   map[string]int   `json:"counts"`
}

// ReplayResponse reports how many events a bulk replay re-armed.
type ReplayResponse struct {
	Success  bool `json:"success"`
	Replayed int  `json:"replayed"`
}

// ReplayOneResponse acknowledges a single replay.
type ReplayOneResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// --- Conversion helpers ---

// FromEvent converts a domain event to its API representation.
func FromEvent(e *outbox.Event) *EventResponse {
	return &EventResponse{
		ID:                      e.ID.String(),
		Type:                    e.Type,
		Payload:                 e.Payload,
		Status:                  string(e.Status),
		Attempts:                e.Attempts,
		NextAttemptAt:           e.NextAttemptAt,
		DedupeKey:               e.DedupeKey,
		CorrelationID:           e.CorrelationID,
		LastError:               e.LastError,
		LastHTTPStatus:          e.LastHTTPStatus,
		LastResponseAt:          e.LastResponseAt,
		LastResponseBodySnippet: e.LastResponseBodySnippet,
		SentAt:                  e.SentAt,
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	}
}

// FromEventPage converts a listing page.
func FromEventPage(p *service.EventPage) *ListEventsResponse {
	resp := &ListEventsResponse{
		Success:  true,
		Events:   make([]*EventResponse, 0, len(p.Events)),
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
		Counts:   make(map[string]int, len(p.Counts)),
	}
	for _, e := range p.Events {
		resp.Events = append(resp.Events, FromEvent(e))
	}
	for status, n := range p.Counts {
		resp.Counts[string(status)] = n
	}
	return resp
}
