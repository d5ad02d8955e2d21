package controller

import (
	"net/http"
	"strings"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/middleware"
	"github.com/fasket/outbox/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type OutboxController struct {
	replayService *service.ReplayService
}

func NewOutboxController(replayService *service.ReplayService) *OutboxController {
	return &OutboxController{replayService: replayService}
}

// List serves GET /events?status&type&from&to&q&page&pageSize.
func (h *OutboxController) List(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.replayService.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromEventPage(page))
}

// ReplayBulk serves POST /replay.
func (h *OutboxController) ReplayBulk(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.normalize()
	if err := validateStruct(&req); err != nil {
		writeError(w, err)
		return
	}

	filter, err := replayFilterFromRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}

	replayed, err := h.replayService.ReplayBulk(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	operator, _ := middleware.GetOperator(r.Context())
	log.Info().Str("operator", operator).Int("replayed", replayed).Str("event_type", filter.Type).Msg("bulk replay requested")

	writeJSON(w, http.StatusOK, ReplayResponse{Success: true, Replayed: replayed})
}

// ReplayOne serves POST /events/{id}/replay.
func (h *OutboxController) ReplayOne(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid event id", Code: "invalid_id"})
		return
	}

	if err := h.replayService.ReplayOne(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	operator, _ := middleware.GetOperator(r.Context())
	log.Info().Str("operator", operator).Str("event_id", id.String()).Msg("event replay requested")

	writeJSON(w, http.StatusOK, ReplayOneResponse{Success: true, ID: id.String()})
}

func listFilterFromQuery(r *http.Request) (outbox.ListFilter, error) {
	q := r.URL.Query()
	f := outbox.ListFilter{
		Type:  strings.TrimSpace(q.Get("type")),
		Query: strings.TrimSpace(q.Get("q")),
	}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := outbox.Status(strings.ToUpper(raw))
		f.Status = &status
	}

	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Page, err = queryInt(r, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = queryInt(r, "pageSize", "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

func replayFilterFromRequest(req ReplayRequest) (outbox.ReplayFilter, error) {
	f := outbox.ReplayFilter{Type: req.Type, Limit: req.Limit}

	if req.Status != "" {
		f.Statuses = append(f.Statuses, outbox.Status(req.Status))
	}
	for _, s := range req.Statuses {
		f.Statuses = append(f.Statuses, outbox.Status(s))
	}

	if req.From != "" {
		t, err := parseTime(req.From)
		if err != nil {
			return f, domainErrors.NewValidationError("from", "must be an RFC 3339 timestamp or YYYY-MM-DD date")
		}
		f.From = &t
	}
	if req.To != "" {
		t, err := parseTime(req.To)
		if err != nil {
			return f, domainErrors.NewValidationError("to", "must be an RFC 3339 timestamp or YYYY-MM-DD date")
		}
		f.To = &t
	}
	return f, nil
}
