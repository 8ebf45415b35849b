package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/delivery-pipeline/internal/cache"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/poller"
	"github.com/LeventeLantos/delivery-pipeline/internal/queue"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
	"github.com/LeventeLantos/delivery-pipeline/internal/scheduler"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultContentMax = 1000
)

type Ticker interface {
	Tick(ctx context.Context) (poller.TickResult, error)
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type CheckFunc func(ctx context.Context) error

type Handler struct {
	sched  *scheduler.Scheduler
	poller Ticker
	repo   repo.MessageRepository
	queue  QueueStats
	sent   cache.SentCache

	checks     map[string]CheckFunc
	validate   *validator.Validate
	contentMax int
}

func NewHandler(s *scheduler.Scheduler, p Ticker, r repo.MessageRepository, q QueueStats) *Handler {
	v := validator.New()
	_ = v.RegisterValidation("phone", validatePhone)

	return &Handler{
		sched:      s,
		poller:     p,
		repo:       r,
		queue:      q,
		checks:     make(map[string]CheckFunc),
		validate:   v,
		contentMax: defaultContentMax,
	}
}

func (h *Handler) WithSentCache(c cache.SentCache) *Handler {
	h.sent = c
	return h
}

func (h *Handler) WithReadinessCheck(name string, fn CheckFunc) *Handler {
	h.checks[name] = fn
	return h
}

func (h *Handler) WithContentMax(n int) *Handler {
	if n > 0 {
		h.contentMax = n
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Ready runs every readiness check and reports 503 if any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": results})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// SchedulerTick runs one poller pass outside the schedule.
func (h *Handler) SchedulerTick(w http.ResponseWriter, r *http.Request) {
	res, err := h.poller.Tick(r.Context())
	if errors.Is(err, poller.ErrTickInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createMessageRequest struct {
	To   string `json:"to" validate:"required,max=32,phone"`
	From string `json:"from" validate:"required,max=32,phone"`
	Body string `json:"body" validate:"required"`
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := h.validate.Var(req.Body, fmt.Sprintf("max=%d", h.contentMax)); err != nil {
		writeValidationError(w, fmt.Errorf("body exceeds %d characters", h.contentMax))
		return
	}

	rec, err := h.repo.Insert(r.Context(), model.NewMessage{To: req.To, From: req.From, Body: req.Body})
	if err != nil {
		slog.Error("insert message failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status model.Status
	if raw := q.Get("status"); raw != "" {
		s, err := model.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = s
	}

	limit := parseInt(q.Get("limit"), defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	items, err := h.repo.List(r.Context(), repo.ListFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []model.MessageRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

type messageResponse struct {
	model.MessageRecord
	Receipt *cache.Receipt `json:"receipt,omitempty"`
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	rec, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := messageResponse{MessageRecord: rec}
	if h.sent != nil && rec.Status == model.SuccessfullySent {
		receipt, err := h.sent.Lookup(r.Context(), id)
		switch {
		case err == nil:
			resp.Receipt = &receipt
		case !errors.Is(err, cache.ErrMiss):
			slog.Warn("sent cache lookup failed", "record_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// validatePhone accepts digits (any width) and the separators people put
// in phone numbers. Length is checked by the delivery policy, not here.
func validatePhone(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if unicode.IsDigit(r) || unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '+', '-', '(', ')', '.':
			continue
		}
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeValidationError(w http.ResponseWriter, err error) {
	var details any = err.Error()
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]map[string]string, 0, len(verrs))
		for _, e := range verrs {
			fields = append(fields, map[string]string{"field": e.Field(), "rule": e.Tag()})
		}
		details = fields
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation error", "details": details})
}
