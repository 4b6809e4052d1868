package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/lotledger/internal/audit"
	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
)

const (
	defaultDateRange = 30 * 24 * time.Hour
	maxDateRange     = 366 * 24 * time.Hour
	lotEntity        = "inventory_lot"
)

// TimelineService defines the business contract for audit trail data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler serves the audit trail.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler constructs an audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, fieldErrs := h.parseFilters(r)
	if len(fieldErrs) > 0 {
		writeFilterProblem(w, fieldErrs)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.serverError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleLotTrail(w http.ResponseWriter, r *http.Request) {
	lotID, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil || lotID <= 0 {
		writeFilterProblem(w, map[string]string{"lot_id": "must be a positive integer"})
		return
	}
	filters, fieldErrs := h.parseFilters(r)
	if len(fieldErrs) > 0 {
		writeFilterProblem(w, fieldErrs)
		return
	}
	filters.Entity = lotEntity
	filters.EntityID = strconv.FormatInt(lotID, 10)
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.serverError(w, "load lot audit trail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, fieldErrs := h.parseFilters(r)
	if len(fieldErrs) > 0 {
		writeFilterProblem(w, fieldErrs)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.serverError(w, "export audit timeline", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-trail.csv"`)
	if err := audit.WriteCSV(w, rows); err != nil {
		h.logger.Warn("write audit csv", slog.Any("error", err))
	}
}

// parseFilters defaults to the last 30 days. The to date is inclusive.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, map[string]string) {
	q := r.URL.Query()
	errs := make(map[string]string)

	today := h.now().UTC().Truncate(24 * time.Hour)
	to := today
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			errs["to"] = "must be a date (YYYY-MM-DD)"
		}
		to = parsed
	}
	from := to.Add(-defaultDateRange)
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			errs["from"] = "must be a date (YYYY-MM-DD)"
		}
		from = parsed
	}
	if len(errs) == 0 {
		if from.After(to) {
			errs["from"] = "must not be after to"
		} else if to.Sub(from) > maxDateRange {
			errs["from"] = "range must not exceed 366 days"
		}
	}

	page := positiveInt(q.Get("page"), "page", errs)
	pageSize := positiveInt(q.Get("page_size"), "page_size", errs)

	return audit.TimelineFilters{
		From:     from,
		To:       to.Add(24 * time.Hour),
		Actor:    strings.TrimSpace(q.Get("actor")),
		Entity:   strings.TrimSpace(q.Get("entity")),
		EntityID: strings.TrimSpace(q.Get("entity_id")),
		Action:   strings.TrimSpace(q.Get("action")),
		Page:     page,
		PageSize: pageSize,
	}, errs
}

func positiveInt(raw, field string, errs map[string]string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		errs[field] = "must be a positive integer"
		return 0
	}
	return v
}

func writeFilterProblem(w http.ResponseWriter, fieldErrs map[string]string) {
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: "invalid audit filter",
		Errors: fieldErrs,
	})
}

func (h *Handler) serverError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.RespondError(w, err)
}
