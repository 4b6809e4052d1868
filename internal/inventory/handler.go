package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
)

const (
	actorHeader       = "X-Actor"
	idempotencyHeader = "Idempotency-Key"
	anonymousActor    = "anonymous"
)

// Handler wires HTTP endpoints for the lot ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stock-in", h.handleStockIn)
	r.Post("/pick", h.handlePick)
	r.Post("/restock", h.handleRestock)

	r.Get("/items", h.handleSearchItems)
	r.Get("/items/{itemCode}", h.handleItemAggregate)
	r.Get("/lots/{lotID}", h.handleGetLot)
	r.Get("/history", h.handleHistory)
	r.Get("/locations", h.handleLocations)
	r.Get("/summary", h.handleSummary)

	r.Post("/lot-ids", h.handleNextLotID)
	r.Post("/lot-ids/reserve", h.handleReserveLotID)

	r.Route("/admin/lots/{lotID}", func(r chi.Router) {
		r.Post("/relabel", h.handleRelabel)
		r.Delete("/", h.handleDeleteLot)
	})
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}
	return anonymousActor
}

func (h *Handler) handleStockIn(w http.ResponseWriter, r *http.Request) {
	var input StockInInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.badBody(w, err)
		return
	}
	input.Actor = actorFrom(r)
	input.IdempotencyKey = r.Header.Get(idempotencyHeader)
	result, err := h.service.StockIn(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Merged {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handlePick(w http.ResponseWriter, r *http.Request) {
	var input PickInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.badBody(w, err)
		return
	}
	input.Actor = actorFrom(r)
	input.IdempotencyKey = r.Header.Get(idempotencyHeader)
	result, err := h.service.Pick(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleRestock(w http.ResponseWriter, r *http.Request) {
	var input RestockInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.badBody(w, err)
		return
	}
	input.Actor = actorFrom(r)
	input.IdempotencyKey = r.Header.Get(idempotencyHeader)
	result, err := h.service.Restock(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleSearchItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.service.SearchByItem(r.Context(), SearchFilter{ItemCode: q.Get("item_code"), Location: q.Get("location")})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (h *Handler) handleItemAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := h.service.ItemAggregate(r.Context(), chi.URLParam(r, "itemCode"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, agg)
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotIDParam(w, r)
	if !ok {
		return
	}
	lot, err := h.service.SearchByLot(r.Context(), lotID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, fieldErrs := parseHistoryFilter(r)
	if len(fieldErrs) > 0 {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: "invalid history filter",
			Errors: fieldErrs,
		})
		return
	}
	page, err := h.service.History(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func parseHistoryFilter(r *http.Request) (HistoryFilter, map[string]string) {
	q := r.URL.Query()
	errs := make(map[string]string)
	filter := HistoryFilter{
		ItemCode: q.Get("item_code"),
		Type:     TransactionType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
	}
	if raw := q.Get("lot_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs["lot_id"] = "must be an integer"
		}
		filter.LotID = id
	}
	if raw := q.Get("before_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs["before_id"] = "must be an integer"
		}
		filter.BeforeID = id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			errs["limit"] = "must be an integer"
		}
		filter.Limit = limit
	}
	for field, target := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(field)
		if raw == "" {
			continue
		}
		t, err := parseTime(raw, field == "to")
		if err != nil {
			errs[field] = "must be RFC3339 or YYYY-MM-DD"
			continue
		}
		*target = t
	}
	return filter, errs
}

// parseTime accepts RFC3339 or a UTC date. A date used as an upper bound
// covers the whole day; ledger timestamps carry microsecond precision.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.AddDate(0, 0, 1).Add(-time.Microsecond), nil
	}
	return day, nil
}

func (h *Handler) handleLocations(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.LocationBreakdown(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": rows})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleNextLotID(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.NextLotID(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]int64{"lot_id": id})
}

func (h *Handler) handleReserveLotID(w http.ResponseWriter, r *http.Request) {
	var input ReserveInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.badBody(w, err)
		return
	}
	input.Actor = actorFrom(r)
	id, err := h.service.ReserveLotID(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"lot_id": id, "item_code": strings.TrimSpace(input.ItemCode)})
}

func (h *Handler) handleRelabel(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotIDParam(w, r)
	if !ok {
		return
	}
	var input RelabelInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.badBody(w, err)
		return
	}
	input.LotID = lotID
	input.Actor = actorFrom(r)
	lot, err := h.service.RelabelLot(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}

func (h *Handler) handleDeleteLot(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.lotIDParam(w, r)
	if !ok {
		return
	}
	input := DeleteLotInput{LotID: lotID, Reason: r.URL.Query().Get("reason"), Actor: actorFrom(r)}
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &input); err != nil {
			h.badBody(w, err)
			return
		}
		input.LotID = lotID
	}
	result, err := h.service.DeleteLot(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) lotIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: "lot id must be a positive integer",
			Errors: map[string]string{"lot_id": "must be a positive integer"},
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) badBody(w http.ResponseWriter, err error) {
	httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
}

// respondError renders business errors with the fields a client needs to act
// on them and defers everything else to httpx.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *ValidationError
		ie *InsufficientQuantityError
	)
	switch {
	case errors.As(err, &ve):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Errors: map[string]string{ve.Field: ve.Reason},
		})
	case errors.As(err, &ie):
		extra := map[string]any{
			"item_code": ie.ItemCode,
			"available": ie.Available,
			"requested": ie.Requested,
		}
		if ie.LotID != 0 {
			extra["lot_id"] = ie.LotID
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Type:   "insufficient-quantity",
			Title:  "Insufficient Quantity",
			Status: http.StatusConflict,
			Detail: err.Error(),
			Extra:  extra,
		})
	default:
		if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) {
			h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}
