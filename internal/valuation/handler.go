package valuation

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bodega-erp/bodega-erp/internal/platform/httpx"
)

// Handler exposes the valuation API.
type Handler struct {
	logger *slog.Logger
	svc    *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, svc *Service) *Handler {
	return &Handler{logger: logger, svc: svc}
}

// MountRoutes attaches valuation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/valuation", h.valuation)
}

func (h *Handler) valuation(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	rows, err := h.svc.GetValuation(r.Context(), filter)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("valuation projection failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func parseFilter(r *http.Request) (Filter, error) {
	var filter Filter
	if raw := r.URL.Query().Get("store_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Filter{}, err
		}
		filter.StoreID = id
	}
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Filter{}, err
		}
		filter.DeviceID = id
	}
	return filter, nil
}
