package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/costing"
	"github.com/bodega-erp/bodega-erp/internal/platform/httpx"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

// Handler exposes the stock ledger API.
type Handler struct {
	logger   *slog.Logger
	svc      *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, svc *Service) *Handler {
	return &Handler{logger: logger, svc: svc, validate: validator.New()}
}

// MountRoutes attaches stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stock/receipts", h.receipt)
	r.Post("/stock/adjustments", h.adjustment)
	r.Post("/stock/transfers-in", h.transferIn)
	r.Get("/stock/card", h.card)
	r.Get("/stock/balance", h.balance)
}

type receiptRequest struct {
	StoreID     int64           `json:"store_id" validate:"required"`
	DeviceID    int64           `json:"device_id" validate:"required"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	RefType     string          `json:"ref_type" validate:"required"`
	RefID       string          `json:"ref_id" validate:"required"`
}

type moveResponse struct {
	ID         int64           `json:"id"`
	StoreID    int64           `json:"store_id"`
	DeviceID   int64           `json:"device_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Kind       string          `json:"kind"`
	RefType    string          `json:"ref_type"`
	RefID      string          `json:"ref_id"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (h *Handler) receipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	move, err := h.svc.RecordReceipt(r.Context(), ReceiptInput{
		StoreID:     req.StoreID,
		DeviceID:    req.DeviceID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		RefType:     req.RefType,
		RefID:       req.RefID,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMoveResponse(move))
}

type adjustmentRequest struct {
	StoreID     int64           `json:"store_id" validate:"required"`
	DeviceID    int64           `json:"device_id" validate:"required"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Reason      string          `json:"reason" validate:"required"`
	RefType     string          `json:"ref_type" validate:"required"`
	RefID       string          `json:"ref_id" validate:"required"`
}

func (h *Handler) adjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	move, err := h.svc.RecordAdjustment(r.Context(), AdjustmentInput{
		StoreID:     req.StoreID,
		DeviceID:    req.DeviceID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		Reason:      req.Reason,
		RefType:     req.RefType,
		RefID:       req.RefID,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMoveResponse(move))
}

func (h *Handler) transferIn(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	move, err := h.svc.RecordTransferIn(r.Context(), TransferInInput{
		StoreID:     req.StoreID,
		DeviceID:    req.DeviceID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		RefType:     req.RefType,
		RefID:       req.RefID,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMoveResponse(move))
}

type cardEntryResponse struct {
	MoveID     int64           `json:"move_id"`
	Kind       string          `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	RefType    string          `json:"ref_type"`
	RefID      string          `json:"ref_id"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (h *Handler) card(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCardFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	entries, err := h.svc.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]cardEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, cardEntryResponse{
			MoveID:     e.MoveID,
			Kind:       string(e.Kind),
			Quantity:   e.Quantity,
			RefType:    e.RefType,
			RefID:      e.RefID,
			OccurredAt: e.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	storeID, err := queryInt64(r, "store_id")
	if err != nil || storeID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "store_id required")
		return
	}
	deviceID, err := queryInt64(r, "device_id")
	if err != nil || deviceID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "device_id required")
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), storeID, deviceID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"store_id":  bal.StoreID,
		"device_id": bal.DeviceID,
		"on_hand":   bal.OnHand,
		"avg_cost":  bal.AvgCost,
		"method":    string(bal.Method),
	})
}

func parseCardFilter(r *http.Request) (CardFilter, error) {
	storeID, err := queryInt64(r, "store_id")
	if err != nil {
		return CardFilter{}, err
	}
	deviceID, err := queryInt64(r, "device_id")
	if err != nil {
		return CardFilter{}, err
	}
	filter := CardFilter{StoreID: storeID, DeviceID: deviceID}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return CardFilter{}, err
		}
		filter.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return CardFilter{}, err
		}
		filter.To = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return CardFilter{}, err
		}
		filter.Limit = limit
	}
	return filter, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var underflow *costing.UnderflowError
	switch {
	case errors.As(err, &underflow):
		// Integrity fault: never leak ledger internals to the caller.
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	case errors.Is(err, ErrNegativeStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrBalanceNotFound), errors.Is(err, catalog.ErrStoreNotFound), errors.Is(err, catalog.ErrDeviceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
	case errors.Is(err, shared.ErrLockTimeout):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "operation timed out waiting for stock lock, retry")
	default:
		if h.logger != nil {
			h.logger.Error("stock request failed", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toMoveResponse(move Move) moveResponse {
	return moveResponse{
		ID:         move.ID,
		StoreID:    move.StoreID,
		DeviceID:   move.DeviceID,
		Quantity:   move.Quantity,
		Kind:       string(move.Kind),
		RefType:    move.RefType,
		RefID:      move.RefID,
		OccurredAt: move.OccurredAt,
	}
}
