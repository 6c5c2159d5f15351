package reservation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/platform/httpx"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

// Handler exposes the reservation API.
type Handler struct {
	logger   *slog.Logger
	svc      *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, svc *Service) *Handler {
	return &Handler{logger: logger, svc: svc, validate: validator.New()}
}

// MountRoutes attaches reservation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reservations", h.reserve)
	r.Post("/reservations/{reservationID}/consume", h.consume)
	r.Post("/reservations/{reservationID}/cancel", h.cancel)
	r.Get("/stores/{storeID}/devices/{deviceID}/available", h.available)
}

type reserveRequest struct {
	StoreID    int64           `json:"store_id" validate:"required"`
	DeviceID   int64           `json:"device_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
	Reason     string          `json:"reason"`
	RefType    string          `json:"ref_type" validate:"required"`
	RefID      string          `json:"ref_id" validate:"required"`
	TTLSeconds int64           `json:"ttl_seconds" validate:"gte=0"`
}

type reservationResponse struct {
	ID           string          `json:"id"`
	StoreID      int64           `json:"store_id"`
	DeviceID     int64           `json:"device_id"`
	InitialQty   decimal.Decimal `json:"initial_qty"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	Status       string          `json:"status"`
	RefType      string          `json:"ref_type"`
	RefID        string          `json:"ref_id"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	res, err := h.svc.Reserve(r.Context(), ReserveInput{
		StoreID:  req.StoreID,
		DeviceID: req.DeviceID,
		Quantity: req.Quantity,
		Reason:   req.Reason,
		RefType:  req.RefType,
		RefID:    req.RefID,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
		ActorID:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(res))
}

type consumeRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Reservation ID", err.Error())
		return
	}
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.svc.Consume(r.Context(), id, req.Quantity, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "consumed"})
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Reservation ID", err.Error())
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.svc.Cancel(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	storeID, err := strconv.ParseInt(chi.URLParam(r, "storeID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Store ID", err.Error())
		return
	}
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "deviceID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Device ID", err.Error())
		return
	}
	available, err := h.svc.QueryAvailable(r.Context(), storeID, deviceID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"store_id":  storeID,
		"device_id": deviceID,
		"available": available,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", describeShortfall(insufficient))
	case errors.Is(err, ErrInvalidStateTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrExpired):
		httpx.Problem(w, http.StatusGone, "Reservation Expired", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrStoreNotFound), errors.Is(err, catalog.ErrDeviceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Quantity", err.Error())
	case errors.Is(err, shared.ErrLockTimeout):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "operation timed out waiting for stock lock, retry")
	default:
		if h.logger != nil {
			h.logger.Error("reservation request failed", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toResponse(res Reservation) reservationResponse {
	return reservationResponse{
		ID:           res.ID.String(),
		StoreID:      res.StoreID,
		DeviceID:     res.DeviceID,
		InitialQty:   res.InitialQty,
		RemainingQty: res.RemainingQty,
		Status:       string(res.Status),
		RefType:      res.RefType,
		RefID:        res.RefID,
		ExpiresAt:    res.ExpiresAt,
	}
}
