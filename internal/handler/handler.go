package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/reviewzone/reward-fulfillment/internal/model"
	"github.com/reviewzone/reward-fulfillment/internal/repository"
	"github.com/reviewzone/reward-fulfillment/internal/service"
)

const maxBodySize = 1 << 20 // 1MB

// Handler provides HTTP handlers for the fulfillment API.
type Handler struct {
	svc              *service.FulfillmentService
	countdownSeconds int
}

// NewHandler creates a new handler instance. countdownSeconds is the
// waiting-UI hint served to polling clients.
func NewHandler(svc *service.FulfillmentService, countdownSeconds int) *Handler {
	return &Handler{
		svc:              svc,
		countdownSeconds: countdownSeconds,
	}
}

// Routes registers the API routes on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/fulfill", h.Fulfill)
	r.Get("/deliveries/{review_id}", h.GetDelivery)
	r.Get("/fulfillment/config", h.GetFulfillmentConfig)
}

type fulfillRequest struct {
	ReviewID string `json:"review_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Fulfill handles POST /fulfill
func (h *Handler) Fulfill(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req fulfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.ReviewID = strings.TrimSpace(req.ReviewID)
	if req.ReviewID == "" {
		h.respondError(w, http.StatusBadRequest, "review_id is required")
		return
	}

	result, err := h.svc.Fulfill(r.Context(), req.ReviewID)
	if err != nil {
		if errors.Is(err, repository.ErrReviewNotFound) {
			h.respondError(w, http.StatusNotFound, "review not found")
			return
		}
		log.Printf("Fulfillment failed for review %s: %v", req.ReviewID, err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if result.Status == service.StatusFailed {
		h.respondJSON(w, failureStatusCode(result.Delivery), result)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// failureStatusCode maps the recorded failure reason onto an HTTP status:
// pool exhaustion and contention are conflicts, a gateway failure is an
// upstream error.
func failureStatusCode(record *model.DeliveryRecord) int {
	if record != nil && record.FailReason != nil &&
		strings.HasPrefix(*record.FailReason, model.ReasonNotificationFailed) {
		return http.StatusBadGateway
	}
	return http.StatusConflict
}

// GetDelivery handles GET /deliveries/{review_id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	reviewID := strings.TrimSpace(chi.URLParam(r, "review_id"))
	if reviewID == "" {
		h.respondError(w, http.StatusBadRequest, "review_id is required")
		return
	}

	record, err := h.svc.Delivery(r.Context(), reviewID)
	if err != nil {
		if errors.Is(err, repository.ErrDeliveryNotFound) {
			h.respondError(w, http.StatusNotFound, "delivery record not found")
			return
		}
		log.Printf("Delivery lookup failed for review %s: %v", reviewID, err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.respondJSON(w, http.StatusOK, record)
}

// GetFulfillmentConfig handles GET /fulfillment/config. The countdown is
// the hint the initiating client uses to bound its waiting spinner before
// it falls back to polling the delivery record.
func (h *Handler) GetFulfillmentConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]int{
		"countdown_seconds": h.countdownSeconds,
	})
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
