package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/orders"
)

type createItemRequest struct {
	ProductID string `json:"productId" validate:"required,notblank"`
	Quantity  int32  `json:"quantity" validate:"gt=0"`
}

type createOrderRequest struct {
	UserID string              `json:"userId" validate:"required,notblank"`
	Items  []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,notblank"`
	Reason string `json:"reason"`
}

type itemResponse struct {
	ID         string `json:"id"`
	ProductID  string `json:"productId"`
	Quantity   int32  `json:"quantity"`
	PriceMinor int64  `json:"price"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Status        string         `json:"status"`
	TotalMinor    int64          `json:"total"`
	FailureReason string         `json:"failureReason,omitempty"`
	Items         []itemResponse `json:"items"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ordersHandler struct {
	svc    OrderService
	logger *log.Entry
}

func (h *ordersHandler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getOrder)
			r.Delete("/", h.deleteOrder)
			r.Patch("/status", h.updateStatus)
			r.Get("/timeline", h.getTimeline)
		})
	})
}

func (h *ordersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := orders.CreateOrderInput{UserID: req.UserID}
	for _, item := range req.Items {
		in.Items = append(in.Items, orders.ItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *ordersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.OrderFilter{
		Status: domain.OrderStatus(query.Get("status")),
		UserID: query.Get("userId"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	list, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]orderResponse, 0, len(list))
	for _, order := range list {
		resp = append(resp, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ordersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *ordersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "id"), domain.OrderStatus(req.Status), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *ordersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ordersHandler) getTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, timelineEventResponse{
			Type:     ev.Type,
			Status:   string(ev.Status),
			Reason:   ev.Reason,
			Occurred: ev.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode читает JSON тело и проверяет его; при ошибке сам пишет 400.
func (h *ordersHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return false
	}
	if err := requestValidator().Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

// writeError переводит доменную ошибку в HTTP статус.
func (h *ordersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsInvalidArgument(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case domain.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrOrderNotFound.Error()})
	case domain.IsInvalidTransition(err), domain.IsVersionConflict(err):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]itemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemResponse{
			ID:         item.ID,
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			PriceMinor: item.PriceMinor,
		})
	}
	return orderResponse{
		ID:            order.ID,
		UserID:        order.UserID,
		Status:        string(order.Status),
		TotalMinor:    order.TotalMinor,
		FailureReason: order.FailureReason,
		Items:         items,
		Version:       order.Version,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
}
