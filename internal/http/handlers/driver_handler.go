// README: Driver handlers for delivery progress, availability and assigned deliveries.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/http/middleware"
	"agrimarket/internal/modules/dispatch"
	"agrimarket/internal/types"
)

// DispatchService is the part of dispatch.Service the handlers call.
type DispatchService interface {
	SetAvailability(ctx context.Context, driverID types.ID, available bool) error
	ListDeliveries(ctx context.Context, driverID types.ID) ([]dispatch.Delivery, error)
}

type DriverHandler struct {
	orders   *OrderHandler
	dispatch DispatchService
}

func NewDriverHandler(orderSvc OrderService, dispatchSvc DispatchService) *DriverHandler {
	return &DriverHandler{orders: NewOrderHandler(orderSvc), dispatch: dispatchSvc}
}

func (h *DriverHandler) PickedUp(c *gin.Context) {
	h.orders.advance(c, h.orders.order.MarkPickedUp)
}

func (h *DriverHandler) InTransit(c *gin.Context) {
	h.orders.advance(c, h.orders.order.MarkInTransit)
}

func (h *DriverHandler) Delivered(c *gin.Context) {
	h.orders.advance(c, h.orders.order.MarkDelivered)
}

func (h *DriverHandler) Completed(c *gin.Context) {
	h.orders.advance(c, h.orders.order.MarkCompleted)
}

type availabilityReq struct {
	IsAvailable *bool `json:"is_available"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if !bindJSON(c, &req, false) {
		return
	}
	if req.IsAvailable == nil {
		writeError(c, http.StatusBadRequest, "is_available is required")
		return
	}
	if err := h.dispatch.SetAvailability(c.Request.Context(), types.ID(middleware.CallerUID(c)), *req.IsAvailable); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"is_available": *req.IsAvailable})
}

func (h *DriverHandler) Deliveries(c *gin.Context) {
	list, err := h.dispatch.ListDeliveries(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"deliveries": nonNil(list)})
}
