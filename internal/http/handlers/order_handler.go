// README: Customer order handlers: checkout, listing, tracking, cancel and completion.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/http/middleware"
	"agrimarket/internal/modules/order"
	"agrimarket/internal/types"
)

// OrderService is the part of order.Service the handlers call.
type OrderService interface {
	Checkout(ctx context.Context, cmd order.CheckoutCommand) (*order.Order, error)
	GetForCustomer(ctx context.Context, id, customerID types.ID) (*order.Order, error)
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	ListByCustomer(ctx context.Context, customerID types.ID) ([]order.Order, error)
	Track(ctx context.Context, id, customerID types.ID) (*order.Tracking, error)
	CancelOrder(ctx context.Context, cmd order.CancelCommand) (*order.Order, error)
	ListPendingForFarmer(ctx context.Context, farmerID types.ID) ([]order.Order, error)
	ListApprovedForFarmer(ctx context.Context, farmerID types.ID) ([]order.Order, error)
	RespondToOrder(ctx context.Context, cmd order.RespondCommand) (*order.Order, error)
	MarkReadyForPickup(ctx context.Context, cmd order.ReadyCommand) (*order.ReadyResult, error)
	AssignDriver(ctx context.Context, orderID types.ID) (*order.ReadyResult, error)
	MarkPickedUp(ctx context.Context, cmd order.AdvanceCommand) (*order.Order, error)
	MarkInTransit(ctx context.Context, cmd order.AdvanceCommand) (*order.Order, error)
	MarkDelivered(ctx context.Context, cmd order.AdvanceCommand) (*order.Order, error)
	MarkCompleted(ctx context.Context, cmd order.AdvanceCommand) (*order.Order, error)
}

type OrderHandler struct {
	order OrderService
}

func NewOrderHandler(svc OrderService) *OrderHandler {
	return &OrderHandler{order: svc}
}

type checkoutReq struct {
	ShippingAddress order.ShippingAddress `json:"shipping_address"`
}

func (h *OrderHandler) Checkout(c *gin.Context) {
	var req checkoutReq
	if !bindJSON(c, &req, false) {
		return
	}
	o, err := h.order.Checkout(c.Request.Context(), order.CheckoutCommand{
		CustomerID:      types.ID(middleware.CallerUID(c)),
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, o)
}

func (h *OrderHandler) List(c *gin.Context) {
	list, err := h.order.ListByCustomer(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": nonNil(list)})
}

// Get returns any order to admins and only the caller's own orders to everyone else.
func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := middleware.Caller(c)
	var (
		o   *order.Order
		err error
	)
	if caller.IsAdmin() {
		o, err = h.order.Get(c.Request.Context(), id)
	} else {
		o, err = h.order.GetForCustomer(c.Request.Context(), id, caller.ID)
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Tracking(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tr, err := h.order.Track(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tr)
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.order.CancelOrder(c.Request.Context(), order.CancelCommand{
		OrderID:    id,
		CustomerID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// Complete is the customer's confirmation of a delivered order.
func (h *OrderHandler) Complete(c *gin.Context) {
	h.advance(c, h.order.MarkCompleted)
}

// AssignDriver retries dispatch for a ready order (admin).
func (h *OrderHandler) AssignDriver(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.order.AssignDriver(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type notesReq struct {
	Notes string `json:"notes"`
}

func (h *OrderHandler) advance(c *gin.Context, step func(context.Context, order.AdvanceCommand) (*order.Order, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req notesReq
	if !bindJSON(c, &req, true) {
		return
	}
	o, err := step(c.Request.Context(), order.AdvanceCommand{
		OrderID: id,
		Actor:   middleware.Caller(c),
		Notes:   req.Notes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}
