// README: Farmer handlers: pending orders, approval responses, pickup readiness and subscription plan.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"agrimarket/internal/http/middleware"
	"agrimarket/internal/modules/order"
	"agrimarket/internal/modules/pricing"
	"agrimarket/internal/types"
)

// SubscriptionService is the part of pricing.Service the handlers call.
type SubscriptionService interface {
	Get(ctx context.Context, farmerID types.ID) (pricing.Subscription, error)
	Upgrade(ctx context.Context, farmerID types.ID) (pricing.Subscription, error)
	Downgrade(ctx context.Context, farmerID types.ID) (pricing.Subscription, error)
}

type FarmerHandler struct {
	order OrderService
	subs  SubscriptionService
	now   func() time.Time
}

func NewFarmerHandler(orderSvc OrderService, subs SubscriptionService) *FarmerHandler {
	return &FarmerHandler{order: orderSvc, subs: subs, now: time.Now}
}

type respondReq struct {
	Action          string `json:"action"`
	Notes           string `json:"notes"`
	RejectionReason string `json:"rejection_reason"`
}

func (h *FarmerHandler) Pending(c *gin.Context) {
	list, err := h.order.ListPendingForFarmer(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": nonNil(list)})
}

func (h *FarmerHandler) Approved(c *gin.Context) {
	list, err := h.order.ListApprovedForFarmer(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": nonNil(list)})
}

func (h *FarmerHandler) Respond(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req respondReq
	if !bindJSON(c, &req, false) {
		return
	}
	o, err := h.order.RespondToOrder(c.Request.Context(), order.RespondCommand{
		OrderID:         id,
		FarmerID:        types.ID(middleware.CallerUID(c)),
		Action:          order.Action(req.Action),
		Notes:           req.Notes,
		RejectionReason: req.RejectionReason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *FarmerHandler) ReadyForPickup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req notesReq
	if !bindJSON(c, &req, true) {
		return
	}
	res, err := h.order.MarkReadyForPickup(c.Request.Context(), order.ReadyCommand{
		OrderID:  id,
		FarmerID: types.ID(middleware.CallerUID(c)),
		Notes:    req.Notes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type subscriptionView struct {
	Tier           pricing.Tier    `json:"subscription_tier"`
	IsVerified     bool            `json:"is_verified"`
	IsPro          bool            `json:"is_pro"`
	StartedAt      *time.Time      `json:"subscription_started_at,omitempty"`
	ExpiresAt      *time.Time      `json:"subscription_expires_at,omitempty"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	DaysRemaining  int             `json:"days_remaining"`
}

func (h *FarmerHandler) view(s pricing.Subscription) subscriptionView {
	now := h.now()
	return subscriptionView{
		Tier:           s.Tier,
		IsVerified:     s.IsVerified,
		IsPro:          s.HasPro(now),
		StartedAt:      s.StartedAt,
		ExpiresAt:      s.ExpiresAt,
		CommissionRate: pricing.CommissionRate(s, now),
		DaysRemaining:  s.DaysRemaining(now),
	}
}

func (h *FarmerHandler) Subscription(c *gin.Context) {
	h.subscription(c, h.subs.Get)
}

func (h *FarmerHandler) Upgrade(c *gin.Context) {
	h.subscription(c, h.subs.Upgrade)
}

func (h *FarmerHandler) Downgrade(c *gin.Context) {
	h.subscription(c, h.subs.Downgrade)
}

func (h *FarmerHandler) subscription(c *gin.Context, op func(context.Context, types.ID) (pricing.Subscription, error)) {
	sub, err := op(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h.view(sub))
}
