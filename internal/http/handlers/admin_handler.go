// README: Admin handlers: farmer account approval.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/http/middleware"
	"agrimarket/internal/modules/pricing"
	"agrimarket/internal/types"
)

type VerificationService interface {
	SetVerified(ctx context.Context, actor types.Actor, farmerID types.ID, verified bool) (pricing.Subscription, error)
}

type AdminHandler struct {
	farmers VerificationService
}

func NewAdminHandler(farmers VerificationService) *AdminHandler {
	return &AdminHandler{farmers: farmers}
}

func (h *AdminHandler) ApproveFarmer(c *gin.Context) { h.setVerified(c, true) }

func (h *AdminHandler) RejectFarmer(c *gin.Context) { h.setVerified(c, false) }

func (h *AdminHandler) setVerified(c *gin.Context, verified bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sub, err := h.farmers.SetVerified(c.Request.Context(), middleware.Caller(c), id, verified)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"farmer_id": sub.FarmerID, "is_verified": sub.IsVerified})
}
