// README: Contract handlers: posting, browsing, bidding and awards.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"agrimarket/internal/http/middleware"
	"agrimarket/internal/modules/contract"
	"agrimarket/internal/types"
)

// ContractService is the part of contract.Service the handlers call.
type ContractService interface {
	Create(ctx context.Context, cmd contract.CreateCommand) (*contract.Contract, error)
	Update(ctx context.Context, cmd contract.UpdateCommand) (*contract.Contract, *contract.Award, error)
	Cancel(ctx context.Context, contractID, buyerID types.ID) error
	Delete(ctx context.Context, actor types.Actor, contractID types.ID) error
	Get(ctx context.Context, actor types.Actor, id types.ID) (*contract.Contract, []contract.Bid, error)
	ListOpen(ctx context.Context) ([]contract.Contract, error)
	ListForFarmer(ctx context.Context, farmerID types.ID) ([]contract.Listing, error)
	ListByBuyer(ctx context.Context, buyerID types.ID) ([]contract.Contract, error)
	PlaceBid(ctx context.Context, cmd contract.PlaceBidCommand) (*contract.PlaceBidResult, error)
	AcceptBid(ctx context.Context, cmd contract.AcceptBidCommand) (*contract.Award, error)
}

type ContractHandler struct {
	contracts ContractService
}

func NewContractHandler(svc ContractService) *ContractHandler {
	return &ContractHandler{contracts: svc}
}

type contractReq struct {
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	CropType              string          `json:"crop_type"`
	QuantityNeeded        decimal.Decimal `json:"quantity_needed"`
	PreferredPricePerKilo decimal.Decimal `json:"preferred_price_per_kilo"`
	Deadline              time.Time       `json:"deadline"`
	Location              string          `json:"location"`
}

func (r contractReq) command(buyer types.ID) contract.CreateCommand {
	return contract.CreateCommand{
		BuyerID:               buyer,
		Title:                 r.Title,
		Description:           r.Description,
		CropType:              r.CropType,
		QuantityNeeded:        r.QuantityNeeded,
		PreferredPricePerKilo: r.PreferredPricePerKilo,
		Deadline:              r.Deadline,
		Location:              r.Location,
	}
}

type bidReq struct {
	QuantityOffered decimal.Decimal `json:"quantity_offered"`
	PricePerKilo    decimal.Decimal `json:"price_per_kilo"`
	Message         string          `json:"message"`
}

func (h *ContractHandler) Create(c *gin.Context) {
	var req contractReq
	if !bindJSON(c, &req, false) {
		return
	}
	ct, err := h.contracts.Create(c.Request.Context(), req.command(types.ID(middleware.CallerUID(c))))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, ct)
}

func (h *ContractHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req contractReq
	if !bindJSON(c, &req, false) {
		return
	}
	buyer := types.ID(middleware.CallerUID(c))
	ct, award, err := h.contracts.Update(c.Request.Context(), contract.UpdateCommand{
		ContractID:    id,
		BuyerID:       buyer,
		CreateCommand: req.command(buyer),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"contract": ct, "contract_awarded": award != nil, "award": award})
}

func (h *ContractHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.contracts.Cancel(c.Request.Context(), id, types.ID(middleware.CallerUID(c))); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": contract.StatusCancelled})
}

func (h *ContractHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.contracts.Delete(c.Request.Context(), middleware.Caller(c), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ContractHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ct, bids, err := h.contracts.Get(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"contract": ct, "bids": nonNil(bids), "bid_count": len(bids)})
}

func (h *ContractHandler) ListOpen(c *gin.Context) {
	list, err := h.contracts.ListOpen(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"contracts": nonNil(list)})
}

// ListForFarmer shows open contracts with bid counts, the lowest pending bid and the caller's own bid.
func (h *ContractHandler) ListForFarmer(c *gin.Context) {
	list, err := h.contracts.ListForFarmer(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"contracts": nonNil(list)})
}

func (h *ContractHandler) ListMine(c *gin.Context) {
	list, err := h.contracts.ListByBuyer(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"contracts": nonNil(list)})
}

func (h *ContractHandler) PlaceBid(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req bidReq
	if !bindJSON(c, &req, false) {
		return
	}
	res, err := h.contracts.PlaceBid(c.Request.Context(), contract.PlaceBidCommand{
		ContractID:      id,
		FarmerID:        types.ID(middleware.CallerUID(c)),
		QuantityOffered: req.QuantityOffered,
		PricePerKilo:    req.PricePerKilo,
		Message:         req.Message,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, res)
}

func (h *ContractHandler) AcceptBid(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	award, err := h.contracts.AcceptBid(c.Request.Context(), contract.AcceptBidCommand{
		BidID:      id,
		CustomerID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, award)
}

// nonNil keeps empty lists as [] rather than null in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
