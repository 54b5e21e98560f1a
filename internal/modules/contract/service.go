// README: Contract service implements bidding, automatic and manual awards, and contract lifecycle.
package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agrimarket/internal/errs"
	"agrimarket/internal/events"
	"agrimarket/internal/types"
)

var (
	ErrNotFound      = errs.New(errs.ErrNotFound, "contract not found")
	ErrBidNotFound   = errs.New(errs.ErrNotFound, "bid not found")
	ErrClosed        = errs.New(errs.ErrInvalidState, "contract is not accepting bids")
	ErrNotEditable   = errs.New(errs.ErrInvalidState, "contract can no longer be changed")
	ErrBidNotPending = errs.New(errs.ErrInvalidState, "bid is no longer pending")
	ErrDuplicateBid  = errs.New(errs.ErrDuplicateBid, "farmer already placed a bid on this contract")
	ErrNotOwner      = errs.New(errs.ErrForbidden, "contract belongs to another customer")
	ErrAdminOnly     = errs.New(errs.ErrForbidden, "admin role required")
	ErrConflict      = errs.New(errs.ErrConflict, "contract was awarded concurrently")

	errLostRace = errors.New("award lost race")
)

type Repository interface {
	CreateContract(ctx context.Context, c *Contract) error
	GetContract(ctx context.Context, id types.ID) (*Contract, error)
	UpdateContract(ctx context.Context, c *Contract) (bool, error)
	ListOpen(ctx context.Context, now time.Time) ([]Contract, error)
	ListByBuyer(ctx context.Context, buyerID types.ID) ([]Contract, error)
	ListDue(ctx context.Context, now time.Time) ([]Contract, error)
	DeleteContract(ctx context.Context, id types.ID) error
	CancelContract(ctx context.Context, id types.ID, now time.Time) (bool, error)
	CreateBid(ctx context.Context, b *Bid, now time.Time) error
	GetBid(ctx context.Context, id types.ID) (*Bid, error)
	ListBids(ctx context.Context, contractID types.ID) ([]Bid, error)
	Award(ctx context.Context, contractID, bidID types.ID, now time.Time) (int, bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]types.ID, error)
	FarmerContact(ctx context.Context, farmerID types.ID) (*FarmerContact, error)
}

// Payouts reports what a farmer receives from a gross amount after commission.
type Payouts interface {
	FarmerPayout(ctx context.Context, farmerID types.ID, gross decimal.Decimal) (decimal.Decimal, error)
}

type Service struct {
	repo    Repository
	payouts Payouts
	events  events.Publisher
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(repo Repository, payouts Payouts, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, payouts: payouts, events: pub, logger: logger, now: time.Now}
}

type CreateCommand struct {
	BuyerID               types.ID
	Title                 string
	Description           string
	CropType              string
	QuantityNeeded        decimal.Decimal
	PreferredPricePerKilo decimal.Decimal
	Deadline              time.Time
	Location              string
}

type UpdateCommand struct {
	ContractID types.ID
	BuyerID    types.ID
	CreateCommand
}

type PlaceBidCommand struct {
	ContractID      types.ID
	FarmerID        types.ID
	QuantityOffered decimal.Decimal
	PricePerKilo    decimal.Decimal
	Message         string
}

type PlaceBidResult struct {
	Bid             Bid    `json:"bid"`
	ContractAwarded bool   `json:"contract_awarded"`
	Award           *Award `json:"award,omitempty"`
}

type AcceptBidCommand struct {
	BidID      types.ID
	CustomerID types.ID
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Contract, error) {
	if err := validateTerms(cmd, s.now()); err != nil {
		return nil, err
	}
	now := s.now()
	c := &Contract{
		ID:                    types.NewID(),
		Title:                 strings.TrimSpace(cmd.Title),
		Description:           cmd.Description,
		CropType:              cmd.CropType,
		QuantityNeeded:        cmd.QuantityNeeded,
		PreferredPricePerKilo: cmd.PreferredPricePerKilo,
		Deadline:              cmd.Deadline,
		Location:              cmd.Location,
		Status:                StatusOpen,
		BuyerID:               cmd.BuyerID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.CreateContract(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("contract created", zap.String("contract_id", c.ID.String()), zap.String("buyer_id", c.BuyerID.String()))
	return c, nil
}

// Update edits an open contract and re-evaluates the auto award, since a lower quantity
// can make existing bids qualify.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (*Contract, *Award, error) {
	c, err := s.repo.GetContract(ctx, cmd.ContractID)
	if err != nil {
		return nil, nil, err
	}
	if c.BuyerID != cmd.BuyerID {
		return nil, nil, ErrNotOwner
	}
	if err := validateTerms(cmd.CreateCommand, s.now()); err != nil {
		return nil, nil, err
	}
	c.Title = strings.TrimSpace(cmd.Title)
	c.Description = cmd.Description
	c.CropType = cmd.CropType
	c.QuantityNeeded = cmd.QuantityNeeded
	c.PreferredPricePerKilo = cmd.PreferredPricePerKilo
	c.Deadline = cmd.Deadline
	c.Location = cmd.Location
	c.UpdatedAt = s.now()
	ok, err := s.repo.UpdateContract(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotEditable
	}
	award, err := s.CheckAutoAward(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}
	if award != nil {
		c.Status = StatusAwarded
		c.WinningBidID = &award.WinningBid.ID
	}
	return c, award, nil
}

func (s *Service) Cancel(ctx context.Context, contractID, buyerID types.ID) error {
	c, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.BuyerID != buyerID {
		return ErrNotOwner
	}
	if !CanTransition(c.Status, StatusCancelled) {
		return ErrNotEditable
	}
	ok, err := s.repo.CancelContract(ctx, contractID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEditable
	}
	s.logger.Info("contract cancelled", zap.String("contract_id", contractID.String()))
	return nil
}

func (s *Service) Delete(ctx context.Context, actor types.Actor, contractID types.ID) error {
	if !actor.IsAdmin() {
		return ErrAdminOnly
	}
	if err := s.repo.DeleteContract(ctx, contractID); err != nil {
		return err
	}
	s.logger.Info("contract deleted", zap.String("contract_id", contractID.String()), zap.String("admin_id", actor.ID.String()))
	return nil
}

// Get returns the contract with its bids ordered from the lowest price. Only the buyer and
// admins may see the bids.
func (s *Service) Get(ctx context.Context, actor types.Actor, id types.ID) (*Contract, []Bid, error) {
	c, err := s.repo.GetContract(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !actor.IsAdmin() && c.BuyerID != actor.ID {
		return nil, nil, ErrNotOwner
	}
	bids, err := s.repo.ListBids(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	SortByPrice(bids)
	return c, bids, nil
}

func (s *Service) ListOpen(ctx context.Context) ([]Contract, error) {
	return s.repo.ListOpen(ctx, s.now())
}

// ListForFarmer returns open contracts with bid statistics and the farmer's own bid.
func (s *Service) ListForFarmer(ctx context.Context, farmerID types.ID) ([]Listing, error) {
	now := s.now()
	open, err := s.repo.ListOpen(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(open))
	for _, c := range open {
		bids, err := s.repo.ListBids(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, NewListing(c, bids, farmerID, now))
	}
	return out, nil
}

func (s *Service) ListByBuyer(ctx context.Context, buyerID types.ID) ([]Contract, error) {
	return s.repo.ListByBuyer(ctx, buyerID)
}

func (s *Service) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*PlaceBidResult, error) {
	if err := validateBid(cmd); err != nil {
		return nil, err
	}
	now := s.now()
	c, err := s.repo.GetContract(ctx, cmd.ContractID)
	if err != nil {
		return nil, err
	}
	if !c.CanReceiveBids(now) {
		return nil, ErrClosed
	}

	b := &Bid{
		ID:              types.NewID(),
		ContractID:      cmd.ContractID,
		FarmerID:        cmd.FarmerID,
		QuantityOffered: cmd.QuantityOffered,
		PricePerKilo:    cmd.PricePerKilo,
		Message:         strings.TrimSpace(cmd.Message),
		Status:          BidPending,
		CreatedAt:       now,
	}
	b.Recalculate()
	if err := s.repo.CreateBid(ctx, b, now); err != nil {
		return nil, err
	}
	s.logger.Info("bid placed",
		zap.String("contract_id", c.ID.String()),
		zap.String("bid_id", b.ID.String()),
		zap.String("farmer_id", b.FarmerID.String()),
		zap.String("price_per_kilo", b.PricePerKilo.String()))
	s.events.Publish(ctx, events.BidPlaced, c.ID.String(), b)

	award, err := s.CheckAutoAward(ctx, c.ID)
	if err != nil {
		// The bid is stored. ExpireDue retries the award before the contract can expire.
		s.logger.Warn("auto award check failed", zap.String("contract_id", c.ID.String()), zap.Error(err))
	}
	res := &PlaceBidResult{Bid: *b, Award: award, ContractAwarded: award != nil}
	if award != nil {
		res.Bid = *s.refreshBid(ctx, b)
	} else if fresh, err := s.repo.GetContract(ctx, c.ID); err == nil {
		res.ContractAwarded = fresh.Status == StatusAwarded
	}
	return res, nil
}

// CheckAutoAward awards the contract to the best qualified bid if one exists. Calling it again
// after an award, or losing a concurrent award, is a no-op.
func (s *Service) CheckAutoAward(ctx context.Context, contractID types.ID) (*Award, error) {
	c, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusOpen || c.WinningBidID != nil {
		return nil, nil
	}
	bids, err := s.repo.ListBids(ctx, contractID)
	if err != nil {
		return nil, err
	}
	winner, ok := SelectWinner(c.QuantityNeeded, bids)
	if !ok {
		return nil, nil
	}
	award, err := s.award(ctx, c, winner, AwardAuto)
	if errors.Is(err, errLostRace) {
		return nil, nil
	}
	return award, err
}

// AcceptBid lets the contract owner award a specific pending bid regardless of price ranking.
func (s *Service) AcceptBid(ctx context.Context, cmd AcceptBidCommand) (*Award, error) {
	b, err := s.repo.GetBid(ctx, cmd.BidID)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.GetContract(ctx, b.ContractID)
	if err != nil {
		return nil, err
	}
	if c.BuyerID != cmd.CustomerID {
		return nil, ErrNotOwner
	}
	if b.Status != BidPending {
		return nil, ErrBidNotPending
	}
	if c.Status != StatusOpen || c.WinningBidID != nil {
		return nil, ErrClosed
	}
	award, err := s.award(ctx, c, *b, AwardManual)
	if errors.Is(err, errLostRace) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if fc, err := s.repo.FarmerContact(ctx, b.FarmerID); err == nil {
		award.FarmerContact = fc
	} else {
		s.logger.Warn("load farmer contact", zap.String("farmer_id", b.FarmerID.String()), zap.Error(err))
	}
	return award, nil
}

func (s *Service) award(ctx context.Context, c *Contract, winner Bid, method AwardMethod) (*Award, error) {
	now := s.now()
	rejected, ok, err := s.repo.Award(ctx, c.ID, winner.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errLostRace
	}
	winner.Status = BidAccepted
	a := &Award{
		ContractID:   c.ID,
		WinningBid:   winner,
		RejectedBids: rejected,
		Method:       method,
		FarmerPayout: winner.TotalAmount,
		AwardedAt:    now,
	}
	if s.payouts != nil {
		if p, err := s.payouts.FarmerPayout(ctx, winner.FarmerID, winner.TotalAmount); err == nil {
			a.FarmerPayout = p
		} else {
			s.logger.Warn("compute farmer payout", zap.String("farmer_id", winner.FarmerID.String()), zap.Error(err))
		}
	}
	s.logger.Info("contract awarded",
		zap.String("contract_id", c.ID.String()),
		zap.String("bid_id", winner.ID.String()),
		zap.String("method", string(method)),
		zap.Int("rejected_bids", rejected))
	s.events.Publish(ctx, events.ContractAwarded, c.ID.String(), a)
	return a, nil
}

func (s *Service) refreshBid(ctx context.Context, b *Bid) *Bid {
	fresh, err := s.repo.GetBid(ctx, b.ID)
	if err != nil {
		return b
	}
	return fresh
}

// ExpireDue closes contracts whose deadline has passed without an award. A due contract that
// already holds a qualified bid is awarded instead, which recovers awards that failed after the
// bid was stored.
func (s *Service) ExpireDue(ctx context.Context) ([]types.ID, error) {
	now := s.now()
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}
	// A failed retry skips this round of expiry so the qualified bid is not rejected.
	for _, c := range due {
		if _, err := s.CheckAutoAward(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("retry auto award for %s: %w", c.ID, err)
		}
	}
	ids, err := s.repo.ExpireDue(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.events.Publish(ctx, events.ContractExpired, id.String(), nil)
	}
	if len(ids) > 0 {
		s.logger.Info("contracts expired", zap.Int("count", len(ids)))
	}
	return ids, nil
}

func (s *Service) RunExpireTicker(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireDue(ctx); err != nil {
				s.logger.Warn("expire contracts", zap.Error(err))
			}
		}
	}
}

func validateTerms(cmd CreateCommand, now time.Time) error {
	switch {
	case cmd.BuyerID == "":
		return errs.New(errs.ErrValidation, "buyer is required")
	case strings.TrimSpace(cmd.Title) == "":
		return errs.New(errs.ErrValidation, "title is required")
	case cmd.CropType == "":
		return errs.New(errs.ErrValidation, "crop_type is required")
	case cmd.QuantityNeeded.LessThan(types.MinAmount):
		return errs.New(errs.ErrValidation, "quantity_needed must be at least 0.01")
	case cmd.PreferredPricePerKilo.LessThan(types.MinAmount):
		return errs.New(errs.ErrValidation, "preferred_price_per_kilo must be at least 0.01")
	case !cmd.Deadline.After(now):
		return errs.New(errs.ErrValidation, "deadline must be in the future")
	}
	return nil
}

func validateBid(cmd PlaceBidCommand) error {
	switch {
	case cmd.FarmerID == "":
		return errs.New(errs.ErrValidation, "farmer is required")
	case cmd.QuantityOffered.LessThan(types.MinAmount):
		return errs.New(errs.ErrValidation, "quantity_offered must be at least 0.01")
	case cmd.PricePerKilo.LessThan(types.MinAmount):
		return errs.New(errs.ErrValidation, "price_per_kilo must be at least 0.01")
	case len([]rune(cmd.Message)) > maxMessageLen:
		return errs.New(errs.ErrValidation, "message must be at most 500 characters")
	}
	return nil
}
