// README: Contract and bid aggregates, status definitions and winner selection.
package contract

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/types"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusAwarded    Status = "awarded"
	// StatusInProgress and StatusCompleted are valid stored values; no operation moves a contract into them.
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

const maxMessageLen = 500

type Contract struct {
	ID                    types.ID        `json:"id"`
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	CropType              string          `json:"crop_type"`
	QuantityNeeded        decimal.Decimal `json:"quantity_needed"`
	PreferredPricePerKilo decimal.Decimal `json:"preferred_price_per_kilo"`
	Deadline              time.Time       `json:"deadline"`
	Location              string          `json:"location"`
	Status                Status          `json:"status"`
	BuyerID               types.ID        `json:"buyer_id"`
	WinningBidID          *types.ID       `json:"winning_bid_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// CanReceiveBids: open, before deadline, no winner.
func (c *Contract) CanReceiveBids(now time.Time) bool {
	return c.Status == StatusOpen && c.Deadline.After(now) && c.WinningBidID == nil
}

type Bid struct {
	ID              types.ID        `json:"id"`
	ContractID      types.ID        `json:"contract_id"`
	FarmerID        types.ID        `json:"farmer_id"`
	QuantityOffered decimal.Decimal `json:"quantity_offered"`
	PricePerKilo    decimal.Decimal `json:"price_per_kilo"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Message         string          `json:"message,omitempty"`
	Status          BidStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Recalculate sets TotalAmount from quantity and price. Called before every write.
func (b *Bid) Recalculate() {
	b.TotalAmount = types.LineTotal(b.QuantityOffered, b.PricePerKilo)
}

// Qualifies reports whether the bid can win a contract needing qty.
func (b *Bid) Qualifies(qty decimal.Decimal) bool {
	return b.Status == BidPending && b.QuantityOffered.GreaterThanOrEqual(qty)
}

type AwardMethod string

const (
	AwardAuto   AwardMethod = "auto"
	AwardManual AwardMethod = "manual"
)

type Award struct {
	ContractID   types.ID        `json:"contract_id"`
	WinningBid   Bid             `json:"winning_bid"`
	RejectedBids int             `json:"rejected_bids"`
	Method       AwardMethod     `json:"method"`
	FarmerPayout decimal.Decimal `json:"farmer_payout"`
	AwardedAt    time.Time       `json:"awarded_at"`

	// FarmerContact is filled on manual awards so the buyer can reach the winner.
	FarmerContact *FarmerContact `json:"farmer_contact,omitempty"`
}

type FarmerContact struct {
	ID    types.ID `json:"id"`
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
	Email string   `json:"email"`
}

// AllowedTransitions represents the contract lifecycle as code. Awarded, cancelled and expired are terminal.
var AllowedTransitions = map[Status][]Status{
	StatusOpen: {StatusAwarded, StatusCancelled, StatusExpired},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SelectWinner picks the lowest-priced qualified bid. Ties go to the earliest bid, then the lowest id.
func SelectWinner(needed decimal.Decimal, bids []Bid) (Bid, bool) {
	qualified := make([]Bid, 0, len(bids))
	for _, b := range bids {
		if b.Qualifies(needed) {
			qualified = append(qualified, b)
		}
	}
	if len(qualified) == 0 {
		return Bid{}, false
	}
	SortByPrice(qualified)
	return qualified[0], true
}

// SortByPrice orders bids by price, then creation time, then id.
func SortByPrice(bids []Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		a, b := bids[i], bids[j]
		if c := a.PricePerKilo.Cmp(b.PricePerKilo); c != 0 {
			return c < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

type BidSummary struct {
	QuantityOffered decimal.Decimal `json:"quantity_offered"`
	PricePerKilo    decimal.Decimal `json:"price_per_kilo"`
	Status          BidStatus       `json:"status,omitempty"`
}

// Listing is an open contract as a farmer sees it: bid statistics and their own bid, never rivals' bids.
type Listing struct {
	Contract
	BidCount       int         `json:"bid_count"`
	LowestBid      *BidSummary `json:"lowest_bid"`
	UserHasBid     bool        `json:"user_has_bid"`
	UserBid        *BidSummary `json:"user_bid"`
	CanReceiveBids bool        `json:"can_receive_bids"`
}

// NewListing builds the farmer view of c. LowestBid only considers pending bids.
func NewListing(c Contract, bids []Bid, farmerID types.ID, now time.Time) Listing {
	l := Listing{Contract: c, BidCount: len(bids), CanReceiveBids: c.CanReceiveBids(now)}
	var lowest *Bid
	for i := range bids {
		b := &bids[i]
		if b.FarmerID == farmerID {
			l.UserHasBid = true
			l.UserBid = &BidSummary{QuantityOffered: b.QuantityOffered, PricePerKilo: b.PricePerKilo, Status: b.Status}
		}
		if b.Status == BidPending && (lowest == nil || b.PricePerKilo.LessThan(lowest.PricePerKilo)) {
			lowest = b
		}
	}
	if lowest != nil {
		l.LowestBid = &BidSummary{QuantityOffered: lowest.QuantityOffered, PricePerKilo: lowest.PricePerKilo}
	}
	return l
}
