// README: Farmer subscription tiers and commission inputs.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/types"
)

type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// BasicCommissionRate is the platform commission in percent for farmers without an active pro plan.
var BasicCommissionRate = decimal.NewFromInt(10)

const proPeriodMonths = 1

type Subscription struct {
	FarmerID       types.ID
	Tier           Tier
	IsVerified     bool
	StartedAt      *time.Time
	ExpiresAt      *time.Time
	CommissionRate decimal.Decimal
}

// HasPro reports an unexpired pro subscription.
func (s Subscription) HasPro(now time.Time) bool {
	return s.Tier == TierPro && s.ExpiresAt != nil && s.ExpiresAt.After(now)
}

// DaysRemaining is 0 for basic or expired plans.
func (s Subscription) DaysRemaining(now time.Time) int {
	if !s.HasPro(now) {
		return 0
	}
	return int(s.ExpiresAt.Sub(now).Hours() / 24)
}

// Line is one priced amount attributed to a farmer.
type Line struct {
	FarmerID types.ID
	Amount   decimal.Decimal
}
