// README: Commission policy and farmer subscription management.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agrimarket/internal/errs"
	"agrimarket/internal/events"
	"agrimarket/internal/types"
)

var (
	ErrNotFound   = errs.New(errs.ErrNotFound, "farmer not found")
	ErrAlreadyPro = errs.New(errs.ErrInvalidState, "farmer already has an active pro subscription")
	ErrAdminOnly  = errs.New(errs.ErrForbidden, "admin role required")
)

type Repository interface {
	GetSubscription(ctx context.Context, farmerID types.ID) (Subscription, error)
	GetSubscriptions(ctx context.Context, farmerIDs []types.ID) (map[types.ID]Subscription, error)
	SaveSubscription(ctx context.Context, s Subscription) error
	SetVerified(ctx context.Context, farmerID types.ID, verified bool) error
}

type Service struct {
	repo   Repository
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, events: pub, logger: logger, now: time.Now}
}

// CommissionRate is the percentage taken from a farmer's sales.
func CommissionRate(s Subscription, now time.Time) decimal.Decimal {
	if s.HasPro(now) {
		return decimal.Zero
	}
	return BasicCommissionRate
}

// Commission is the platform share of gross, rounded to cents.
func Commission(gross decimal.Decimal, s Subscription, now time.Time) decimal.Decimal {
	return types.Round2(types.Percent(gross, CommissionRate(s, now)))
}

// Payout is what the farmer receives from gross.
func Payout(gross decimal.Decimal, s Subscription, now time.Time) decimal.Decimal {
	return gross.Sub(Commission(gross, s, now))
}

// PlatformFee sums the commission of every line using each line farmer's subscription.
// Farmers missing from subs pay the basic rate.
func PlatformFee(lines []Line, subs map[types.ID]Subscription, now time.Time) decimal.Decimal {
	fee := decimal.Zero
	for _, l := range lines {
		fee = fee.Add(types.Percent(l.Amount, CommissionRate(subs[l.FarmerID], now)))
	}
	return types.Round2(fee)
}

func (s *Service) Get(ctx context.Context, farmerID types.ID) (Subscription, error) {
	return s.repo.GetSubscription(ctx, farmerID)
}

// Subscriptions loads subscriptions for a set of farmers; unknown farmers are absent from the map.
func (s *Service) Subscriptions(ctx context.Context, farmerIDs []types.ID) (map[types.ID]Subscription, error) {
	return s.repo.GetSubscriptions(ctx, farmerIDs)
}

// FarmerPayout returns the farmer's share of gross under their current plan.
func (s *Service) FarmerPayout(ctx context.Context, farmerID types.ID, gross decimal.Decimal) (decimal.Decimal, error) {
	sub, err := s.repo.GetSubscription(ctx, farmerID)
	if err != nil {
		return decimal.Zero, err
	}
	return Payout(gross, sub, s.now()), nil
}

func (s *Service) Upgrade(ctx context.Context, farmerID types.ID) (Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, farmerID)
	if err != nil {
		return Subscription{}, err
	}
	now := s.now()
	if sub.HasPro(now) {
		return Subscription{}, ErrAlreadyPro
	}
	expires := now.AddDate(0, proPeriodMonths, 0)
	sub.Tier = TierPro
	sub.IsVerified = true
	sub.StartedAt = &now
	sub.ExpiresAt = &expires
	sub.CommissionRate = decimal.Zero
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}
	s.logger.Info("subscription upgraded", zap.String("farmer_id", farmerID.String()), zap.Time("expires_at", expires))
	s.events.Publish(ctx, events.SubscriptionChanged, farmerID.String(), map[string]any{"tier": sub.Tier, "expires_at": expires})
	return sub, nil
}

func (s *Service) Downgrade(ctx context.Context, farmerID types.ID) (Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, farmerID)
	if err != nil {
		return Subscription{}, err
	}
	sub.Tier = TierBasic
	sub.IsVerified = false
	sub.ExpiresAt = nil
	sub.CommissionRate = BasicCommissionRate
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}
	s.logger.Info("subscription downgraded", zap.String("farmer_id", farmerID.String()))
	s.events.Publish(ctx, events.SubscriptionChanged, farmerID.String(), map[string]any{"tier": sub.Tier})
	return sub, nil
}

// SetVerified approves or rejects a farmer account. Only farmers can be verified.
func (s *Service) SetVerified(ctx context.Context, actor types.Actor, farmerID types.ID, verified bool) (Subscription, error) {
	if !actor.IsAdmin() {
		return Subscription{}, ErrAdminOnly
	}
	if err := s.repo.SetVerified(ctx, farmerID, verified); err != nil {
		return Subscription{}, err
	}
	sub, err := s.repo.GetSubscription(ctx, farmerID)
	if err != nil {
		return Subscription{}, err
	}
	s.logger.Info("farmer verification changed",
		zap.String("farmer_id", farmerID.String()),
		zap.Bool("verified", verified),
		zap.String("admin_id", actor.ID.String()))
	s.events.Publish(ctx, events.FarmerVerified, farmerID.String(), map[string]any{"is_verified": verified})
	return sub, nil
}
