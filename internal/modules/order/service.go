// README: Order service implements checkout, farmer approval aggregation and fulfillment transitions.
package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agrimarket/internal/errs"
	"agrimarket/internal/events"
	"agrimarket/internal/modules/pricing"
	"agrimarket/internal/types"
)

var (
	ErrNotFound          = errs.New(errs.ErrNotFound, "order not found")
	ErrInvalidState      = errs.New(errs.ErrInvalidState, "invalid state transition")
	ErrConflict          = errs.New(errs.ErrConflict, "order state conflict")
	ErrEmptyCart         = errs.New(errs.ErrValidation, "cart is empty")
	ErrBadAddress        = errs.New(errs.ErrValidation, "shipping address is incomplete")
	ErrBadAction         = errs.New(errs.ErrValidation, "action must be approve or reject")
	ErrReasonRequired    = errs.New(errs.ErrValidation, "rejection reason is required")
	ErrInsufficientStock = errs.New(errs.ErrInvalidState, "insufficient stock")
	ErrNotYourOrder      = errs.New(errs.ErrForbidden, "order belongs to another customer")
	ErrNoItems           = errs.New(errs.ErrForbidden, "farmer has no items in this order")
	ErrNotAssigned       = errs.New(errs.ErrForbidden, "order is not assigned to this driver")

	errOrderNumberTaken = errors.New("order number taken")
)

const (
	maxRespondAttempts = 3
	maxNumberAttempts  = 3
	maxNotesLen        = 500
	maxReasonLen       = 255
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Change carries the timestamp and optional notes written with a status update.
type Change struct {
	At          time.Time
	FarmerNotes *string
	DriverNotes *string
}

type Repository interface {
	CartLines(ctx context.Context, customerID types.ID) ([]CartLine, error)
	CreateOrder(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	ListByCustomer(ctx context.Context, customerID types.ID) ([]Order, error)
	ListPendingForFarmer(ctx context.Context, farmerID types.ID) ([]Order, error)
	ListApprovedForFarmer(ctx context.Context, farmerID types.ID) ([]Order, error)
	UpdateApprovals(ctx context.Context, o *Order, version int) (bool, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, ch Change) (bool, error)
	Cancel(ctx context.Context, o *Order, version int, now time.Time) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, orderID types.ID) ([]Event, error)
}

// Subscriptions resolves farmer plans for the platform fee.
type Subscriptions interface {
	Subscriptions(ctx context.Context, farmerIDs []types.ID) (map[types.ID]pricing.Subscription, error)
}

// DispatchResult reports the outcome of a driver assignment attempt.
type DispatchResult struct {
	Assigned            bool       `json:"assigned"`
	DriverID            types.ID   `json:"driver_id,omitempty"`
	DeliveryID          types.ID   `json:"delivery_id,omitempty"`
	EstimatedDeliveryAt *time.Time `json:"estimated_delivery_at,omitempty"`
	Message             string     `json:"message"`

	// NoDriver is set when no eligible driver could take the order.
	NoDriver bool `json:"no_driver_available,omitempty"`
}

// Dispatcher assigns drivers and keeps the delivery record in step with the order.
type Dispatcher interface {
	AssignDriver(ctx context.Context, o *Order) (DispatchResult, error)
	SyncDelivery(ctx context.Context, orderID types.ID, to Status) error
}

type Service struct {
	repo     Repository
	subs     Subscriptions
	dispatch Dispatcher
	events   events.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, subs Subscriptions, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, subs: subs, events: pub, logger: logger, now: time.Now}
}

// SetDispatcher wires driver assignment after construction; dispatch depends on this package.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatch = d
}

type CheckoutCommand struct {
	CustomerID      types.ID
	ShippingAddress ShippingAddress
}

type RespondCommand struct {
	OrderID         types.ID
	FarmerID        types.ID
	Action          Action
	Notes           string
	RejectionReason string
}

type ReadyCommand struct {
	OrderID  types.ID
	FarmerID types.ID
	Notes    string
}

type AdvanceCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Notes   string
}

type CancelCommand struct {
	OrderID    types.ID
	CustomerID types.ID
}

type ReadyResult struct {
	Order    *Order         `json:"order"`
	Dispatch DispatchResult `json:"dispatch"`
}

func (s *Service) Checkout(ctx context.Context, cmd CheckoutCommand) (*Order, error) {
	if cmd.CustomerID == "" {
		return nil, errs.New(errs.ErrValidation, "customer id is required")
	}
	if !cmd.ShippingAddress.Valid() {
		return nil, ErrBadAddress
	}
	lines, err := s.repo.CartLines(ctx, cmd.CustomerID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	now := s.now()
	o := &Order{
		ID:              types.NewID(),
		CustomerID:      cmd.CustomerID,
		Status:          StatusPending,
		PaymentMethod:   PaymentCashOnDelivery,
		ShippingAddress: cmd.ShippingAddress,
		Approvals:       Approvals{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	subtotal := decimal.Zero
	feeLines := make([]pricing.Line, 0, len(lines))
	for _, l := range lines {
		if l.ProductStatus != "active" || l.Stock < l.Quantity {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientStock, l.ProductTitle)
		}
		total := types.LineTotal(decimal.NewFromInt(int64(l.Quantity)), l.UnitPrice)
		o.Items = append(o.Items, Item{
			ID:           types.NewID(),
			OrderID:      o.ID,
			ProductID:    l.ProductID,
			FarmerID:     l.FarmerID,
			ProductTitle: l.ProductTitle,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			TotalPrice:   total,
		})
		subtotal = subtotal.Add(total)
		feeLines = append(feeLines, pricing.Line{FarmerID: l.FarmerID, Amount: total})
	}
	subs := map[types.ID]pricing.Subscription{}
	if s.subs != nil {
		if subs, err = s.subs.Subscriptions(ctx, o.Farmers()); err != nil {
			return nil, err
		}
	}
	o.Subtotal = subtotal
	o.PlatformFee = pricing.PlatformFee(feeLines, subs, now)
	o.TotalAmount = subtotal.Add(o.PlatformFee)

	for attempt := 1; ; attempt++ {
		o.OrderNumber = newOrderNumber(now)
		err = s.repo.CreateOrder(ctx, o)
		if !errors.Is(err, errOrderNumberTaken) || attempt == maxNumberAttempts {
			break
		}
	}
	if errors.Is(err, errOrderNumberTaken) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	s.appendEvent(ctx, o.ID, StatusNone, StatusPending, "customer", &o.CustomerID)
	s.logger.Info("order created",
		zap.String("order_id", o.ID.String()),
		zap.String("order_number", o.OrderNumber),
		zap.String("total", o.TotalAmount.String()),
		zap.Int("items", len(o.Items)))
	s.events.Publish(ctx, events.OrderCreated, o.ID.String(), o)
	return o, nil
}

// RespondToOrder records one farmer's approval or rejection and recomputes the order status from
// the full approval map. A concurrent write to the same order restarts the read-compute-write.
func (s *Service) RespondToOrder(ctx context.Context, cmd RespondCommand) (*Order, error) {
	if cmd.Action != ActionApprove && cmd.Action != ActionReject {
		return nil, ErrBadAction
	}
	reason := strings.TrimSpace(cmd.RejectionReason)
	if cmd.Action == ActionReject && reason == "" {
		return nil, ErrReasonRequired
	}
	if len([]rune(cmd.Notes)) > maxNotesLen {
		return nil, errs.New(errs.ErrValidation, "notes must be at most 500 characters")
	}
	if len([]rune(reason)) > maxReasonLen {
		return nil, errs.New(errs.ErrValidation, "rejection_reason must be at most 255 characters")
	}

	for attempt := 0; attempt < maxRespondAttempts; attempt++ {
		o, err := s.repo.Get(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
		if !o.HasFarmer(cmd.FarmerID) {
			return nil, ErrNoItems
		}
		if o.Status != StatusPending && o.Status != StatusFarmerApproved {
			return nil, ErrInvalidState
		}

		from := o.Status
		version := o.StatusVersion
		now := s.now()
		entry := Approval{Status: ApprovalApproved, Notes: cmd.Notes, RespondedAt: now}
		if cmd.Action == ActionReject {
			entry.Status = ApprovalRejected
			entry.RejectionReason = reason
			o.RejectionReason = &reason
		}
		o.Approvals = o.Approvals.Clone()
		o.Approvals[cmd.FarmerID] = entry
		o.Status = AggregateStatus(o.Approvals, o.Farmers(), from)
		o.UpdatedAt = now

		ok, err := s.repo.UpdateApprovals(ctx, o, version)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("approval write lost race, retrying",
				zap.String("order_id", o.ID.String()), zap.Int("attempt", attempt+1))
			continue
		}
		o.StatusVersion = version + 1
		s.logger.Info("farmer responded",
			zap.String("order_id", o.ID.String()),
			zap.String("farmer_id", cmd.FarmerID.String()),
			zap.String("action", string(cmd.Action)),
			zap.String("status", string(o.Status)))
		if o.Status != from {
			s.statusChanged(ctx, o, from, "farmer", &cmd.FarmerID)
		}
		return o, nil
	}
	return nil, ErrConflict
}

// MarkReadyForPickup flags an approved order for collection and immediately tries to assign a driver.
// Failing to find a driver leaves the order ready_for_pickup for the dispatch sweep.
func (s *Service) MarkReadyForPickup(ctx context.Context, cmd ReadyCommand) (*ReadyResult, error) {
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.HasFarmer(cmd.FarmerID) {
		return nil, ErrNoItems
	}
	if !CanTransition(o.Status, StatusReadyForPickup) {
		return nil, ErrInvalidState
	}
	ch := Change{At: s.now(), FarmerNotes: optional(cmd.Notes)}
	ok, err := s.repo.UpdateStatus(ctx, o.ID, o.Status, StatusReadyForPickup, o.StatusVersion, ch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := o.Status
	o.Status = StatusReadyForPickup
	o.StatusVersion++
	o.ReadyForPickupAt = &ch.At
	if ch.FarmerNotes != nil {
		o.FarmerNotes = ch.FarmerNotes
	}
	s.statusChanged(ctx, o, from, "farmer", &cmd.FarmerID)

	res := &ReadyResult{Order: o, Dispatch: DispatchResult{Message: "no dispatcher configured"}}
	if s.dispatch == nil {
		return res, nil
	}
	d, err := s.dispatch.AssignDriver(ctx, o)
	if err != nil {
		s.logger.Warn("assign driver", zap.String("order_id", o.ID.String()), zap.Error(err))
		res.Dispatch = DispatchResult{Message: "driver assignment failed; will retry"}
		return res, nil
	}
	res.Dispatch = d
	if d.Assigned {
		if fresh, err := s.repo.Get(ctx, o.ID); err == nil {
			res.Order = fresh
		}
	}
	return res, nil
}

// AssignDriver runs dispatch for an order outside the pickup flow (admin retry).
func (s *Service) AssignDriver(ctx context.Context, orderID types.ID) (*ReadyResult, error) {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusReadyForPickup && o.DriverID == nil {
		return nil, ErrInvalidState
	}
	if s.dispatch == nil {
		return &ReadyResult{Order: o, Dispatch: DispatchResult{Message: "no dispatcher configured"}}, nil
	}
	d, err := s.dispatch.AssignDriver(ctx, o)
	if err != nil {
		return nil, err
	}
	if fresh, err := s.repo.Get(ctx, orderID); err == nil {
		o = fresh
	}
	return &ReadyResult{Order: o, Dispatch: d}, nil
}

func (s *Service) MarkPickedUp(ctx context.Context, cmd AdvanceCommand) (*Order, error) {
	return s.advance(ctx, cmd, StatusPickedUp)
}

func (s *Service) MarkInTransit(ctx context.Context, cmd AdvanceCommand) (*Order, error) {
	return s.advance(ctx, cmd, StatusInTransit)
}

func (s *Service) MarkDelivered(ctx context.Context, cmd AdvanceCommand) (*Order, error) {
	return s.advance(ctx, cmd, StatusDelivered)
}

func (s *Service) MarkCompleted(ctx context.Context, cmd AdvanceCommand) (*Order, error) {
	return s.advance(ctx, cmd, StatusCompleted)
}

// advance performs one driver-side step. Each step starts only from its immediate predecessor.
func (s *Service) advance(ctx context.Context, cmd AdvanceCommand, to Status) (*Order, error) {
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeAdvance(o, cmd.Actor, to); err != nil {
		return nil, err
	}
	if o.Status != predecessor[to] {
		return nil, ErrInvalidState
	}
	ch := Change{At: s.now(), DriverNotes: optional(cmd.Notes)}
	ok, err := s.repo.UpdateStatus(ctx, o.ID, o.Status, to, o.StatusVersion, ch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := o.Status
	o.Status = to
	o.StatusVersion++
	o.UpdatedAt = ch.At
	if ch.DriverNotes != nil {
		o.DriverNotes = ch.DriverNotes
	}
	switch to {
	case StatusPickedUp:
		o.PickedUpAt = &ch.At
	case StatusInTransit:
		o.InTransitAt = &ch.At
	case StatusDelivered:
		o.DeliveredAt = &ch.At
	case StatusCompleted:
		o.CompletedAt = &ch.At
	}
	actor := cmd.Actor.ID
	s.statusChanged(ctx, o, from, string(cmd.Actor.Role), &actor)

	if s.dispatch != nil {
		if err := s.dispatch.SyncDelivery(ctx, o.ID, to); err != nil {
			s.logger.Warn("sync delivery", zap.String("order_id", o.ID.String()), zap.Error(err))
		}
	}
	return o, nil
}

func authorizeAdvance(o *Order, actor types.Actor, to Status) error {
	switch {
	case actor.IsAdmin():
		return nil
	case actor.Role == types.RoleDriver && o.IsAssignedDriver(actor.ID):
		return nil
	case to == StatusCompleted && actor.Role == types.RoleCustomer:
		if o.CustomerID == actor.ID {
			return nil
		}
		return ErrNotYourOrder
	default:
		return ErrNotAssigned
	}
}

// CancelOrder withdraws a pending order and restores its stock.
func (s *Service) CancelOrder(ctx context.Context, cmd CancelCommand) (*Order, error) {
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != cmd.CustomerID {
		return nil, ErrNotYourOrder
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, ErrInvalidState
	}
	now := s.now()
	ok, err := s.repo.Cancel(ctx, o, o.StatusVersion, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := o.Status
	o.Status = StatusCancelled
	o.StatusVersion++
	o.CancelledAt = &now
	s.statusChanged(ctx, o, from, "customer", &cmd.CustomerID)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// GetForCustomer returns the order only to its owner.
func (s *Service) GetForCustomer(ctx context.Context, id, customerID types.ID) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, ErrNotYourOrder
	}
	return o, nil
}

func (s *Service) ListByCustomer(ctx context.Context, customerID types.ID) ([]Order, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

// ListPendingForFarmer returns orders still waiting on this farmer, trimmed to the farmer's own items.
func (s *Service) ListPendingForFarmer(ctx context.Context, farmerID types.ID) ([]Order, error) {
	orders, err := s.repo.ListPendingForFarmer(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = orders[i].ItemsFor(farmerID)
	}
	return orders, nil
}

// ListApprovedForFarmer returns approved orders containing this farmer's items, trimmed to those
// items. These are the orders the farmer can mark ready for pickup.
func (s *Service) ListApprovedForFarmer(ctx context.Context, farmerID types.ID) ([]Order, error) {
	orders, err := s.repo.ListApprovedForFarmer(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = orders[i].ItemsFor(farmerID)
	}
	return orders, nil
}

func (s *Service) Track(ctx context.Context, id, customerID types.ID) (*Tracking, error) {
	o, err := s.GetForCustomer(ctx, id, customerID)
	if err != nil {
		return nil, err
	}
	t := &Tracking{Order: o, Timeline: Timeline(o)}
	for _, f := range o.Farmers() {
		v := FarmerApprovalView{FarmerID: f, Status: "pending"}
		if a, ok := o.Approvals[f]; ok {
			at := a.RespondedAt
			v.Status = a.Status
			v.Notes = a.Notes
			v.RejectionReason = a.RejectionReason
			v.RespondedAt = &at
		}
		t.Approvals = append(t.Approvals, v)
	}
	evs, err := s.repo.ListEvents(ctx, id)
	if err != nil {
		s.logger.Warn("list order events", zap.String("order_id", id.String()), zap.Error(err))
	}
	t.Events = evs
	return t, nil
}

func (s *Service) statusChanged(ctx context.Context, o *Order, from Status, actorType string, actorID *types.ID) {
	s.appendEvent(ctx, o.ID, from, o.Status, actorType, actorID)
	s.logger.Info("order status changed",
		zap.String("order_id", o.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)))
	s.events.Publish(ctx, events.OrderStatusChanged, o.ID.String(), map[string]any{
		"order_id": o.ID,
		"from":     from,
		"to":       o.Status,
	})
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	err := s.repo.AppendEvent(ctx, &Event{
		OrderID:    id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("append order event", zap.String("order_id", id.String()), zap.Error(err))
	}
}

func newOrderNumber(now time.Time) string {
	return fmt.Sprintf("AG-%d-%06d", now.Year(), rand.IntN(1000000))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
