// README: Dispatch service assigns drivers to ready orders and keeps delivery records in step.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"agrimarket/internal/config"
	"agrimarket/internal/errs"
	"agrimarket/internal/events"
	"agrimarket/internal/modules/order"
	"agrimarket/internal/types"
)

var (
	ErrDeliveryNotFound = errs.New(errs.ErrNotFound, "delivery not found")
	ErrDriverNotFound   = errs.New(errs.ErrNotFound, "driver not found")

	errOrderTaken = errors.New("order no longer awaiting a driver")
	errDriverBusy = errors.New("driver already has an active delivery")
)

const sweepBatch = 50

type Repository interface {
	ListAvailableDrivers(ctx context.Context) ([]Driver, error)
	FarmerAddress(ctx context.Context, farmerID types.ID) (string, error)
	CreateAssignment(ctx context.Context, d *Delivery) error
	GetDeliveryByOrder(ctx context.Context, orderID types.ID) (*Delivery, error)
	ListDeliveriesByDriver(ctx context.Context, driverID types.ID) ([]Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, orderID types.ID, from, to DeliveryStatus, at time.Time) (bool, error)
	ListAwaitingDriver(ctx context.Context, limit int) ([]types.ID, error)
	SetAvailability(ctx context.Context, driverID types.ID, available bool) error
}

type Claimer interface {
	Claim(ctx context.Context, driverID, orderID types.ID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, driverID, orderID types.ID) error
}

type OrderReader interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type ETAEstimator interface {
	TravelTime(ctx context.Context, origin, destination string) (time.Duration, error)
}

type Service struct {
	repo   Repository
	claims Claimer
	orders OrderReader
	eta    ETAEstimator
	cfg    config.DispatchConfig
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires dispatch; claims and eta are optional.
func NewService(repo Repository, claims Claimer, orders OrderReader, eta ETAEstimator, cfg config.DispatchConfig, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, claims: claims, orders: orders, eta: eta, cfg: cfg, events: pub, logger: logger, now: time.Now}
}

// AssignDriver gives a ready order to the first eligible driver and records the delivery. An order
// that already has a driver gets its existing assignment back; no eligible driver is not an error.
func (s *Service) AssignDriver(ctx context.Context, o *order.Order) (order.DispatchResult, error) {
	if o.DriverID != nil {
		return s.existing(ctx, o.ID)
	}
	if o.Status != order.StatusReadyForPickup {
		return order.DispatchResult{}, order.ErrInvalidState
	}
	drivers, err := s.repo.ListAvailableDrivers(ctx)
	if err != nil {
		return order.DispatchResult{}, err
	}
	drivers = eligible(drivers)
	if len(drivers) == 0 {
		return noDriver(), nil
	}

	tmpl, err := s.newDelivery(ctx, o)
	if err != nil {
		return order.DispatchResult{}, err
	}
	for _, drv := range drivers {
		if !s.claim(ctx, drv.ID, o.ID) {
			continue
		}
		d := *tmpl
		d.ID = types.NewID()
		d.DriverID = drv.ID
		err := s.repo.CreateAssignment(ctx, &d)
		s.release(ctx, drv.ID, o.ID)
		switch {
		case err == nil:
			s.logger.Info("driver assigned",
				zap.String("order_id", o.ID.String()),
				zap.String("driver_id", drv.ID.String()),
				zap.String("delivery_id", d.ID.String()),
				zap.Time("eta", d.EstimatedDeliveryTime))
			s.events.Publish(ctx, events.DeliveryAssigned, o.ID.String(), d)
			return d.Result("driver assigned"), nil
		case errors.Is(err, errDriverBusy):
			continue
		case errors.Is(err, errOrderTaken):
			return s.existing(ctx, o.ID)
		default:
			return order.DispatchResult{}, err
		}
	}
	return noDriver(), nil
}

func noDriver() order.DispatchResult {
	return order.DispatchResult{NoDriver: true, Message: "no driver available"}
}

func eligible(drivers []Driver) []Driver {
	out := drivers[:0:0]
	for _, d := range drivers {
		if d.Eligible() {
			out = append(out, d)
		}
	}
	return out
}

func (s *Service) existing(ctx context.Context, orderID types.ID) (order.DispatchResult, error) {
	d, err := s.repo.GetDeliveryByOrder(ctx, orderID)
	if errors.Is(err, ErrDeliveryNotFound) {
		return order.DispatchResult{Message: "order no longer awaiting a driver"}, nil
	}
	if err != nil {
		return order.DispatchResult{}, err
	}
	return d.Result("driver already assigned"), nil
}

// newDelivery builds everything about the delivery except its id and driver.
func (s *Service) newDelivery(ctx context.Context, o *order.Order) (*Delivery, error) {
	var farmer types.ID
	if fs := o.Farmers(); len(fs) > 0 {
		farmer = fs[0]
	}
	pickup, err := s.repo.FarmerAddress(ctx, farmer)
	if err != nil {
		return nil, err
	}
	now := s.now()
	dest := o.ShippingAddress.Format()
	return &Delivery{
		OrderID:               o.ID,
		FarmerID:              farmer,
		BuyerID:               o.CustomerID,
		PickupLocation:        pickup,
		DeliveryLocation:      dest,
		Status:                DeliveryAssigned,
		Items:                 Summarize(o.Items),
		DeliveryFee:           s.cfg.DeliveryFee,
		AssignedAt:            now,
		EstimatedDeliveryTime: now.Add(s.travelTime(ctx, pickup, dest)),
	}, nil
}

func (s *Service) travelTime(ctx context.Context, origin, dest string) time.Duration {
	if s.eta == nil || origin == "" {
		return s.cfg.DefaultETA
	}
	d, err := s.eta.TravelTime(ctx, origin, dest)
	if err != nil || d <= 0 {
		s.logger.Debug("eta lookup failed, using default", zap.Error(err))
		return s.cfg.DefaultETA
	}
	return d
}

// claim reports whether this assignment may try drivers. A Redis failure does not block dispatch;
// the per-driver unique index still prevents double booking.
func (s *Service) claim(ctx context.Context, driverID, orderID types.ID) bool {
	if s.claims == nil {
		return true
	}
	ok, err := s.claims.Claim(ctx, driverID, orderID, s.cfg.ClaimTTL)
	if err != nil {
		s.logger.Warn("claim driver", zap.String("driver_id", driverID.String()), zap.Error(err))
		return true
	}
	return ok
}

func (s *Service) release(ctx context.Context, driverID, orderID types.ID) {
	if s.claims == nil {
		return
	}
	if err := s.claims.Release(ctx, driverID, orderID); err != nil {
		s.logger.Warn("release driver claim", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

// SyncDelivery moves the delivery record along with a manual order step. Steps without a delivery
// counterpart, or orders without a delivery, are ignored.
func (s *Service) SyncDelivery(ctx context.Context, orderID types.ID, to order.Status) error {
	step, ok := deliveryStep[to]
	if !ok {
		return nil
	}
	updated, err := s.repo.UpdateDeliveryStatus(ctx, orderID, step.from, step.to, s.now())
	if err != nil {
		return err
	}
	if !updated {
		s.logger.Debug("delivery not advanced", zap.String("order_id", orderID.String()), zap.String("to", string(step.to)))
	}
	return nil
}

// Sweep retries assignment for orders left ready_for_pickup and returns how many got a driver.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.repo.ListAwaitingDriver(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, id := range ids {
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			s.logger.Warn("load order for dispatch", zap.String("order_id", id.String()), zap.Error(err))
			continue
		}
		res, err := s.AssignDriver(ctx, o)
		if err != nil {
			s.logger.Warn("dispatch sweep", zap.String("order_id", id.String()), zap.Error(err))
			continue
		}
		if res.NoDriver {
			// Later orders would find the same empty pool.
			break
		}
		if res.Assigned {
			assigned++
		}
	}
	return assigned, nil
}

func (s *Service) RunScheduler(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 15 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("dispatch sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("dispatch sweep assigned drivers", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) SetAvailability(ctx context.Context, driverID types.ID, available bool) error {
	if err := s.repo.SetAvailability(ctx, driverID, available); err != nil {
		return err
	}
	s.logger.Info("driver availability changed", zap.String("driver_id", driverID.String()), zap.Bool("available", available))
	return nil
}

func (s *Service) ListDeliveries(ctx context.Context, driverID types.ID) ([]Delivery, error) {
	return s.repo.ListDeliveriesByDriver(ctx, driverID)
}
