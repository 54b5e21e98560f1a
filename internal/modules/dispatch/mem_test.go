package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"agrimarket/internal/modules/order"
	"agrimarket/internal/types"
)

// memRepo keeps orders, drivers and deliveries in memory with the Store's conditional writes.
type memRepo struct {
	mu         sync.Mutex
	orders     map[types.ID]*order.Order
	drivers    []Driver
	deliveries map[types.ID]*Delivery // by order id
	addresses  map[types.ID]string
	// busyOnce makes the next CreateAssignment for this driver fail as if the driver was just booked.
	busyOnce types.ID
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:     make(map[types.ID]*order.Order),
		deliveries: make(map[types.ID]*Delivery),
		addresses:  make(map[types.ID]string),
	}
}

func (m *memRepo) addDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers = append(m.drivers, d)
}

func (m *memRepo) addOrder(o *order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	m.orders[o.ID] = &c
}

func (m *memRepo) activeFor(driverID types.ID) bool {
	for _, d := range m.deliveries {
		if d.DriverID == driverID && d.Status != DeliveryDelivered {
			return true
		}
	}
	return false
}

func (m *memRepo) ListAvailableDrivers(context.Context) ([]Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Driver
	for _, d := range m.drivers {
		if d.IsAvailable {
			d.Busy = m.activeFor(d.ID)
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memRepo) FarmerAddress(_ context.Context, farmerID types.ID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addresses[farmerID], nil
}

func (m *memRepo) CreateAssignment(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[d.OrderID]
	if o == nil || o.Status != order.StatusReadyForPickup || o.DriverID != nil {
		return errOrderTaken
	}
	if m.busyOnce == d.DriverID {
		m.busyOnce = ""
		return errDriverBusy
	}
	if m.activeFor(d.DriverID) {
		return errDriverBusy
	}
	if _, ok := m.deliveries[d.OrderID]; ok {
		return errOrderTaken
	}
	driver := d.DriverID
	at := d.AssignedAt
	o.DriverID = &driver
	o.DriverAssignedAt = &at
	o.Status = order.StatusAssignedToDriver
	o.StatusVersion++
	c := *d
	m.deliveries[d.OrderID] = &c
	return nil
}

func (m *memRepo) GetDeliveryByOrder(_ context.Context, orderID types.ID) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[orderID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	c := *d
	return &c, nil
}

func (m *memRepo) ListDeliveriesByDriver(_ context.Context, driverID types.ID) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.deliveries {
		if d.DriverID == driverID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memRepo) UpdateDeliveryStatus(_ context.Context, orderID types.ID, from, to DeliveryStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[orderID]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	if to == DeliveryDelivered {
		d.DeliveredAt = &at
	}
	return true, nil
}

func (m *memRepo) ListAwaitingDriver(_ context.Context, limit int) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ID
	for id, o := range m.orders {
		if o.Status == order.StatusReadyForPickup && o.DriverID == nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) SetAvailability(_ context.Context, driverID types.ID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.drivers {
		if m.drivers[i].ID == driverID {
			m.drivers[i].IsAvailable = available
			return nil
		}
	}
	return ErrDriverNotFound
}

// Get makes memRepo the dispatch OrderReader as well.
func (m *memRepo) Get(_ context.Context, id types.ID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	c := *o
	return &c, nil
}

type memClaims struct {
	mu   sync.Mutex
	held map[types.ID]types.ID
	err  error
}

func newMemClaims() *memClaims {
	return &memClaims{held: make(map[types.ID]types.ID)}
}

func (c *memClaims) Claim(_ context.Context, driverID, orderID types.ID, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if _, ok := c.held[driverID]; ok {
		return false, nil
	}
	c.held[driverID] = orderID
	return true, nil
}

func (c *memClaims) Release(_ context.Context, driverID, orderID types.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[driverID] == orderID {
		delete(c.held, driverID)
	}
	return nil
}

type fixedETA struct {
	d   time.Duration
	err error
}

func (f fixedETA) TravelTime(context.Context, string, string) (time.Duration, error) {
	return f.d, f.err
}
