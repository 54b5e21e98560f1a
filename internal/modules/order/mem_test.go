package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/modules/pricing"
	"agrimarket/internal/types"
)

type memProduct struct {
	id     types.ID
	farmer types.ID
	title  string
	price  decimal.Decimal
	stock  int
	status string
}

type memCartLine struct {
	id        types.ID
	productID types.ID
	qty       int
}

// memRepo is an in-memory Repository with the same versioned-update semantics as Store.
type memRepo struct {
	mu       sync.Mutex
	orders   map[types.ID]Order
	products map[types.ID]*memProduct
	carts    map[types.ID][]memCartLine
	events   []Event
	// collisions makes the next n CreateOrder calls report a taken order number.
	collisions int
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:   make(map[types.ID]Order),
		products: make(map[types.ID]*memProduct),
		carts:    make(map[types.ID][]memCartLine),
	}
}

func (m *memRepo) addProduct(id, farmer types.ID, title, price string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = &memProduct{id: id, farmer: farmer, title: title, price: dec(price), stock: stock, status: "active"}
}

func (m *memRepo) addToCart(customer, product types.ID, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[customer] = append(m.carts[customer], memCartLine{id: types.NewID(), productID: product, qty: qty})
}

func (m *memRepo) stock(id types.ID) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	return p.stock, p.status
}

func (m *memRepo) put(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
}

// assign mirrors the dispatch store's conditional assignment.
func (m *memRepo) assign(id, driver types.ID, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != StatusReadyForPickup || o.DriverID != nil {
		return false
	}
	o.DriverID = &driver
	o.DriverAssignedAt = &at
	o.Status = StatusAssignedToDriver
	o.StatusVersion++
	m.orders[id] = o
	return true
}

func (m *memRepo) CartLines(_ context.Context, customerID types.ID) ([]CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CartLine
	for _, c := range m.carts[customerID] {
		p := m.products[c.productID]
		out = append(out, CartLine{
			CartItemID:    c.id,
			ProductID:     p.id,
			FarmerID:      p.farmer,
			ProductTitle:  p.title,
			ProductStatus: p.status,
			UnitPrice:     p.price,
			Stock:         p.stock,
			Quantity:      c.qty,
		})
	}
	return out, nil
}

func (m *memRepo) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collisions > 0 {
		m.collisions--
		return errOrderNumberTaken
	}
	for _, existing := range m.orders {
		if existing.OrderNumber == o.OrderNumber {
			return errOrderNumberTaken
		}
	}
	// Check every line before touching stock so a shortfall leaves nothing behind.
	need := make(map[types.ID]int)
	for _, it := range o.Items {
		need[it.ProductID] += it.Quantity
	}
	for id, qty := range need {
		p := m.products[id]
		if p == nil || p.status != "active" || p.stock < qty {
			return ErrInsufficientStock
		}
	}
	for id, qty := range need {
		p := m.products[id]
		p.stock -= qty
		if p.stock == 0 {
			p.status = "out_of_stock"
		}
	}
	m.orders[o.ID] = copyOrder(*o)
	delete(m.carts, o.CustomerID)
	return nil
}

func (m *memRepo) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyOrder(o)
	return &c, nil
}

func (m *memRepo) ListByCustomer(_ context.Context, customerID types.ID) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) ListPendingForFarmer(_ context.Context, farmerID types.ID) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Status != StatusPending && o.Status != StatusFarmerApproved {
			continue
		}
		if _, responded := o.Approvals[farmerID]; responded || !o.HasFarmer(farmerID) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) ListApprovedForFarmer(_ context.Context, farmerID types.ID) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Status == StatusFarmerApproved && o.HasFarmer(farmerID) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) UpdateApprovals(_ context.Context, o *Order, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok || cur.StatusVersion != version {
		return false, nil
	}
	cur.Approvals = o.Approvals.Clone()
	cur.Status = o.Status
	if o.RejectionReason != nil {
		cur.RejectionReason = o.RejectionReason
	}
	cur.StatusVersion++
	cur.UpdatedAt = o.UpdatedAt
	m.orders[o.ID] = cur
	return true, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id types.ID, from, to Status, version int, ch Change) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok || cur.Status != from || cur.StatusVersion != version {
		return false, nil
	}
	at := ch.At
	switch to {
	case StatusReadyForPickup:
		cur.ReadyForPickupAt = &at
	case StatusPickedUp:
		cur.PickedUpAt = &at
	case StatusInTransit:
		cur.InTransitAt = &at
	case StatusDelivered:
		cur.DeliveredAt = &at
	case StatusCompleted:
		cur.CompletedAt = &at
	}
	if ch.FarmerNotes != nil {
		cur.FarmerNotes = ch.FarmerNotes
	}
	if ch.DriverNotes != nil {
		cur.DriverNotes = ch.DriverNotes
	}
	cur.Status = to
	cur.StatusVersion++
	cur.UpdatedAt = at
	m.orders[id] = cur
	return true, nil
}

func (m *memRepo) Cancel(_ context.Context, o *Order, version int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok || cur.Status != StatusPending || cur.StatusVersion != version {
		return false, nil
	}
	for _, it := range cur.Items {
		if p := m.products[it.ProductID]; p != nil {
			p.stock += it.Quantity
			if p.status == "out_of_stock" {
				p.status = "active"
			}
		}
	}
	cur.Status = StatusCancelled
	cur.CancelledAt = &now
	cur.StatusVersion++
	m.orders[o.ID] = cur
	return true, nil
}

func (m *memRepo) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *e
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) ListEvents(_ context.Context, orderID types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func copyOrder(o Order) Order {
	o.Approvals = o.Approvals.Clone()
	o.Items = append([]Item(nil), o.Items...)
	return o
}

// staticSubs serves fixed subscriptions; farmers not listed are basic.
type staticSubs map[types.ID]pricing.Subscription

func (s staticSubs) Subscriptions(_ context.Context, ids []types.ID) (map[types.ID]pricing.Subscription, error) {
	out := make(map[types.ID]pricing.Subscription, len(ids))
	for _, id := range ids {
		if sub, ok := s[id]; ok {
			out[id] = sub
		}
	}
	return out, nil
}

// fakeDispatcher assigns its driver through the repo, or reports none when driver is empty.
type fakeDispatcher struct {
	mu     sync.Mutex
	repo   *memRepo
	driver types.ID
	err    error
	calls  int
	synced []Status
}

func (d *fakeDispatcher) AssignDriver(_ context.Context, o *Order) (DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return DispatchResult{}, d.err
	}
	if o.DriverID != nil {
		return DispatchResult{Assigned: true, DriverID: *o.DriverID, Message: "already assigned"}, nil
	}
	if d.driver == "" {
		return DispatchResult{NoDriver: true, Message: "no driver available"}, nil
	}
	if !d.repo.assign(o.ID, d.driver, baseTime) {
		return DispatchResult{Message: "order no longer awaiting a driver"}, nil
	}
	return DispatchResult{Assigned: true, DriverID: d.driver, DeliveryID: "dlv_" + o.ID, Message: "driver assigned"}, nil
}

func (d *fakeDispatcher) SyncDelivery(_ context.Context, _ types.ID, to Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synced = append(d.synced, to)
	return nil
}
