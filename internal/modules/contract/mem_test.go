package contract

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/errs"
	"agrimarket/internal/types"
)

// memRepo is an in-memory Repository with the same conditional-update semantics as Store.
type memRepo struct {
	mu        sync.Mutex
	contracts map[types.ID]Contract
	bids      map[types.ID]Bid
	order     []types.ID
	farmers   map[types.ID]FarmerContact
}

func newMemRepo() *memRepo {
	return &memRepo{
		contracts: make(map[types.ID]Contract),
		bids:      make(map[types.ID]Bid),
		farmers:   make(map[types.ID]FarmerContact),
	}
}

func (m *memRepo) CreateContract(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.ID] = *c
	return nil
}

func (m *memRepo) GetContract(_ context.Context, id types.ID) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memRepo) UpdateContract(_ context.Context, c *Contract) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.contracts[c.ID]
	if !ok || cur.Status != StatusOpen || cur.WinningBidID != nil {
		return false, nil
	}
	m.contracts[c.ID] = *c
	return true, nil
}

func (m *memRepo) ListOpen(_ context.Context, now time.Time) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Contract
	for _, c := range m.contracts {
		if c.Status == StatusOpen && c.Deadline.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) ListByBuyer(_ context.Context, buyer types.ID) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Contract
	for _, c := range m.contracts {
		if c.BuyerID == buyer {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) DeleteContract(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[id]; !ok {
		return ErrNotFound
	}
	delete(m.contracts, id)
	for bid, b := range m.bids {
		if b.ContractID == id {
			delete(m.bids, bid)
		}
	}
	return nil
}

func (m *memRepo) CancelContract(_ context.Context, id types.ID, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok || c.Status != StatusOpen || c.WinningBidID != nil {
		return false, nil
	}
	c.Status = StatusCancelled
	m.contracts[id] = c
	m.rejectPendingLocked(id, "")
	return true, nil
}

func (m *memRepo) CreateBid(_ context.Context, b *Bid, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[b.ContractID]
	if !ok {
		return ErrNotFound
	}
	if !c.CanReceiveBids(now) {
		return ErrClosed
	}
	for _, other := range m.bids {
		if other.ContractID == b.ContractID && other.FarmerID == b.FarmerID {
			return ErrDuplicateBid
		}
	}
	m.bids[b.ID] = *b
	m.order = append(m.order, b.ID)
	return nil
}

func (m *memRepo) GetBid(_ context.Context, id types.ID) (*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrBidNotFound
	}
	return &b, nil
}

func (m *memRepo) ListBids(_ context.Context, contractID types.ID) ([]Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Bid
	for _, id := range m.order {
		if b, ok := m.bids[id]; ok && b.ContractID == contractID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memRepo) Award(_ context.Context, contractID, bidID types.ID, _ time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok || c.Status != StatusOpen || c.WinningBidID != nil {
		return 0, false, nil
	}
	b, ok := m.bids[bidID]
	if !ok || b.ContractID != contractID || b.Status != BidPending {
		return 0, false, nil
	}
	c.Status = StatusAwarded
	c.WinningBidID = &bidID
	m.contracts[contractID] = c
	b.Status = BidAccepted
	m.bids[bidID] = b
	return m.rejectPendingLocked(contractID, bidID), true, nil
}

func (m *memRepo) ExpireDue(_ context.Context, now time.Time) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ID
	for id, c := range m.contracts {
		if c.Status == StatusOpen && c.WinningBidID == nil && !c.Deadline.After(now) {
			c.Status = StatusExpired
			m.contracts[id] = c
			m.rejectPendingLocked(id, "")
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memRepo) ListDue(_ context.Context, now time.Time) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Contract
	for _, c := range m.contracts {
		if c.Status == StatusOpen && c.WinningBidID == nil && !c.Deadline.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) FarmerContact(_ context.Context, farmerID types.ID) (*FarmerContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fc, ok := m.farmers[farmerID]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, "farmer not found")
	}
	return &fc, nil
}

func (m *memRepo) rejectPendingLocked(contractID, except types.ID) int {
	n := 0
	for id, b := range m.bids {
		if b.ContractID == contractID && b.Status == BidPending && id != except {
			b.Status = BidRejected
			m.bids[id] = b
			n++
		}
	}
	return n
}

// acceptedCount counts accepted bids for a contract.
func (m *memRepo) acceptedCount(contractID types.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bids {
		if b.ContractID == contractID && b.Status == BidAccepted {
			n++
		}
	}
	return n
}

// flakyAwardRepo fails the next failures calls to Award without writing anything.
type flakyAwardRepo struct {
	*memRepo
	failures int
}

func (f *flakyAwardRepo) Award(ctx context.Context, contractID, bidID types.ID, now time.Time) (int, bool, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return 0, false, errors.New("connection reset")
	}
	return f.memRepo.Award(ctx, contractID, bidID, now)
}

type flatPayouts struct{ rate decimal.Decimal }

func (p flatPayouts) FarmerPayout(_ context.Context, _ types.ID, gross decimal.Decimal) (decimal.Decimal, error) {
	return types.Round2(gross.Sub(types.Percent(gross, p.rate))), nil
}
