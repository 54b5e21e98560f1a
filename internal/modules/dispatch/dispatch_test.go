// README: Dispatch service tests: eligibility, idempotence, claims and delivery sync.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/config"
	"agrimarket/internal/modules/order"
	"agrimarket/internal/types"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

var testCfg = config.DispatchConfig{
	TickSeconds: 1,
	ClaimTTL:    10 * time.Second,
	DefaultETA:  2 * time.Hour,
	DeliveryFee: decimal.NewFromInt(50),
}

func newTestService(t *testing.T) (*Service, *memRepo, *memClaims) {
	t.Helper()
	repo := newMemRepo()
	claims := newMemClaims()
	svc := NewService(repo, claims, repo, nil, testCfg, nil, nil)
	svc.now = func() time.Time { return baseTime }
	return svc, repo, claims
}

func driver(id string, created time.Duration) Driver {
	return Driver{ID: types.ID(id), Name: id, IsAvailable: true, Status: DriverActive, CreatedAt: baseTime.Add(created)}
}

func readyOrder(repo *memRepo, farmers ...types.ID) *order.Order {
	o := &order.Order{
		ID:         types.NewID(),
		CustomerID: "cust",
		Status:     order.StatusReadyForPickup,
		ShippingAddress: order.ShippingAddress{
			FirstName: "Ana", LastName: "Reyes", Address: "12 Mabini St, Lipa", PhoneNumber: "0917",
		},
	}
	for _, f := range farmers {
		o.Items = append(o.Items, order.Item{ID: types.NewID(), FarmerID: f, ProductTitle: "Rice " + string(f), Quantity: 2})
	}
	repo.addOrder(o)
	return o
}

func TestDriverEligible(t *testing.T) {
	cases := []struct {
		name string
		d    Driver
		want bool
	}{
		{"available active idle", Driver{IsAvailable: true, Status: DriverActive}, true},
		{"unavailable", Driver{IsAvailable: false, Status: DriverActive}, false},
		{"inactive", Driver{IsAvailable: true, Status: DriverInactive}, false},
		{"suspended", Driver{IsAvailable: true, Status: DriverSuspended}, false},
		{"busy", Driver{IsAvailable: true, Status: DriverActive, Busy: true}, false},
	}
	for _, tc := range cases {
		if got := tc.d.Eligible(); got != tc.want {
			t.Errorf("%s: got %v", tc.name, got)
		}
	}
}

func TestAssignDriver_CreatesDelivery(t *testing.T) {
	ctx := context.Background()
	svc, repo, claims := newTestService(t)
	repo.addDriver(driver("driver_d", 0))
	repo.addresses["farmer_x"] = "Purok 3, Batangas"
	o := readyOrder(repo, "farmer_x", "farmer_y")

	res, err := svc.AssignDriver(ctx, o)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Assigned || res.DriverID != "driver_d" || res.DeliveryID == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.EstimatedDeliveryAt == nil || !res.EstimatedDeliveryAt.Equal(baseTime.Add(2*time.Hour)) {
		t.Fatalf("eta = %v", res.EstimatedDeliveryAt)
	}
	stored, _ := repo.Get(ctx, o.ID)
	if stored.Status != order.StatusAssignedToDriver || !stored.IsAssignedDriver("driver_d") || stored.DriverAssignedAt == nil {
		t.Fatalf("order = %+v", stored)
	}
	d, err := repo.GetDeliveryByOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.DriverID != "driver_d" || d.FarmerID != "farmer_x" || d.BuyerID != "cust" {
		t.Fatalf("delivery parties = %+v", d)
	}
	if d.PickupLocation != "Purok 3, Batangas" || d.DeliveryLocation != "Ana Reyes, 12 Mabini St, Lipa" {
		t.Fatalf("delivery locations = %q -> %q", d.PickupLocation, d.DeliveryLocation)
	}
	if d.Status != DeliveryAssigned || !d.DeliveryFee.Equal(decimal.NewFromInt(50)) || len(d.Items) != 2 {
		t.Fatalf("delivery = %+v", d)
	}
	if len(claims.held) != 0 {
		t.Fatalf("claims not released: %v", claims.held)
	}
}

func TestAssignDriver_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	repo.addDriver(driver("d1", 0))
	repo.addDriver(driver("d2", time.Minute))
	o := readyOrder(repo, "f")

	first, err := svc.AssignDriver(ctx, o)
	if err != nil {
		t.Fatal(err)
	}
	// Same stale snapshot: the store refuses, the existing delivery comes back.
	second, err := svc.AssignDriver(ctx, o)
	if err != nil {
		t.Fatal(err)
	}
	fresh, _ := repo.Get(ctx, o.ID)
	third, err := svc.AssignDriver(ctx, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if second.DeliveryID != first.DeliveryID || third.DeliveryID != first.DeliveryID || !third.Assigned {
		t.Fatalf("results differ: %+v %+v %+v", first, second, third)
	}
	if len(repo.deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(repo.deliveries))
	}
}

func TestAssignDriver_EligibilityAndOrdering(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	off := driver("off", -3*time.Hour)
	off.IsAvailable = false
	suspended := driver("suspended", -2*time.Hour)
	suspended.Status = DriverSuspended
	repo.addDriver(off)
	repo.addDriver(suspended)
	repo.addDriver(driver("busy", -time.Hour))
	repo.addDriver(driver("late", time.Hour))
	repo.addDriver(driver("early", 0))
	repo.deliveries["other"] = &Delivery{OrderID: "other", DriverID: "busy", Status: DeliveryOnTheWay}

	res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if res.DriverID != "early" {
		t.Fatalf("assigned %s, want early", res.DriverID)
	}
	res, err = svc.AssignDriver(ctx, readyOrder(repo, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if res.DriverID != "late" {
		t.Fatalf("assigned %s, want late", res.DriverID)
	}
	o := readyOrder(repo, "f")
	res, err = svc.AssignDriver(ctx, o)
	if err != nil {
		t.Fatal(err)
	}
	if res.Assigned {
		t.Fatalf("expected no driver, got %+v", res)
	}
	stored, _ := repo.Get(ctx, o.ID)
	if stored.Status != order.StatusReadyForPickup || stored.DriverID != nil {
		t.Fatalf("order changed without a driver: %+v", stored)
	}
}

// candidateRepo lists drivers verbatim, whatever their state.
type candidateRepo struct {
	*memRepo
	candidates []Driver
}

func (r *candidateRepo) ListAvailableDrivers(context.Context) ([]Driver, error) {
	return r.candidates, nil
}

func TestAssignDriver_SkipsIneligibleCandidates(t *testing.T) {
	ctx := context.Background()
	mem := newMemRepo()
	inactive := driver("inactive", -3*time.Hour)
	inactive.Status = DriverInactive
	off := driver("off", -2*time.Hour)
	off.IsAvailable = false
	busy := driver("busy", -time.Hour)
	busy.Busy = true
	repo := &candidateRepo{memRepo: mem, candidates: []Driver{inactive, off, busy, driver("ok", 0)}}
	svc := NewService(repo, nil, mem, nil, testCfg, nil, nil)
	svc.now = func() time.Time { return baseTime }

	res, err := svc.AssignDriver(ctx, readyOrder(mem, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if res.DriverID != "ok" {
		t.Fatalf("assigned %q, want ok", res.DriverID)
	}

	repo.candidates = []Driver{inactive, off, busy}
	res, err = svc.AssignDriver(ctx, readyOrder(mem, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Assigned || !res.NoDriver {
		t.Fatalf("expected no driver, got %+v", res)
	}
}

func TestAssignDriver_NotReady(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addDriver(driver("d1", 0))
	o := readyOrder(repo, "f")
	o.Status = order.StatusFarmerApproved
	if _, err := svc.AssignDriver(context.Background(), o); !errors.Is(err, order.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAssignDriver_ClaimsAndBusyDrivers(t *testing.T) {
	ctx := context.Background()

	t.Run("claimed driver skipped", func(t *testing.T) {
		svc, repo, claims := newTestService(t)
		repo.addDriver(driver("d1", 0))
		repo.addDriver(driver("d2", time.Minute))
		claims.held["d1"] = "someone-else"
		res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
		if err != nil {
			t.Fatal(err)
		}
		if res.DriverID != "d2" {
			t.Fatalf("assigned %s", res.DriverID)
		}
		if claims.held["d1"] != "someone-else" {
			t.Fatalf("foreign claim released")
		}
	})

	t.Run("redis failure does not block", func(t *testing.T) {
		svc, repo, claims := newTestService(t)
		repo.addDriver(driver("d1", 0))
		claims.err = errors.New("connection refused")
		res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
		if err != nil || !res.Assigned {
			t.Fatalf("res=%+v err=%v", res, err)
		}
	})

	t.Run("driver booked meanwhile", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		repo.addDriver(driver("d1", 0))
		repo.addDriver(driver("d2", time.Minute))
		repo.busyOnce = "d1"
		res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
		if err != nil {
			t.Fatal(err)
		}
		if res.DriverID != "d2" {
			t.Fatalf("assigned %s", res.DriverID)
		}
	})
}

func TestAssignDriver_ETA(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	repo.addDriver(driver("d1", 0))
	repo.addDriver(driver("d2", time.Minute))
	repo.addresses["f"] = "Farm"

	svc.eta = fixedETA{d: 45 * time.Minute}
	res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.EstimatedDeliveryAt.Equal(baseTime.Add(45 * time.Minute)) {
		t.Fatalf("eta = %v", res.EstimatedDeliveryAt)
	}

	svc.eta = fixedETA{err: errors.New("quota")}
	res, err = svc.AssignDriver(ctx, readyOrder(repo, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.EstimatedDeliveryAt.Equal(baseTime.Add(2 * time.Hour)) {
		t.Fatalf("fallback eta = %v", res.EstimatedDeliveryAt)
	}
}

func TestConcurrentAssignments(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	const drivers, orders = 3, 8
	for i := 0; i < drivers; i++ {
		repo.addDriver(driver(fmt.Sprintf("d%d", i), time.Duration(i)*time.Minute))
	}
	var list []*order.Order
	for i := 0; i < orders; i++ {
		list = append(list, readyOrder(repo, "f"))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, orders*2)
	for _, o := range list {
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(o *order.Order) {
				defer wg.Done()
				_, err := svc.AssignDriver(ctx, o)
				errCh <- err
			}(o)
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	perDriver := map[types.ID]int{}
	for _, d := range repo.deliveries {
		perDriver[d.DriverID]++
	}
	if len(repo.deliveries) > drivers {
		t.Fatalf("%d deliveries for %d drivers", len(repo.deliveries), drivers)
	}
	for id, n := range perDriver {
		if n != 1 {
			t.Fatalf("driver %s has %d active deliveries", id, n)
		}
	}
}

func TestSyncDelivery(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	repo.addDriver(driver("d1", 0))
	o := readyOrder(repo, "f")
	if _, err := svc.AssignDriver(ctx, o); err != nil {
		t.Fatal(err)
	}

	// Out of order: delivered before picked up does nothing.
	if err := svc.SyncDelivery(ctx, o.ID, order.StatusDelivered); err != nil {
		t.Fatal(err)
	}
	if d, _ := repo.GetDeliveryByOrder(ctx, o.ID); d.Status != DeliveryAssigned {
		t.Fatalf("status = %s", d.Status)
	}
	for _, st := range []order.Status{order.StatusPickedUp, order.StatusInTransit, order.StatusDelivered, order.StatusCompleted} {
		if err := svc.SyncDelivery(ctx, o.ID, st); err != nil {
			t.Fatalf("%s: %v", st, err)
		}
	}
	d, _ := repo.GetDeliveryByOrder(ctx, o.ID)
	if d.Status != DeliveryDelivered || d.DeliveredAt == nil {
		t.Fatalf("delivery = %+v", d)
	}
	if err := svc.SyncDelivery(ctx, "no-delivery", order.StatusPickedUp); err != nil {
		t.Fatalf("missing delivery should be ignored, got %v", err)
	}

	// The driver is free again once delivered.
	res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
	if err != nil || res.DriverID != "d1" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	a := readyOrder(repo, "f")
	b := readyOrder(repo, "f")

	n, err := svc.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep without drivers: n=%d err=%v", n, err)
	}
	repo.addDriver(driver("d1", 0))
	repo.addDriver(driver("d2", time.Minute))
	n, err = svc.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	for _, o := range []*order.Order{a, b} {
		stored, _ := repo.Get(ctx, o.ID)
		if stored.Status != order.StatusAssignedToDriver {
			t.Fatalf("order %s status = %s", o.ID, stored.Status)
		}
	}
}

// takenReader reports one order as already carrying a driver, as if another worker got there first.
type takenReader struct {
	*memRepo
	taken types.ID
}

func (r *takenReader) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	o, err := r.memRepo.Get(ctx, id)
	if err != nil || id != r.taken {
		return o, err
	}
	other := types.ID("elsewhere")
	o.DriverID = &other
	return o, nil
}

func TestSweep_ContinuesPastTakenOrder(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	a := readyOrder(repo, "f")
	b := readyOrder(repo, "f")
	first, second := a, b
	if b.ID < a.ID {
		first, second = b, a
	}
	repo.addDriver(driver("d1", 0))
	svc := NewService(repo, newMemClaims(), &takenReader{memRepo: repo, taken: first.ID}, nil, testCfg, nil, nil)
	svc.now = func() time.Time { return baseTime }

	n, err := svc.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	stored, _ := repo.Get(ctx, second.ID)
	if stored.Status != order.StatusAssignedToDriver || !stored.IsAssignedDriver("d1") {
		t.Fatalf("order after the taken one = %+v", stored)
	}
}

func TestRunSchedulerStopsOnCancel(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addDriver(driver("d1", 0))
	o := readyOrder(repo, "f")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunScheduler(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		stored, _ := repo.Get(context.Background(), o.ID)
		if stored.Status == order.StatusAssignedToDriver {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never assigned the order")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSetAvailability(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	repo.addDriver(driver("d1", 0))
	if err := svc.SetAvailability(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	res, err := svc.AssignDriver(ctx, readyOrder(repo, "f"))
	if err != nil || res.Assigned || !res.NoDriver {
		t.Fatalf("unavailable driver assigned: %+v %v", res, err)
	}
	if err := svc.SetAvailability(ctx, "ghost", true); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
}
