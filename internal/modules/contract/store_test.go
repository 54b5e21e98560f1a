package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agrimarket/internal/errs"
	"agrimarket/internal/testutil"
	"agrimarket/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.OpenTestDB(t))
}

func TestStore_BidAndAwardRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupTestStore(t), nil, nil, nil)
	c := mustCreateContractAt(t, svc, "cust_db", "100", time.Now().Add(time.Hour))

	a, err := svc.PlaceBid(ctx, bid(c.ID, "fa", "60", "4.50"))
	if err != nil {
		t.Fatalf("bid a: %v", err)
	}
	if _, err := svc.PlaceBid(ctx, bid(c.ID, "fa", "100", "4.00")); !errors.Is(err, ErrDuplicateBid) {
		t.Fatalf("expected ErrDuplicateBid from unique index, got %v", err)
	}
	b, err := svc.PlaceBid(ctx, bid(c.ID, "fb", "100", "5.25"))
	if err != nil {
		t.Fatalf("bid b: %v", err)
	}
	if !b.ContractAwarded || b.Bid.Status != BidAccepted {
		t.Fatalf("expected award to bid b, got %+v", b)
	}
	if !b.Bid.TotalAmount.Equal(dec("525")) {
		t.Fatalf("total = %s", b.Bid.TotalAmount)
	}

	got, bids, err := svc.Get(ctx, owner(c), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusAwarded || *got.WinningBidID != b.Bid.ID {
		t.Fatalf("unexpected contract %+v", got)
	}
	for _, x := range bids {
		if x.ID == a.Bid.ID && x.Status != BidRejected {
			t.Fatalf("bid a status = %s", x.Status)
		}
	}
}

func TestStore_ConcurrentBidsSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupTestStore(t), nil, nil, nil)
	c := mustCreateContractAt(t, svc, "cust_race", "50", time.Now().Add(time.Hour))

	const farmers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, farmers)
	for i := 0; i < farmers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.PlaceBid(ctx, bid(c.ID, types.ID(fmt.Sprintf("race%d", i)), "50", "3"))
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_, bids, err := svc.Get(ctx, owner(c), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	accepted := 0
	for _, b := range bids {
		switch b.Status {
		case BidAccepted:
			accepted++
		case BidPending:
			t.Fatalf("bid %s left pending", b.ID)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
}

func TestStore_ExpireAndDelete(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := NewService(store, nil, nil, nil)
	c := mustCreateContractAt(t, svc, "cust_exp", "100", time.Now().Add(time.Hour))
	if _, err := svc.PlaceBid(ctx, bid(c.ID, "fx", "10", "2")); err != nil {
		t.Fatal(err)
	}

	ids, err := store.ExpireDue(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != c.ID {
		t.Fatalf("expired = %v", ids)
	}
	if err := store.DeleteContract(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetContract(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	bids, _ := store.ListBids(ctx, c.ID)
	if len(bids) != 0 {
		t.Fatalf("bids not deleted: %d", len(bids))
	}
}

func TestStore_ListDueAndFarmerContact(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	if _, err := store.db.Exec(ctx, `
		INSERT INTO users (id, name, role, phone, email)
		VALUES ('f_contact', 'Ana Reyes', 'farmer', '+63 917 555 0101', 'ana@example.com'),
		       ('c_contact', 'Buyer', 'customer', '', '')`); err != nil {
		t.Fatal(err)
	}
	svc := NewService(store, nil, nil, nil)
	soon := mustCreateContractAt(t, svc, "cust_due", "100", time.Now().Add(time.Hour))
	mustCreateContractAt(t, svc, "cust_due", "100", time.Now().Add(48*time.Hour))

	due, err := store.ListDue(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Fatalf("due = %+v", due)
	}

	fc, err := store.FarmerContact(ctx, "f_contact")
	if err != nil {
		t.Fatal(err)
	}
	if fc.Name != "Ana Reyes" || fc.Email != "ana@example.com" {
		t.Fatalf("contact = %+v", fc)
	}
	if _, err := store.FarmerContact(ctx, "c_contact"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("customer lookup: expected not found, got %v", err)
	}
}
