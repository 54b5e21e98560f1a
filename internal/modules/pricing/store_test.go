package pricing

import (
	"context"
	"errors"
	"testing"

	"agrimarket/internal/testutil"
	"agrimarket/internal/types"
)

func TestStore_SetVerifiedOnlyFarmers(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	if _, err := db.Exec(ctx, `
		INSERT INTO users (id, name, role) VALUES ('f_ver', 'Farmer', 'farmer'), ('c_ver', 'Buyer', 'customer')`); err != nil {
		t.Fatal(err)
	}
	store := NewStore(db)
	svc := NewService(store, nil, nil)
	admin := types.Actor{ID: "root", Role: types.RoleAdmin}

	sub, err := svc.SetVerified(ctx, admin, "f_ver", true)
	if err != nil {
		t.Fatal(err)
	}
	if !sub.IsVerified || sub.Tier != TierBasic {
		t.Fatalf("subscription = %+v", sub)
	}
	if _, err := svc.SetVerified(ctx, admin, "c_ver", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("customer: expected ErrNotFound, got %v", err)
	}
	if sub, _ := store.GetSubscription(ctx, "c_ver"); sub.IsVerified {
		t.Fatal("customer row was verified")
	}
}
