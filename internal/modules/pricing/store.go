// README: Subscription store backed by PostgreSQL (users table).
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agrimarket/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const subscriptionCols = `id, subscription_tier, is_verified, subscription_started_at, subscription_expires_at, commission_rate::text`

func (s *Store) GetSubscription(ctx context.Context, farmerID types.ID) (Subscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionCols+` FROM users WHERE id = $1`, string(farmerID))
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *Store) GetSubscriptions(ctx context.Context, farmerIDs []types.ID) (map[types.ID]Subscription, error) {
	ids := make([]string, len(farmerIDs))
	for i, id := range farmerIDs {
		ids[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+subscriptionCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.ID]Subscription, len(farmerIDs))
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out[sub.FarmerID] = sub
	}
	return out, rows.Err()
}

func (s *Store) SaveSubscription(ctx context.Context, sub Subscription) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET subscription_tier = $2,
		    is_verified = $3,
		    subscription_started_at = $4,
		    subscription_expires_at = $5,
		    commission_rate = $6::numeric,
		    updated_at = NOW()
		WHERE id = $1`,
		string(sub.FarmerID), string(sub.Tier), sub.IsVerified, sub.StartedAt, sub.ExpiresAt, sub.CommissionRate.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVerified only touches farmer rows; any other id reports ErrNotFound.
func (s *Store) SetVerified(ctx context.Context, farmerID types.ID, verified bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET is_verified = $2, updated_at = NOW()
		WHERE id = $1 AND role = 'farmer'`,
		string(farmerID), verified,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var sub Subscription
	var id, tier string
	err := row.Scan(&id, &tier, &sub.IsVerified, &sub.StartedAt, &sub.ExpiresAt, &sub.CommissionRate)
	if err != nil {
		return Subscription{}, err
	}
	sub.FarmerID = types.ID(id)
	sub.Tier = Tier(tier)
	return sub, nil
}
