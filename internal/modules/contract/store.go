// README: Contract and bid store backed by PostgreSQL; award and expiry run in single transactions.
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agrimarket/internal/errs"
	"agrimarket/internal/infra"
	"agrimarket/internal/types"
)

const bidUniqueConstraint = "bids_contract_farmer_key"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const contractCols = `
	id, title, description, crop_type, quantity_needed::text, preferred_price_per_kilo::text,
	deadline, location, status, buyer_id, winning_bid_id, created_at, updated_at`

const bidCols = `
	id, contract_id, farmer_id, quantity_offered::text, price_per_kilo::text, total_amount::text,
	message, status, created_at`

func (s *Store) CreateContract(ctx context.Context, c *Contract) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO contracts (
			id, title, description, crop_type, quantity_needed, preferred_price_per_kilo,
			deadline, location, status, buyer_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		string(c.ID), c.Title, c.Description, c.CropType,
		c.QuantityNeeded.String(), c.PreferredPricePerKilo.String(),
		c.Deadline, c.Location, string(c.Status), string(c.BuyerID), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *Store) GetContract(ctx context.Context, id types.ID) (*Contract, error) {
	row := s.db.QueryRow(ctx, `SELECT `+contractCols+` FROM contracts WHERE id = $1`, string(id))
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// UpdateContract rewrites the editable fields while the contract is still open and unawarded.
func (s *Store) UpdateContract(ctx context.Context, c *Contract) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE contracts
		SET title = $2, description = $3, crop_type = $4,
		    quantity_needed = $5, preferred_price_per_kilo = $6,
		    deadline = $7, location = $8, updated_at = $9
		WHERE id = $1 AND status = 'open' AND winning_bid_id IS NULL`,
		string(c.ID), c.Title, c.Description, c.CropType,
		c.QuantityNeeded.String(), c.PreferredPricePerKilo.String(),
		c.Deadline, c.Location, c.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update contract: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListOpen(ctx context.Context, now time.Time) ([]Contract, error) {
	return s.listContracts(ctx, `
		SELECT `+contractCols+` FROM contracts
		WHERE status = 'open' AND deadline > $1
		ORDER BY deadline ASC, id ASC`, now)
}

func (s *Store) ListByBuyer(ctx context.Context, buyerID types.ID) ([]Contract, error) {
	return s.listContracts(ctx, `
		SELECT `+contractCols+` FROM contracts
		WHERE buyer_id = $1
		ORDER BY created_at DESC, id ASC`, string(buyerID))
}

// ListDue returns open, unawarded contracts whose deadline has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Contract, error) {
	return s.listContracts(ctx, `
		SELECT `+contractCols+` FROM contracts
		WHERE status = 'open' AND winning_bid_id IS NULL AND deadline <= $1
		ORDER BY deadline ASC, id ASC`, now)
}

func (s *Store) listContracts(ctx context.Context, query string, args ...any) ([]Contract, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteContract removes the contract and its bids together.
func (s *Store) DeleteContract(ctx context.Context, id types.ID) error {
	return infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM bids WHERE contract_id = $1`, string(id)); err != nil {
			return fmt.Errorf("delete bids: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, string(id))
		if err != nil {
			return fmt.Errorf("delete contract: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CancelContract moves an open contract to cancelled and rejects its pending bids.
func (s *Store) CancelContract(ctx context.Context, id types.ID, now time.Time) (bool, error) {
	ok := false
	err := infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE contracts SET status = 'cancelled', updated_at = $2
			WHERE id = $1 AND status = 'open' AND winning_bid_id IS NULL`,
			string(id), now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE bids SET status = 'rejected'
			WHERE contract_id = $1 AND status = 'pending'`, string(id)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// CreateBid inserts a pending bid after re-checking the contract under a share lock,
// so a concurrent award either sees this bid or this insert sees the award.
func (s *Store) CreateBid(ctx context.Context, b *Bid, now time.Time) error {
	return infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+contractCols+` FROM contracts WHERE id = $1 FOR SHARE`, string(b.ContractID))
		c, err := scanContract(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !c.CanReceiveBids(now) {
			return ErrClosed
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bids (
				id, contract_id, farmer_id, quantity_offered, price_per_kilo, total_amount,
				message, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(b.ID), string(b.ContractID), string(b.FarmerID),
			b.QuantityOffered.String(), b.PricePerKilo.String(), b.TotalAmount.String(),
			b.Message, string(b.Status), b.CreatedAt,
		)
		if infra.IsUniqueViolation(err, bidUniqueConstraint) {
			return ErrDuplicateBid
		}
		if err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}
		return nil
	})
}

func (s *Store) GetBid(ctx context.Context, id types.ID) (*Bid, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bidCols+` FROM bids WHERE id = $1`, string(id))
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	return b, err
}

func (s *Store) ListBids(ctx context.Context, contractID types.ID) ([]Bid, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bidCols+` FROM bids
		WHERE contract_id = $1
		ORDER BY price_per_kilo ASC, created_at ASC, id ASC`, string(contractID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Award transitions contract and bids in one transaction. ok is false when the contract was no
// longer open or the bid no longer pending; nothing is written in that case.
func (s *Store) Award(ctx context.Context, contractID, bidID types.ID, now time.Time) (rejected int, ok bool, err error) {
	err = infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE contracts
			SET status = 'awarded', winning_bid_id = $2, updated_at = $3
			WHERE id = $1 AND status = 'open' AND winning_bid_id IS NULL`,
			string(contractID), string(bidID), now,
		)
		if err != nil {
			return fmt.Errorf("award contract: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return errLostRace
		}
		tag, err = tx.Exec(ctx, `
			UPDATE bids SET status = 'accepted'
			WHERE id = $1 AND contract_id = $2 AND status = 'pending'`,
			string(bidID), string(contractID),
		)
		if err != nil {
			return fmt.Errorf("accept bid: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return errLostRace
		}
		tag, err = tx.Exec(ctx, `
			UPDATE bids SET status = 'rejected'
			WHERE contract_id = $1 AND status = 'pending' AND id <> $2`,
			string(contractID), string(bidID),
		)
		if err != nil {
			return fmt.Errorf("reject bids: %w", err)
		}
		rejected = int(tag.RowsAffected())
		return nil
	})
	if errors.Is(err, errLostRace) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rejected, true, nil
}

// ExpireDue closes open contracts whose deadline has passed and rejects their pending bids.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]types.ID, error) {
	var expired []types.ID
	err := infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE contracts SET status = 'expired', updated_at = $1
			WHERE status = 'open' AND winning_bid_id IS NULL AND deadline <= $1
			RETURNING id`, now)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE bids SET status = 'rejected'
			WHERE status = 'pending' AND contract_id = ANY($1)`, ids); err != nil {
			return err
		}
		for _, id := range ids {
			expired = append(expired, types.ID(id))
		}
		return nil
	})
	return expired, err
}

func (s *Store) FarmerContact(ctx context.Context, farmerID types.ID) (*FarmerContact, error) {
	fc := FarmerContact{ID: farmerID}
	err := s.db.QueryRow(ctx, `
		SELECT name, phone, email FROM users WHERE id = $1 AND role = 'farmer'`,
		string(farmerID),
	).Scan(&fc.Name, &fc.Phone, &fc.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.ErrNotFound, "farmer not found")
	}
	if err != nil {
		return nil, err
	}
	return &fc, nil
}

func scanContract(row pgx.Row) (*Contract, error) {
	var c Contract
	var id, buyer string
	var winner *string
	err := row.Scan(
		&id, &c.Title, &c.Description, &c.CropType, &c.QuantityNeeded, &c.PreferredPricePerKilo,
		&c.Deadline, &c.Location, &c.Status, &buyer, &winner, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ID = types.ID(id)
	c.BuyerID = types.ID(buyer)
	if winner != nil {
		w := types.ID(*winner)
		c.WinningBidID = &w
	}
	return &c, nil
}

func scanBid(row pgx.Row) (*Bid, error) {
	var b Bid
	var id, contractID, farmerID string
	err := row.Scan(
		&id, &contractID, &farmerID, &b.QuantityOffered, &b.PricePerKilo, &b.TotalAmount,
		&b.Message, &b.Status, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ID = types.ID(id)
	b.ContractID = types.ID(contractID)
	b.FarmerID = types.ID(farmerID)
	return &b, nil
}
