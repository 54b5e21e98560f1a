// README: Dispatch store backed by PostgreSQL; assignment writes the order and delivery in one transaction.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agrimarket/internal/infra"
	"agrimarket/internal/types"
)

const (
	activeDriverConstraint  = "deliveries_one_active_per_driver"
	deliveryOrderConstraint = "deliveries_order_key"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const deliveryCols = `
	id, order_id, driver_id, farmer_id, buyer_id, pickup_location, delivery_location, status,
	items, delivery_fee::text, assigned_at, estimated_delivery_time, delivered_at`

// ListAvailableDrivers returns drivers marked available, oldest first, flagging those with a delivery in flight.
func (s *Store) ListAvailableDrivers(ctx context.Context) ([]Driver, error) {
	rows, err := s.db.Query(ctx, `
		SELECT d.id, d.name, d.phone, d.is_available, d.status, d.created_at,
		       EXISTS (
			SELECT 1 FROM deliveries x
			WHERE x.driver_id = d.id AND x.status IN ('assigned', 'picked_up', 'on_the_way')
		       ) AS busy
		FROM drivers d
		WHERE d.is_available
		ORDER BY d.created_at ASC, d.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Driver
	for rows.Next() {
		var d Driver
		var id string
		if err := rows.Scan(&id, &d.Name, &d.Phone, &d.IsAvailable, &d.Status, &d.CreatedAt, &d.Busy); err != nil {
			return nil, err
		}
		d.ID = types.ID(id)
		out = append(out, d)
	}
	return out, rows.Err()
}

// FarmerAddress returns the farmer's profile address, empty when unknown.
func (s *Store) FarmerAddress(ctx context.Context, farmerID types.ID) (string, error) {
	var addr string
	err := s.db.QueryRow(ctx, `SELECT address FROM users WHERE id = $1`, string(farmerID)).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return addr, err
}

// CreateAssignment hands the order to the delivery's driver and stores the delivery. It fails with
// errOrderTaken when the order is no longer waiting for a driver and errDriverBusy when the
// driver already carries an active delivery.
func (s *Store) CreateAssignment(ctx context.Context, d *Delivery) error {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return err
	}
	return infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = 'assigned_to_driver', driver_id = $2, driver_assigned_at = $3,
			    updated_at = $3, status_version = status_version + 1
			WHERE id = $1 AND status = 'ready_for_pickup' AND driver_id IS NULL`,
			string(d.OrderID), string(d.DriverID), d.AssignedAt,
		)
		if err != nil {
			return fmt.Errorf("assign order: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return errOrderTaken
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_state_events (order_id, from_status, to_status, actor_type, actor_id, created_at)
			VALUES ($1, 'ready_for_pickup', 'assigned_to_driver', 'system', $2, $3)`,
			string(d.OrderID), string(d.DriverID), d.AssignedAt); err != nil {
			return fmt.Errorf("append order event: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO deliveries (
				id, order_id, driver_id, farmer_id, buyer_id, pickup_location, delivery_location,
				status, items, delivery_fee, assigned_at, estimated_delivery_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			string(d.ID), string(d.OrderID), string(d.DriverID), string(d.FarmerID), string(d.BuyerID),
			d.PickupLocation, d.DeliveryLocation, string(d.Status), items, d.DeliveryFee.String(),
			d.AssignedAt, d.EstimatedDeliveryTime,
		)
		switch {
		case infra.IsUniqueViolation(err, activeDriverConstraint):
			return errDriverBusy
		case infra.IsUniqueViolation(err, deliveryOrderConstraint):
			return errOrderTaken
		case err != nil:
			return fmt.Errorf("insert delivery: %w", err)
		}
		return nil
	})
}

func (s *Store) GetDeliveryByOrder(ctx context.Context, orderID types.ID) (*Delivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE order_id = $1`, string(orderID))
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}

func (s *Store) ListDeliveriesByDriver(ctx context.Context, driverID types.ID) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryCols+` FROM deliveries
		WHERE driver_id = $1
		ORDER BY assigned_at DESC, id ASC`, string(driverID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDeliveryStatus(ctx context.Context, orderID types.ID, from, to DeliveryStatus, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = $3::text,
		    delivered_at = CASE WHEN $3::text = 'delivered' THEN $4 ELSE delivered_at END
		WHERE order_id = $1 AND status = $2`,
		string(orderID), string(from), string(to), at,
	)
	if err != nil {
		return false, fmt.Errorf("update delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAwaitingDriver returns ready orders without a driver, longest waiting first.
func (s *Store) ListAwaitingDriver(ctx context.Context, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'ready_for_pickup' AND driver_id IS NULL
		ORDER BY ready_for_pickup_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.ID(id))
	}
	return out, nil
}

func (s *Store) SetAvailability(ctx context.Context, driverID types.ID, available bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE drivers SET is_available = $2 WHERE id = $1`, string(driverID), available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var id, orderID, driverID, farmerID, buyerID string
	var items []byte
	err := row.Scan(
		&id, &orderID, &driverID, &farmerID, &buyerID, &d.PickupLocation, &d.DeliveryLocation, &d.Status,
		&items, &d.DeliveryFee, &d.AssignedAt, &d.EstimatedDeliveryTime, &d.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	d.ID = types.ID(id)
	d.OrderID = types.ID(orderID)
	d.DriverID = types.ID(driverID)
	d.FarmerID = types.ID(farmerID)
	d.BuyerID = types.ID(buyerID)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &d.Items); err != nil {
			return nil, fmt.Errorf("decode delivery items: %w", err)
		}
	}
	return &d, nil
}
