// README: Order store backed by PostgreSQL; checkout and cancellation run in single transactions.
package order

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

const orderNumberConstraint = "orders_order_number_key"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderCols = `
	id, customer_id, order_number, subtotal::text, platform_fee::text, total_amount::text,
	status, status_version, payment_method, shipping_address, farmer_approval_status,
	driver_id, farmer_notes, driver_notes, rejection_reason,
	ready_for_pickup_at, driver_assigned_at, picked_up_at, in_transit_at, delivered_at,
	completed_at, cancelled_at, created_at, updated_at`

const itemCols = `
	id, order_id, product_id, farmer_id, product_title, quantity, unit_price::text, total_price::text`

// CartLines returns the customer's cart joined with current product data, oldest line first.
func (s *Store) CartLines(ctx context.Context, customerID types.ID) ([]CartLine, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, p.id, p.farmer_id, p.title, p.status, p.price::text, p.stock_quantity, c.quantity
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		WHERE c.customer_id = $1
		ORDER BY c.created_at ASC, c.id ASC`, string(customerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CartLine
	for rows.Next() {
		var l CartLine
		var cartID, productID, farmerID string
		if err := rows.Scan(&cartID, &productID, &farmerID, &l.ProductTitle, &l.ProductStatus,
			&l.UnitPrice, &l.Stock, &l.Quantity); err != nil {
			return nil, err
		}
		l.CartItemID = types.ID(cartID)
		l.ProductID = types.ID(productID)
		l.FarmerID = types.ID(farmerID)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateOrder inserts the order and its items, takes stock and clears the cart in one
// transaction. Any shortfall rolls the whole checkout back.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	approvals, err := json.Marshal(o.Approvals)
	if err != nil {
		return err
	}
	return infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (
				id, customer_id, order_number, subtotal, platform_fee, total_amount,
				status, status_version, payment_method, shipping_address, farmer_approval_status,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			string(o.ID), string(o.CustomerID), o.OrderNumber,
			o.Subtotal.String(), o.PlatformFee.String(), o.TotalAmount.String(),
			string(o.Status), o.StatusVersion, o.PaymentMethod, addr, approvals, o.CreatedAt,
		)
		if infra.IsUniqueViolation(err, orderNumberConstraint) {
			return errOrderNumberTaken
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		for i, it := range o.Items {
			tag, err := tx.Exec(ctx, `
				UPDATE products
				SET stock_quantity = stock_quantity - $2,
				    status = CASE WHEN stock_quantity - $2 = 0 THEN 'out_of_stock' ELSE status END
				WHERE id = $1 AND status = 'active' AND stock_quantity >= $2`,
				string(it.ProductID), it.Quantity,
			)
			if err != nil {
				return fmt.Errorf("take stock: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("%w: %s", ErrInsufficientStock, it.ProductTitle)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO order_items (
					id, order_id, product_id, farmer_id, product_title, quantity,
					unit_price, total_price, position
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				string(it.ID), string(o.ID), string(it.ProductID), string(it.FarmerID), it.ProductTitle,
				it.Quantity, it.UnitPrice.String(), it.TotalPrice.String(), i,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE customer_id = $1`, string(o.CustomerID)); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) ListByCustomer(ctx context.Context, customerID types.ID) ([]Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id ASC`, string(customerID))
}

// ListPendingForFarmer returns orders awaiting this farmer's response.
func (s *Store) ListPendingForFarmer(ctx context.Context, farmerID types.ID) ([]Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderCols+` FROM orders o
		WHERE o.status IN ('pending', 'farmer_approved')
		  AND EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.farmer_id = $1)
		  AND (o.farmer_approval_status ->> $1::text) IS NULL
		ORDER BY o.created_at ASC, o.id ASC`, string(farmerID))
}

func (s *Store) ListApprovedForFarmer(ctx context.Context, farmerID types.ID) ([]Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderCols+` FROM orders o
		WHERE o.status = 'farmer_approved'
		  AND EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.farmer_id = $1)
		ORDER BY o.created_at ASC, o.id ASC`, string(farmerID))
}

func (s *Store) listOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ptrs []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := s.attachItems(ctx, ptrs); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(ptrs))
	for _, o := range ptrs {
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) attachItems(ctx context.Context, orders []*Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[types.ID]*Order, len(orders))
	for _, o := range orders {
		ids = append(ids, string(o.ID))
		byID[o.ID] = o
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+itemCols+` FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		var id, orderID, productID, farmerID string
		if err := rows.Scan(&id, &orderID, &productID, &farmerID, &it.ProductTitle, &it.Quantity,
			&it.UnitPrice, &it.TotalPrice); err != nil {
			return err
		}
		it.ID = types.ID(id)
		it.OrderID = types.ID(orderID)
		it.ProductID = types.ID(productID)
		it.FarmerID = types.ID(farmerID)
		if o := byID[it.OrderID]; o != nil {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

// UpdateApprovals writes the approval map and the derived status if the order is still at version.
func (s *Store) UpdateApprovals(ctx context.Context, o *Order, version int) (bool, error) {
	approvals, err := json.Marshal(o.Approvals)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET farmer_approval_status = $2,
		    status = $3,
		    rejection_reason = COALESCE($4, rejection_reason),
		    status_version = status_version + 1,
		    updated_at = $5
		WHERE id = $1 AND status_version = $6`,
		string(o.ID), approvals, string(o.Status), o.RejectionReason, o.UpdatedAt, version,
	)
	if err != nil {
		return false, fmt.Errorf("update approvals: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus moves the order from one status to the next, stamping the matching timestamp.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, ch Change) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1::text,
		    status_version = status_version + 1,
		    updated_at = $2,
		    ready_for_pickup_at = CASE WHEN $1::text = 'ready_for_pickup' THEN $2 ELSE ready_for_pickup_at END,
		    picked_up_at = CASE WHEN $1::text = 'picked_up' THEN $2 ELSE picked_up_at END,
		    in_transit_at = CASE WHEN $1::text = 'in_transit' THEN $2 ELSE in_transit_at END,
		    delivered_at = CASE WHEN $1::text = 'delivered' THEN $2 ELSE delivered_at END,
		    completed_at = CASE WHEN $1::text = 'completed' THEN $2 ELSE completed_at END,
		    farmer_notes = COALESCE($3, farmer_notes),
		    driver_notes = COALESCE($4, driver_notes)
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(to), ch.At, ch.FarmerNotes, ch.DriverNotes, string(id), string(from), version,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel moves a pending order to cancelled and puts its stock back.
func (s *Store) Cancel(ctx context.Context, o *Order, version int, now time.Time) (bool, error) {
	ok := false
	err := infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = 'cancelled', cancelled_at = $2, updated_at = $2, status_version = status_version + 1
			WHERE id = $1 AND status = 'pending' AND status_version = $3`,
			string(o.ID), now, version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		for _, it := range o.Items {
			if _, err := tx.Exec(ctx, `
				UPDATE products
				SET stock_quantity = stock_quantity + $2,
				    status = CASE WHEN status = 'out_of_stock' THEN 'active' ELSE status END
				WHERE id = $1`, string(it.ProductID), it.Quantity); err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID), string(e.FromStatus), string(e.ToStatus), e.ActorType, toStringPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id ASC`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var oid string
		var actor *string
		if err := rows.Scan(&e.ID, &oid, &e.FromStatus, &e.ToStatus, &e.ActorType, &actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OrderID = types.ID(oid)
		e.ActorID = toIDPtr(actor)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, customer string
	var driver *string
	var addr, approvals []byte
	err := row.Scan(
		&id, &customer, &o.OrderNumber, &o.Subtotal, &o.PlatformFee, &o.TotalAmount,
		&o.Status, &o.StatusVersion, &o.PaymentMethod, &addr, &approvals,
		&driver, &o.FarmerNotes, &o.DriverNotes, &o.RejectionReason,
		&o.ReadyForPickupAt, &o.DriverAssignedAt, &o.PickedUpAt, &o.InTransitAt, &o.DeliveredAt,
		&o.CompletedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.CustomerID = types.ID(customer)
	o.DriverID = toIDPtr(driver)
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	o.Approvals = Approvals{}
	if len(approvals) > 0 {
		if err := json.Unmarshal(approvals, &o.Approvals); err != nil {
			return nil, fmt.Errorf("decode approvals: %w", err)
		}
	}
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
