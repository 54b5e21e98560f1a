// README: Drivers, delivery records and delivery status flow.
package dispatch

import (
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/modules/order"
	"agrimarket/internal/types"
)

type DriverStatus string

const (
	DriverActive    DriverStatus = "active"
	DriverInactive  DriverStatus = "inactive"
	DriverSuspended DriverStatus = "suspended"
)

type Driver struct {
	ID          types.ID     `json:"id"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone"`
	IsAvailable bool         `json:"is_available"`
	Status      DriverStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`

	// Busy is set when the driver carries a delivery that is not yet delivered.
	Busy bool `json:"-"`
}

// Eligible drivers are available, active and not carrying another delivery.
func (d Driver) Eligible() bool {
	return d.IsAvailable && d.Status == DriverActive && !d.Busy
}

type DeliveryStatus string

const (
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryOnTheWay  DeliveryStatus = "on_the_way"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// deliveryStep maps an order step to the delivery status it implies and the status it advances from.
var deliveryStep = map[order.Status]struct{ from, to DeliveryStatus }{
	order.StatusPickedUp:  {DeliveryAssigned, DeliveryPickedUp},
	order.StatusInTransit: {DeliveryPickedUp, DeliveryOnTheWay},
	order.StatusDelivered: {DeliveryOnTheWay, DeliveryDelivered},
}

type DeliveryItem struct {
	ProductTitle string   `json:"product_title"`
	Quantity     int      `json:"quantity"`
	FarmerID     types.ID `json:"farmer_id"`
}

type Delivery struct {
	ID                    types.ID        `json:"id"`
	OrderID               types.ID        `json:"order_id"`
	DriverID              types.ID        `json:"driver_id"`
	FarmerID              types.ID        `json:"farmer_id"`
	BuyerID               types.ID        `json:"buyer_id"`
	PickupLocation        string          `json:"pickup_location"`
	DeliveryLocation      string          `json:"delivery_location"`
	Status                DeliveryStatus  `json:"status"`
	Items                 []DeliveryItem  `json:"items"`
	DeliveryFee           decimal.Decimal `json:"delivery_fee"`
	AssignedAt            time.Time       `json:"assigned_at"`
	EstimatedDeliveryTime time.Time       `json:"estimated_delivery_time"`
	DeliveredAt           *time.Time      `json:"delivered_at,omitempty"`
}

func (d *Delivery) Result(msg string) order.DispatchResult {
	eta := d.EstimatedDeliveryTime
	return order.DispatchResult{
		Assigned:            true,
		DriverID:            d.DriverID,
		DeliveryID:          d.ID,
		EstimatedDeliveryAt: &eta,
		Message:             msg,
	}
}

// Summarize flattens order items into the delivery's item list.
func Summarize(items []order.Item) []DeliveryItem {
	out := make([]DeliveryItem, 0, len(items))
	for _, it := range items {
		out = append(out, DeliveryItem{ProductTitle: it.ProductTitle, Quantity: it.Quantity, FarmerID: it.FarmerID})
	}
	return out
}
