// README: Order aggregate, status definitions and farmer approval aggregation.
package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"agrimarket/internal/types"
)

type Status string

const (
	StatusNone             Status = "none"
	StatusPending          Status = "pending"
	StatusFarmerApproved   Status = "farmer_approved"
	StatusFarmerRejected   Status = "farmer_rejected"
	StatusReadyForPickup   Status = "ready_for_pickup"
	StatusAssignedToDriver Status = "assigned_to_driver"
	StatusPickedUp         Status = "picked_up"
	StatusInTransit        Status = "in_transit"
	StatusDelivered        Status = "delivered"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

const PaymentCashOnDelivery = "cash_on_delivery"

type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Approval struct {
	Status          ApprovalStatus `json:"status"`
	Notes           string         `json:"notes,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	RespondedAt     time.Time      `json:"responded_at"`
}

// Approvals maps farmer id to that farmer's response.
type Approvals map[types.ID]Approval

func (a Approvals) Clone() Approvals {
	out := make(Approvals, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	return out
}

type ShippingAddress struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Address     string `json:"address"`
	PhoneNumber string `json:"phone_number"`
}

func (a ShippingAddress) Valid() bool {
	return strings.TrimSpace(a.FirstName) != "" &&
		strings.TrimSpace(a.LastName) != "" &&
		strings.TrimSpace(a.Address) != "" &&
		strings.TrimSpace(a.PhoneNumber) != "" &&
		len(a.PhoneNumber) <= 20
}

func (a ShippingAddress) Format() string {
	return strings.TrimSpace(a.FirstName+" "+a.LastName) + ", " + a.Address
}

type Item struct {
	ID           types.ID        `json:"id"`
	OrderID      types.ID        `json:"order_id"`
	ProductID    types.ID        `json:"product_id"`
	FarmerID     types.ID        `json:"farmer_id"`
	ProductTitle string          `json:"product_title"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalPrice   decimal.Decimal `json:"total_price"`
}

type Order struct {
	ID               types.ID        `json:"id"`
	CustomerID       types.ID        `json:"customer_id"`
	OrderNumber      string          `json:"order_number"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Status           Status          `json:"status"`
	StatusVersion    int             `json:"status_version"`
	PaymentMethod    string          `json:"payment_method"`
	ShippingAddress  ShippingAddress `json:"shipping_address"`
	Approvals        Approvals       `json:"farmer_approval_status"`
	DriverID         *types.ID       `json:"driver_id,omitempty"`
	FarmerNotes      *string         `json:"farmer_notes,omitempty"`
	DriverNotes      *string         `json:"driver_notes,omitempty"`
	RejectionReason  *string         `json:"rejection_reason,omitempty"`
	ReadyForPickupAt *time.Time      `json:"ready_for_pickup_at,omitempty"`
	DriverAssignedAt *time.Time      `json:"driver_assigned_at,omitempty"`
	PickedUpAt       *time.Time      `json:"picked_up_at,omitempty"`
	InTransitAt      *time.Time      `json:"in_transit_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []Item          `json:"items"`
}

// Farmers returns the distinct farmers in item order.
func (o *Order) Farmers() []types.ID {
	seen := make(map[types.ID]bool, len(o.Items))
	var out []types.ID
	for _, it := range o.Items {
		if !seen[it.FarmerID] {
			seen[it.FarmerID] = true
			out = append(out, it.FarmerID)
		}
	}
	return out
}

func (o *Order) HasFarmer(farmerID types.ID) bool {
	for _, it := range o.Items {
		if it.FarmerID == farmerID {
			return true
		}
	}
	return false
}

// ItemsFor returns the items supplied by one farmer.
func (o *Order) ItemsFor(farmerID types.ID) []Item {
	var out []Item
	for _, it := range o.Items {
		if it.FarmerID == farmerID {
			out = append(out, it)
		}
	}
	return out
}

func (o *Order) IsAssignedDriver(id types.ID) bool {
	return o.DriverID != nil && *o.DriverID == id
}

type Event struct {
	ID         int64     `json:"id"`
	OrderID    types.ID  `json:"order_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CartLine is one cart entry joined with its product.
type CartLine struct {
	CartItemID    types.ID
	ProductID     types.ID
	FarmerID      types.ID
	ProductTitle  string
	ProductStatus string
	UnitPrice     decimal.Decimal
	Stock         int
	Quantity      int
}

// AllowedTransitions represents the fulfillment flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:          {StatusFarmerApproved, StatusFarmerRejected, StatusCancelled},
	StatusFarmerApproved:   {StatusFarmerRejected, StatusReadyForPickup},
	StatusReadyForPickup:   {StatusAssignedToDriver},
	StatusAssignedToDriver: {StatusPickedUp},
	StatusPickedUp:         {StatusInTransit},
	StatusInTransit:        {StatusDelivered},
	StatusDelivered:        {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// predecessor is the only state each driver-side step may start from.
var predecessor = map[Status]Status{
	StatusPickedUp:  StatusAssignedToDriver,
	StatusInTransit: StatusPickedUp,
	StatusDelivered: StatusInTransit,
	StatusCompleted: StatusDelivered,
}

// AggregateStatus derives the order status from farmer responses: any rejection rejects the
// order, approval by every farmer approves it, anything else leaves current unchanged.
func AggregateStatus(approvals Approvals, farmers []types.ID, current Status) Status {
	for _, a := range approvals {
		if a.Status == ApprovalRejected {
			return StatusFarmerRejected
		}
	}
	if len(farmers) == 0 {
		return current
	}
	for _, f := range farmers {
		if approvals[f].Status != ApprovalApproved {
			return current
		}
	}
	return StatusFarmerApproved
}

// TimelineStep is one entry of the customer-facing tracking view.
type TimelineStep struct {
	Status    Status     `json:"status"`
	Label     string     `json:"label"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Completed bool       `json:"completed"`
}

type FarmerApprovalView struct {
	FarmerID        types.ID       `json:"farmer_id"`
	Status          ApprovalStatus `json:"status"`
	Notes           string         `json:"notes,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	RespondedAt     *time.Time     `json:"responded_at,omitempty"`
}

type Tracking struct {
	Order     *Order               `json:"order"`
	Timeline  []TimelineStep       `json:"timeline"`
	Approvals []FarmerApprovalView `json:"farmer_approvals"`
	Events    []Event              `json:"events,omitempty"`
}

var flow = []Status{
	StatusPending, StatusFarmerApproved, StatusReadyForPickup, StatusAssignedToDriver,
	StatusPickedUp, StatusInTransit, StatusDelivered, StatusCompleted,
}

var labels = map[Status]string{
	StatusPending:          "Order placed",
	StatusFarmerApproved:   "Farmer approval",
	StatusReadyForPickup:   "Ready for pickup",
	StatusAssignedToDriver: "Driver assigned",
	StatusPickedUp:         "Picked up",
	StatusInTransit:        "In transit",
	StatusDelivered:        "Delivered",
	StatusCompleted:        "Completed",
}

// Timeline lists the fulfillment steps with their timestamps; steps up to the current one are completed.
func Timeline(o *Order) []TimelineStep {
	reached := -1
	for i, s := range flow {
		if s == o.Status {
			reached = i
		}
	}
	created := o.CreatedAt
	stamps := map[Status]*time.Time{
		StatusPending:          &created,
		StatusFarmerApproved:   lastApproval(o.Approvals),
		StatusReadyForPickup:   o.ReadyForPickupAt,
		StatusAssignedToDriver: o.DriverAssignedAt,
		StatusPickedUp:         o.PickedUpAt,
		StatusInTransit:        o.InTransitAt,
		StatusDelivered:        o.DeliveredAt,
		StatusCompleted:        o.CompletedAt,
	}
	out := make([]TimelineStep, 0, len(flow))
	for i, s := range flow {
		step := TimelineStep{Status: s, Label: labels[s], Completed: i <= reached}
		if step.Completed || s == StatusPending {
			step.Timestamp = stamps[s]
		}
		out = append(out, step)
	}
	// Terminal side states only mark the steps that actually happened.
	if o.Status == StatusFarmerRejected || o.Status == StatusCancelled {
		out[0].Completed = true
	}
	return out
}

func lastApproval(a Approvals) *time.Time {
	var last *time.Time
	for _, v := range a {
		t := v.RespondedAt
		if last == nil || t.After(*last) {
			last = &t
		}
	}
	return last
}
