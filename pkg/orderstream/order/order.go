// Package order is the order event producer: it validates order requests,
// writes the order row and then publishes the lifecycle event.
package order

import (
	"slices"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

// PaymentMethod is how an order is paid.
type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "CASH"
	PaymentDebitCard  PaymentMethod = "DEBIT_CARD"
	PaymentCreditCard PaymentMethod = "CREDIT_CARD"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return slices.Contains([]PaymentMethod{PaymentCash, PaymentDebitCard, PaymentCreditCard}, m)
}

// Status is the order state. Orders are never physically removed.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusDeleted Status = "DELETED"
)

// Shipping types and carriers.
const (
	ShippingEconomic = "ECONOMIC"
	ShippingUrgent   = "URGENT"

	CarrierCorreios = "CORREIOS"
	CarrierFedex    = "FEDEX"
)

// Shipping describes delivery of an order.
type Shipping struct {
	Type    string `json:"type"`
	Carrier string `json:"carrier"`
}

// ProductSummary is the part of a catalog product kept on the order.
type ProductSummary struct {
	ID    string  `json:"id"`
	Code  string  `json:"code"`
	Price float64 `json:"price"`
}

// Billing is the payment block of an order.
type Billing struct {
	Payment    PaymentMethod `json:"payment"`
	TotalPrice float64       `json:"totalPrice"`
}

// Order is keyed by (Email, ID).
type Order struct {
	ID         string           `json:"id"`
	Email      string           `json:"email"`
	ProductIDs []string         `json:"productIds"`
	Products   []ProductSummary `json:"products"`
	Shipping   Shipping         `json:"shipping"`
	Billing    Billing          `json:"billing"`
	Status     Status           `json:"status"`
	RequestID  string           `json:"requestId,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// PaymentMethod returns the order's payment method.
func (o Order) PaymentMethod() PaymentMethod { return o.Billing.Payment }

// Total returns the sum of product prices.
func (o Order) Total() float64 { return o.Billing.TotalPrice }

// ProductCodes returns the product codes in order.
func (o Order) ProductCodes() []string {
	codes := make([]string, len(o.Products))
	for i, p := range o.Products {
		codes[i] = p.Code
	}
	return codes
}

// Event returns the payload published for the order.
func (o Order) Event() event.OrderEvent {
	return event.OrderEvent{
		Email:        o.Email,
		OrderID:      o.ID,
		Shipping:     event.Shipping{Type: o.Shipping.Type, Carrier: o.Shipping.Carrier},
		Billing:      event.Billing{Payment: string(o.Billing.Payment), TotalPrice: o.Billing.TotalPrice},
		ProductCodes: o.ProductCodes(),
		RequestID:    o.RequestID,
	}
}

func (o Order) clone() Order {
	o.ProductIDs = slices.Clone(o.ProductIDs)
	o.Products = slices.Clone(o.Products)
	return o
}

// CreateRequest is the input of CreateOrder.
type CreateRequest struct {
	Email      string        `json:"email"`
	ProductIDs []string      `json:"productIds"`
	Payment    PaymentMethod `json:"payment"`
	Shipping   Shipping      `json:"shipping"`
	RequestID  string        `json:"requestId,omitempty"`
}
