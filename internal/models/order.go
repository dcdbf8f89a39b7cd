package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the persisted order entity. OrderKey is the external system's
// natural key and is unique; LineItems holds internal product ids in line-item
// order and only ever references products that exist at commit time.
type Order struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"external_id"`
	Number       string          `json:"number"`
	OrderKey     string          `json:"order_key"`
	Status       string          `json:"status"`
	DateCreated  time.Time       `json:"date_created"`
	Total        decimal.Decimal `json:"total"`
	CustomerID   string          `json:"customer_id"`
	CustomerNote string          `json:"customer_note"`
	Billing      map[string]any  `json:"billing"`
	Shipping     map[string]any  `json:"shipping"`
	LineItems    []string        `json:"line_items"`
}

// BillingEmail extracts the contact address from the opaque billing block.
// Empty when no address is on file.
func (o Order) BillingEmail() string {
	v, _ := o.Billing["email"].(string)
	return v
}

// BillingName joins billing first and last name for notification payloads.
func (o Order) BillingName() string {
	first, _ := o.Billing["first_name"].(string)
	last, _ := o.Billing["last_name"].(string)
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
