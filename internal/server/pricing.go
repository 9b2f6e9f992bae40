package server

import "math"

// PricingConfig holds the checkout rules. All amounts are in cents.
type PricingConfig struct {
	TaxRate           float64
	FreeShippingCents int64
	ShippingCents     int64
}

// Totals is the server-side price breakdown of an order.
type Totals struct {
	ItemsCents    int64 `json:"items_cents"`
	TaxCents      int64 `json:"tax_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// Quote prices an order whose line items sum to itemsCents. Shipping is free
// at or above the threshold; tax is rounded half away from zero.
func (p PricingConfig) Quote(itemsCents int64) Totals {
	t := Totals{ItemsCents: itemsCents}
	if itemsCents < p.FreeShippingCents {
		t.ShippingCents = p.ShippingCents
	}
	t.TaxCents = int64(math.Round(float64(itemsCents) * p.TaxRate))
	t.TotalCents = t.ItemsCents + t.TaxCents + t.ShippingCents
	return t
}
