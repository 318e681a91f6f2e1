package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("product not found")
	ErrInvalidQuantity = errors.New("quantity must be zero or positive")
	ErrInvalidPrice    = errors.New("price must be positive")
)

// Product mirrors a row of the products table. PriceUSD is the authoritative
// monetary value; any local-currency figure is derived at render time.
type Product struct {
	ID          int64            `json:"id"`
	Code        string           `json:"code"`
	Barcode     string           `json:"barcode,omitempty"`
	Name        string           `json:"name"`
	PriceUSD    decimal.Decimal  `json:"price_usd"`
	Quantity    int              `json:"quantity"`
	Category    string           `json:"category"`
	Subcategory string           `json:"subcategory"`
	Weight      *decimal.Decimal `json:"weight,omitempty"`
	WeightUnit  string           `json:"weight_unit,omitempty"`
	IVAStatus   string           `json:"iva_status,omitempty"` // E exento, N no exento
	ImageURL    string           `json:"imageurl,omitempty"`
	BestSeller  bool             `json:"isbestseller"`
	Version     int64            `json:"version"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (p Product) Available() bool { return p.Quantity > 0 }

// Patch is a field-level change. Nil fields are left untouched.
type Patch struct {
	Name     *string          `json:"name,omitempty"`
	PriceUSD *decimal.Decimal `json:"price_usd,omitempty"`
	Quantity *int             `json:"quantity,omitempty"`
}

func (pt Patch) Apply(p Product) Product {
	if pt.Name != nil {
		p.Name = *pt.Name
	}
	if pt.PriceUSD != nil {
		p.PriceUSD = *pt.PriceUSD
	}
	if pt.Quantity != nil {
		p.Quantity = *pt.Quantity
	}
	return p
}

func (pt Patch) Empty() bool {
	return pt.Name == nil && pt.PriceUSD == nil && pt.Quantity == nil
}

type ChangeKind string

const (
	Inserted ChangeKind = "inserted"
	Updated  ChangeKind = "updated"
	Deleted  ChangeKind = "deleted"
)

// ChangeEvent is one row-level change of the products table. Product is the
// full row for inserts and updates and nil for deletes.
type ChangeEvent struct {
	Kind    ChangeKind `json:"kind"`
	ID      int64      `json:"id"`
	Version int64      `json:"version"`
	Product *Product   `json:"product,omitempty"`
}

func InsertedEvent(p Product) ChangeEvent {
	return ChangeEvent{Kind: Inserted, ID: p.ID, Version: p.Version, Product: &p}
}

func UpdatedEvent(p Product) ChangeEvent {
	return ChangeEvent{Kind: Updated, ID: p.ID, Version: p.Version, Product: &p}
}

func DeletedEvent(id, version int64) ChangeEvent {
	return ChangeEvent{Kind: Deleted, ID: id, Version: version}
}
