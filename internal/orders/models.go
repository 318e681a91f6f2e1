package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelPOS    Channel = "pos"
	ChannelOnline Channel = "online"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type Customer struct {
	Name     string `json:"name"`
	IDNumber string `json:"id_number,omitempty"` // cédula
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type Shipping struct {
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	IDNumber string `json:"id_number"`
	Phone    string `json:"phone"`
}

// Line is a copy of the product as sold. It never points back at the live
// product, so later price edits do not rewrite history.
type Line struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"product_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Tender struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type Order struct {
	ID                string          `json:"id"`
	Reference         string          `json:"payment_reference"`
	Channel           Channel         `json:"channel"`
	Customer          Customer        `json:"customer"`
	Shipping          *Shipping       `json:"shipping,omitempty"`
	Lines             []Line          `json:"items"`
	Tenders           []Tender        `json:"tenders"`
	MethodSummary     string          `json:"payment_method"`
	Total             decimal.Decimal `json:"total"`
	Change            decimal.Decimal `json:"change_due"`
	Status            Status          `json:"status"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	CustomerReference string          `json:"customer_reference,omitempty"`
	Instructions      string          `json:"payment_instructions,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LinesTotal sums the snapshot lines; for a well-formed order it equals Total.
func (o *Order) LinesTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

func (o *Order) Tendered() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range o.Tenders {
		sum = sum.Add(t.Amount)
	}
	return sum
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status    Status
	Reference string // case-insensitive prefix
	From, To  time.Time
	Limit     int
	Offset    int
}
