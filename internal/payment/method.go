// Package payment reconciles tenders against a cart and commits the order.
package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/orders"
)

type Method string

const (
	CashForeign  Method = "efectivo_divisa"
	CashLocal    Method = "efectivo_bs"
	MobilePay    Method = "pago_movil"
	BankTransfer Method = "banco_venezuela"
	Installments Method = "cashea"
	Points       Method = "puntos"
)

var methodLabels = map[Method]string{
	CashForeign:  "Efectivo (Divisa)",
	CashLocal:    "Efectivo (Bs)",
	MobilePay:    "Pago Móvil",
	BankTransfer: "Banco de Venezuela",
	Installments: "Cashea",
	Points:       "Puntos",
}

func (m Method) Valid() bool {
	_, ok := methodLabels[m]
	return ok
}

func (m Method) Label() string {
	if l, ok := methodLabels[m]; ok {
		return l
	}
	return string(m)
}

// RequiresReference is true for instruments the store can only verify
// against an external confirmation number.
func (m Method) RequiresReference() bool {
	switch m {
	case MobilePay, BankTransfer, Installments:
		return true
	}
	return false
}

// Tender is one declared payment toward an order, always in USD.
type Tender struct {
	Method    Method          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// String renders the tender as method:amount[:ref].
func (t Tender) String() string {
	s := fmt.Sprintf("%s:%s", t.Method, t.Amount.StringFixed(2))
	if t.Reference != "" {
		s += ":" + t.Reference
	}
	return s
}

func (t Tender) record() orders.Tender {
	return orders.Tender{Method: string(t.Method), Amount: t.Amount, Reference: t.Reference}
}

// Summary joins tenders into the single descriptive field kept on the order.
func Summary(ts []Tender) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, " | ")
}

func Sum(ts []Tender) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range ts {
		sum = sum.Add(t.Amount)
	}
	return sum
}
