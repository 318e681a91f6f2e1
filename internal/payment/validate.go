package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/orders"
)

const (
	CodeEmptyCart     = "empty_cart"
	CodeNoTender      = "no_tender"
	CodeInvalidAmount = "invalid_amount"
	CodeUnknownMethod = "unknown_method"
	CodeMissingRef    = "missing_reference"
	CodeSingleTender  = "single_tender_required"
	CodeMissingShip   = "missing_shipping"
	CodeInsufficient  = "insufficient_payment"
)

// ValidationError is correctable by the operator; nothing was written.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PersistenceError means the ledger rejected the order. The checkout keeps
// its cart and tenders and can be retried.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "persist order: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Validate checks the rules that must hold before a checkout leaves
// COLLECTING_TENDERS.
func Validate(c *Checkout) error {
	return validate(c.snapshot())
}

func validate(a attempt) error {
	if len(a.lines) == 0 {
		return invalid(CodeEmptyCart, "el carrito está vacío")
	}
	if len(a.tenders) == 0 {
		return invalid(CodeNoTender, "agregue al menos un método de pago")
	}
	for i, t := range a.tenders {
		if !t.Method.Valid() {
			return invalid(CodeUnknownMethod, "pago %d: método desconocido %q", i+1, t.Method)
		}
		if !t.Amount.IsPositive() {
			return invalid(CodeInvalidAmount, "pago %d: el monto debe ser mayor a cero", i+1)
		}
		if t.Method.RequiresReference() && strings.TrimSpace(t.Reference) == "" {
			return invalid(CodeMissingRef, "pago %d: %s requiere número de referencia", i+1, t.Method.Label())
		}
	}
	if a.channel == orders.ChannelOnline {
		if len(a.tenders) != 1 {
			return invalid(CodeSingleTender, "el pedido en línea admite un solo método de pago")
		}
		if missingShipping(a.shipping) {
			return invalid(CodeMissingShip, "complete nombre, apellido, cédula y teléfono de envío")
		}
	}
	total := linesTotal(a)
	if paid := Sum(a.tenders); paid.LessThan(total) {
		return invalid(CodeInsufficient, "pagado %s de %s", paid.StringFixed(2), total.StringFixed(2))
	}
	return nil
}

func missingShipping(sh *orders.Shipping) bool {
	if sh == nil {
		return true
	}
	for _, f := range []string{sh.Name, sh.Lastname, sh.IDNumber, sh.Phone} {
		if strings.TrimSpace(f) == "" {
			return true
		}
	}
	return false
}

func linesTotal(a attempt) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range a.lines {
		sum = sum.Add(l.Total())
	}
	return sum
}
