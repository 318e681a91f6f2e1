package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rates converts USD to bolívares for display. ok is false when no rate is
// known.
type Rates interface {
	Convert(usd decimal.Decimal) (decimal.Decimal, bool)
}

// Instructions tells an online customer how to pay. Local-currency methods
// quote bolívares when a rate is known and fall back to USD otherwise.
func Instructions(m Method, total decimal.Decimal, orderRef, customerRef string, rates Rates) string {
	usd := fmt.Sprintf("$%s USD", total.StringFixed(2))
	local := usd
	if rates != nil {
		if bs, ok := rates.Convert(total); ok {
			local = FormatBs(bs) + " Bs"
		}
	}

	var s string
	switch m {
	case CashForeign:
		s = "Paga en efectivo al recibir el pedido. Total: " + usd + "."
	case CashLocal:
		s = "Paga en efectivo al recibir el pedido. Total: " + local + "."
	case MobilePay:
		s = "Realiza el pago móvil a: Banco 0102, CI V-21.210.021, Teléfono 0414-2122121. Monto: " + local + "."
	case BankTransfer:
		s = "Transfiere a cuenta: 0102-1234-5678-9012, Bodegón Baraure Center C.A. Monto: " + local + "."
	case Installments:
		s = "Escanea el código QR con la app Cashea. Total: " + usd + "."
	case Points:
		s = "Se descontarán tus puntos al confirmar el pedido. Total: " + usd + "."
	}
	if customerRef != "" {
		s += " Tu referencia: " + customerRef + "."
	}
	return strings.TrimSpace(s + " Referencia del pedido: " + orderRef)
}

// FormatBs renders an amount the way Venezuelan receipts do: 1.234,56.
func FormatBs(d decimal.Decimal) string {
	s := d.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := b.String() + "," + frac
	if neg {
		out = "-" + out
	}
	return out
}
