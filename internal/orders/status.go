package orders

import "errors"

type Status string

const (
	StatusPending    Status = "Pendiente"
	StatusInProgress Status = "En Proceso"
	StatusCompleted  Status = "Completado"
	StatusCancelled  Status = "Cancelado"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusCompleted: true, StatusCancelled: true},
	StatusInProgress: {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal statuses can only be changed by an admin.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CanChange applies the staff rule: admins may set any valid status,
// cashiers are bound by the transition table.
func CanChange(admin bool, from, to Status) bool {
	if !to.Valid() || from == to {
		return false
	}
	if admin {
		return true
	}
	return CanTransition(from, to)
}

// PaymentStatusFor is the payment status implied by moving an order to s.
// ok is false when the status change leaves the payment status alone.
func PaymentStatusFor(s Status) (PaymentStatus, bool) {
	if s == StatusCompleted {
		return PaymentCompleted, true
	}
	return "", false
}
