package order

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPreparing Status = "PREPARING"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// transitions lists the legal source states of every target state.
var transitions = map[Status][]Status{
	StatusPreparing: {StatusPending},
	StatusShipped:   {StatusPreparing},
	StatusDelivered: {StatusShipped},
	StatusCancelled: {StatusPending, StatusPreparing, StatusShipped},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// AllowedFrom returns the states an order may move to `to` from.
func AllowedFrom(to Status) []Status {
	from := transitions[to]
	out := make([]Status, len(from))
	copy(out, from)
	return out
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
