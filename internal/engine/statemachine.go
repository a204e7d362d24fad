package engine

import "github.com/tradectl/control-plane/pkg/types"

// ErrInvalidTransition is returned — and always logged — when a
// caller attempts a transition not present in the legal table below,
// including any attempt to leave a terminal state.
type ErrInvalidTransition struct {
	From, To types.OrderStatus
}

func (e *ErrInvalidTransition) Error() string {
	return "invalid_transition: " + string(e.From) + " -> " + string(e.To)
}

// legalTransitions enumerates every edge of the order lifecycle graph.
// No transition is ever legal out of a terminal state — IsTerminal is
// checked ahead of this table, not encoded redundantly in it.
var legalTransitions = map[types.OrderStatus]map[types.OrderStatus]bool{
	types.OrderStatusPending: {
		types.OrderStatusSubmitted: true,
		types.OrderStatusFilled:    true,
		types.OrderStatusRejected:  true,
		types.OrderStatusPending:   true, // transient retry, retry_count++
		types.OrderStatusFailed:    true, // retry cap exceeded
	},
	types.OrderStatusSubmitted: {
		types.OrderStatusPartiallyFilled: true,
		types.OrderStatusFilled:          true,
		types.OrderStatusCancelled:       true,
		types.OrderStatusExpired:         true,
	},
	types.OrderStatusPartiallyFilled: {
		types.OrderStatusFilled:    true,
		types.OrderStatusCancelled: true,
		types.OrderStatusExpired:   true,
	},
}

// checkTransition validates from -> to against the legal table,
// rejecting any transition away from a terminal state outright.
func checkTransition(from, to types.OrderStatus) error {
	if from.IsTerminal() {
		return &ErrInvalidTransition{from, to}
	}
	edges, ok := legalTransitions[from]
	if !ok || !edges[to] {
		return &ErrInvalidTransition{from, to}
	}
	return nil
}
