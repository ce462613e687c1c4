package order

import (
	"fmt"

	"botcore/internal/core"
	apperrors "botcore/pkg/errors"
)

// transitions is the order lifecycle matrix. Terminal states have no row.
var transitions = map[core.OrderState][]core.OrderState{
	core.OrderStatePending:    {core.OrderStateSubmitting, core.OrderStateCancelled},
	core.OrderStateSubmitting: {core.OrderStateOpen, core.OrderStateFilled, core.OrderStateRejected, core.OrderStateError},
	core.OrderStateOpen:       {core.OrderStatePartial, core.OrderStateFilled, core.OrderStateCancelling, core.OrderStateError},
	core.OrderStatePartial:    {core.OrderStateFilled, core.OrderStateCancelling, core.OrderStateError},
	core.OrderStateCancelling: {core.OrderStateFilled, core.OrderStateCancelled, core.OrderStateError},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to core.OrderState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves o to the target state, failing without mutating the order
// when the move is illegal.
func Transition(o *core.ManagedOrder, to core.OrderState) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", apperrors.ErrInvalidTransition, o.State, to, o.ID)
	}
	o.State = to
	return nil
}
