package order

import (
	"testing"

	"botcore/internal/core"
	apperrors "botcore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to core.OrderState
		want     bool
	}{
		{core.OrderStatePending, core.OrderStateSubmitting, true},
		{core.OrderStatePending, core.OrderStateCancelled, true},
		{core.OrderStatePending, core.OrderStateOpen, false},
		{core.OrderStateSubmitting, core.OrderStateOpen, true},
		{core.OrderStateSubmitting, core.OrderStateFilled, true},
		{core.OrderStateSubmitting, core.OrderStateRejected, true},
		{core.OrderStateOpen, core.OrderStatePartial, true},
		{core.OrderStateOpen, core.OrderStateCancelling, true},
		{core.OrderStatePartial, core.OrderStateFilled, true},
		{core.OrderStatePartial, core.OrderStateOpen, false},
		{core.OrderStateCancelling, core.OrderStateFilled, true},
		{core.OrderStateCancelling, core.OrderStateCancelled, true},
		{core.OrderStateFilled, core.OrderStateSubmitting, false},
		{core.OrderStateFilled, core.OrderStateCancelled, false},
		{core.OrderStateCancelled, core.OrderStateOpen, false},
		{core.OrderStateRejected, core.OrderStateOpen, false},
		{core.OrderStateError, core.OrderStateOpen, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	o := &core.ManagedOrder{ID: "o1", State: core.OrderStateFilled}

	err := Transition(o, core.OrderStateSubmitting)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, core.OrderStateFilled, o.State, "state must not change on a rejected transition")
}

func TestTransitionMovesState(t *testing.T) {
	o := &core.ManagedOrder{ID: "o1", State: core.OrderStatePending}

	require.NoError(t, Transition(o, core.OrderStateSubmitting))
	require.NoError(t, Transition(o, core.OrderStateOpen))
	require.NoError(t, Transition(o, core.OrderStatePartial))
	require.NoError(t, Transition(o, core.OrderStateFilled))
	assert.True(t, o.State.IsTerminal())
}
