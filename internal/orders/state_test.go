package orders

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		ev      Event
		want    State
		wantErr bool
	}{
		{"signal opens", StateIdle, EvSignal, StateOpening, false},
		{"recovered position", StateIdle, EvRecoveredOpen, StateOpen, false},
		{"entry filled", StateOpening, EvOpened, StateOpen, false},
		{"entry rolled back", StateOpening, EvOpenFailed, StateIdle, false},
		{"close triggered", StateOpen, EvCloseTriggered, StateClosing, false},
		{"close confirmed", StateClosing, EvClosed, StateClosed, false},
		{"close failed", StateClosing, EvCloseFailed, StateOpen, false},
		{"archived", StateClosed, EvArchived, StateIdle, false},
		{"second signal while open", StateOpen, EvSignal, StateOpen, true},
		{"close from idle", StateIdle, EvCloseTriggered, StateIdle, true},
		{"skip closing", StateOpen, EvClosed, StateOpen, true},
		{"recover while opening", StateOpening, EvRecoveredOpen, StateOpening, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestState_HoldsPosition(t *testing.T) {
	assert.False(t, StateIdle.HoldsPosition())
	assert.True(t, StateOpening.HoldsPosition())
	assert.True(t, StateOpen.HoldsPosition())
	assert.True(t, StateClosing.HoldsPosition())
	assert.False(t, StateClosed.HoldsPosition())
}
