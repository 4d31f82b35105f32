package ocpp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateDisconnected, EventConnect, StatePendingBoot, true},
		{StatePendingBoot, EventBoot, StateAvailable, true},
		{StateAvailable, EventPreparing, StatePreparing, true},
		{StatePreparing, EventAvailable, StateAvailable, true},
		{StateAvailable, EventStartTransaction, StateCharging, true},
		{StatePreparing, EventStartTransaction, StateCharging, true},
		{StateCharging, EventStopTransaction, StateFinishing, true},
		{StateFinishing, EventFinished, StateAvailable, true},
		{StateCharging, EventStartTransaction, StateCharging, false},
		{StatePendingBoot, EventStartTransaction, StatePendingBoot, false},
		{StateAvailable, EventBoot, StateAvailable, false},
		{StateAvailable, EventStopTransaction, StateAvailable, false},
		{StateFaulted, EventBoot, StateFaulted, false},
		{StateCharging, EventFault, StateFaulted, true},
		{StateFaulted, EventDisconnect, StateDisconnected, true},
		{StateCharging, EventDisconnect, StateDisconnected, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			to, err := Next(tt.from, tt.ev)
			assert.Equal(t, tt.to, to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidStateTransition))
			}
		})
	}
}

func TestStateConnected(t *testing.T) {
	assert.False(t, StateDisconnected.Connected())
	assert.True(t, StatePendingBoot.Connected())
	assert.True(t, StateFaulted.Connected())
}
