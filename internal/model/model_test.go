package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{StatusIdle, StatusRunning, true},
		{StatusRunning, StatusIdle, true},
		{StatusRunning, StatusError, true},
		{StatusError, StatusRunning, true},
		{StatusError, StatusIdle, true},
		{StatusIdle, SessionStatus("paused"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSessionTransition(t *testing.T) {
	s := &Session{ID: "session-1", Status: StatusIdle}
	require.NoError(t, s.Transition(StatusRunning))
	assert.Equal(t, StatusRunning, s.Status)

	err := s.Transition(SessionStatus("bogus"))
	require.Error(t, err)
	assert.Equal(t, StatusRunning, s.Status)
}
