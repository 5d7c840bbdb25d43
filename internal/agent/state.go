package agent

import (
	"fmt"

	"treehouse/internal/apperr"
	"treehouse/internal/model"
)

// Trigger is an input to the agent state machine.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerExitOK
	TriggerExitFail
	TriggerInterrupt
	TriggerSpawnFail
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerExitOK:
		return "exit-ok"
	case TriggerExitFail:
		return "exit-fail"
	case TriggerInterrupt:
		return "interrupt"
	case TriggerSpawnFail:
		return "spawn-fail"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// Transition is the single source of truth for agent status changes:
//
//	idle|error --start--> running
//	running --exit-ok--> idle
//	running --exit-fail|spawn-fail--> error
//	any --interrupt--> idle
func Transition(from model.SessionStatus, t Trigger) (model.SessionStatus, error) {
	switch t {
	case TriggerStart:
		if from == model.StatusRunning {
			return from, apperr.E(apperr.Op("agent.Send"), apperr.KindConflict, apperr.ErrAlreadyRunning)
		}
		return model.StatusRunning, nil
	case TriggerInterrupt:
		return model.StatusIdle, nil
	case TriggerExitOK, TriggerExitFail, TriggerSpawnFail:
		if from != model.StatusRunning {
			return from, fmt.Errorf("%s while %s", t, from)
		}
		if t == TriggerExitOK {
			return model.StatusIdle, nil
		}
		return model.StatusError, nil
	}
	return from, fmt.Errorf("unknown trigger %s", t)
}
