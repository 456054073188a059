package actions

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/interactions"
)

// Action names an interaction slot. Each (entity, action) pair runs its own state machine.
type Action string

const (
	ActionLike          Action = "like"
	ActionComment       Action = "comment"
	ActionDeleteComment Action = "delete-comment"
	ActionShare         Action = "share"
)

// Phase is the state of one action slot.
type Phase int

const (
	Idle Phase = iota
	Pending
	Confirmed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

type trigger int

const (
	triggerInvoke trigger = iota
	triggerSuccess
	triggerFailure
	triggerTimeout
	triggerSettle
)

func (t trigger) String() string {
	switch t {
	case triggerInvoke:
		return "invoke"
	case triggerSuccess:
		return "success"
	case triggerFailure:
		return "failure"
	case triggerTimeout:
		return "timeout"
	default:
		return "settle"
	}
}

// transitions is the complete table; anything missing is an illegal move.
var transitions = map[Phase]map[trigger]Phase{
	Idle:      {triggerInvoke: Pending},
	Pending:   {triggerSuccess: Confirmed, triggerFailure: Failed, triggerTimeout: Failed},
	Confirmed: {triggerSettle: Idle},
	Failed:    {triggerSettle: Idle},
}

func advance(from Phase, on trigger) (Phase, error) {
	if next, ok := transitions[from][on]; ok {
		return next, nil
	}
	return from, fmt.Errorf("actions: illegal transition %s on %s", from, on)
}

type slotKey struct {
	entity interactions.EntityRef
	action Action
}

// Notice is a user-visible failure of one action.
type Notice struct {
	Entity interactions.EntityRef
	Action Action
	Err    error
}
