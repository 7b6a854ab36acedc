package domain

import (
	"context"
	"time"
)

// NodeEvent describes the start or end of a single node invocation.
type NodeEvent struct {
	SessionID string
	GraphID   string
	NodeID    string
	Step      int
	Outcome   Outcome       // set on end events
	Duration  time.Duration // set on end events
}

// StepEvent describes a completed engine step (checkpoint written).
type StepEvent struct {
	SessionID string
	GraphID   string
	Step      int
	Status    RunStatus
}

// RunEvent describes the end of a run.
type RunEvent struct {
	SessionID string
	GraphID   string
	Status    RunStatus
	Reason    FailureReason
	Steps     int
}

// LifecycleHooks are optional callbacks for engine observability. Nil
// members are skipped. Hooks run synchronously on the engine goroutine and
// must not block.
type LifecycleHooks struct {
	OnNodeStart func(context.Context, *NodeEvent)
	OnNodeEnd   func(context.Context, *NodeEvent)
	OnStep      func(context.Context, *StepEvent)
	OnRunEnd    func(context.Context, *RunEvent)
}
