package domain

import "time"

// RunStatus defines the lifecycle state of a run.
type RunStatus string

const (
	// StatusRunning means the engine has more steps to execute.
	StatusRunning RunStatus = "running"
	// StatusCompleted means the router reached a terminal decision.
	StatusCompleted RunStatus = "completed"
	// StatusInterrupted means the run is suspended awaiting external input.
	StatusInterrupted RunStatus = "interrupted"
	// StatusFailed means the run terminated fatally; Checkpoint.Reason says why.
	StatusFailed RunStatus = "failed"
)

// FailureReason classifies why a run (or a single node invocation) failed.
type FailureReason string

const (
	ReasonStepBudgetExceeded FailureReason = "step_budget_exceeded"
	ReasonCancelled          FailureReason = "cancelled"
	ReasonNodeTimeout        FailureReason = "node_timeout"
	ReasonNodeExecution      FailureReason = "node_execution_error"
	ReasonRoutingContract    FailureReason = "routing_contract_violation"
	ReasonSchemaViolation    FailureReason = "schema_violation"
)

// Outcome records how a single node invocation ended.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeRecoverableFailure Outcome = "recoverable_failure"
	OutcomeFatalFailure       Outcome = "fatal_failure"
)

// HistoryEntry is one element of a run's ordered execution history.
type HistoryEntry struct {
	NodeID  string    `json:"node_id"`
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}

// Checkpoint is an immutable snapshot of a run's progress. One checkpoint is
// written per step; the latest checkpoint for a session is always sufficient
// to reproduce the engine's next action (the cursor is part of the record).
type Checkpoint struct {
	SessionID string `json:"session_id"`
	GraphID   string `json:"graph_id"`

	// Step strictly increases per session. Step 0 reserves the session and
	// carries the initial state; steps 1..n reflect node executions.
	Step int `json:"step"`

	State map[string]any `json:"state"`

	Status RunStatus `json:"status"`

	// NextNodes is the cursor: the node set the engine will execute next.
	// Empty unless Status is StatusRunning.
	NextNodes []string `json:"next_nodes,omitempty"`

	// PendingNode is set while Status is StatusInterrupted: the node that
	// will execute once external input arrives.
	PendingNode string `json:"pending_node,omitempty"`

	// Reason is set when Status is StatusFailed.
	Reason FailureReason `json:"reason,omitempty"`

	// LastNode is the most recently completed node, reported by Status()
	// alongside the failure reason.
	LastNode string `json:"last_node,omitempty"`

	History []HistoryEntry `json:"history"`

	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the checkpoint chain is still in progress, i.e.
// the session cannot be restarted with Start.
func (c *Checkpoint) Active() bool {
	return c.Status == StatusRunning || c.Status == StatusInterrupted
}

// Terminal reports whether the run reached one of its end states.
func (c *Checkpoint) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// Clone returns a copy that shares no mutable structure with the receiver.
// Field values themselves are treated as immutable once merged.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	next := *c
	next.State = make(map[string]any, len(c.State))
	for k, v := range c.State {
		next.State[k] = v
	}
	next.NextNodes = append([]string(nil), c.NextNodes...)
	next.History = append([]HistoryEntry(nil), c.History...)
	return &next
}
