package domain

// Status is the caller-facing view of a session, derived from its latest
// checkpoint.
type Status struct {
	SessionID   string        `json:"session_id"`
	State       RunStatus     `json:"state"`
	Step        int           `json:"step"`
	PendingNode string        `json:"pending_node,omitempty"`
	Reason      FailureReason `json:"reason,omitempty"`
	LastNode    string        `json:"last_node,omitempty"`
}

// StatusOf projects a checkpoint into a Status.
func StatusOf(c *Checkpoint) Status {
	return Status{
		SessionID:   c.SessionID,
		State:       c.Status,
		Step:        c.Step,
		PendingNode: c.PendingNode,
		Reason:      c.Reason,
		LastNode:    c.LastNode,
	}
}
