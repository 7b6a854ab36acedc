package domain

import "time"

// ErrorMarker is the state-visible record of a recovered node failure. The
// orchestrator writes the markers of the current step into the graph's
// declared error field, where routers can inspect them to decide whether to
// retry, degrade or escalate. Markers from earlier steps survive only in the
// execution history.
type ErrorMarker struct {
	NodeID  string        `json:"node_id"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// Map renders the marker as a plain field value. State values round-trip
// through JSON in every store, so markers are kept as maps from the start.
func (m ErrorMarker) Map() map[string]any {
	return map[string]any{
		"node_id": m.NodeID,
		"reason":  string(m.Reason),
		"message": m.Message,
		"at":      m.At.Format(time.RFC3339Nano),
	}
}
