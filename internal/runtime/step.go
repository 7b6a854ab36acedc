package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/graph"
	"github.com/aretw0/canopy/pkg/registry"
	"github.com/aretw0/canopy/pkg/schema"
)

// nodeResult is the explicit outcome of one isolated node invocation. The
// engine inspects it instead of relying on stack unwinding.
type nodeResult struct {
	desc     registry.Descriptor
	delta    schema.Delta
	err      error
	fatal    bool
	reason   domain.FailureReason
	duration time.Duration
}

// loop advances the run one step at a time until a terminal, interrupt or
// fatal condition is reached. It returns the last checkpoint written; a
// non-nil error means the store failed and the run's true state is whatever
// was last persisted.
func (o *Orchestrator) loop(ctx context.Context, ckpt *domain.Checkpoint) (*domain.Checkpoint, error) {
	state := schema.FromSnapshot(ckpt.State)

	for ckpt.Status == domain.StatusRunning {
		// Cancellation takes effect at the step boundary.
		if ctx.Err() != nil {
			return o.finalize(ctx, ckpt, state, domain.ReasonCancelled)
		}
		// Cycle-termination guard.
		if ckpt.Step >= o.graph.Budget() {
			return o.finalize(ctx, ckpt, state, domain.ReasonStepBudgetExceeded)
		}

		results := o.execute(ctx, ckpt, state)

		if fatal, ok := pickFatal(results); ok {
			o.logger.Error("node failed fatally",
				"session_id", ckpt.SessionID,
				"node", fatal.desc.ID,
				"reason", fatal.reason,
				"err", fatal.err,
			)
			return o.finalize(ctx, ckpt, state, fatal.reason)
		}

		next := &domain.Checkpoint{
			SessionID: ckpt.SessionID,
			GraphID:   ckpt.GraphID,
			Step:      ckpt.Step + 1,
			Status:    domain.StatusRunning,
			History:   ckpt.History,
			LastNode:  ckpt.LastNode,
			CreatedAt: time.Now().UTC(),
		}

		// Join: deltas merge in node-id order. Build-time disjointness of
		// fan-out write sets makes the order immaterial, but a fixed order
		// keeps strategy errors deterministic.
		var markers []any
		for _, r := range results {
			if r.err != nil {
				markers = append(markers, domain.ErrorMarker{
					NodeID:  r.desc.ID,
					Reason:  r.reason,
					Message: r.err.Error(),
					At:      next.CreatedAt,
				}.Map())
				next.History = append(next.History, domain.HistoryEntry{
					NodeID: r.desc.ID, Outcome: domain.OutcomeRecoverableFailure, At: next.CreatedAt,
				})
				continue
			}
			merged, err := schema.Merge(o.graph.Schema(), state, r.delta, r.desc.Writes)
			if err != nil {
				o.logger.Error("delta rejected",
					"session_id", ckpt.SessionID,
					"node", r.desc.ID,
					"err", err,
				)
				return o.finalize(ctx, ckpt, state, domain.ReasonSchemaViolation)
			}
			state = merged
			next.History = append(next.History, domain.HistoryEntry{
				NodeID: r.desc.ID, Outcome: domain.OutcomeSuccess, At: next.CreatedAt,
			})
			next.LastNode = r.desc.ID
		}

		// The error field always reflects the current step: markers on
		// failure, cleared again once the step is clean. Routers inspect it
		// to decide whether to retry, degrade or escalate.
		if len(markers) > 0 {
			state = state.WithField(o.graph.ErrorField(), markers)
		} else if prev, ok := state.Get(o.graph.ErrorField()); ok && prev != nil {
			state = state.WithField(o.graph.ErrorField(), []any{})
		}

		decision, err := o.graph.Next(ckpt.NextNodes, state.View(nil))
		if err != nil {
			o.logger.Error("routing failed", "session_id", ckpt.SessionID, "err", err)
			return o.finalize(ctx, ckpt, state, domain.ReasonRoutingContract)
		}

		next.State = state.Snapshot()
		switch decision.Kind {
		case graph.KindTerminal:
			next.Status = domain.StatusCompleted
		case graph.KindInterrupt:
			next.Status = domain.StatusInterrupted
			next.PendingNode = decision.Pending
		default:
			next.NextNodes = decision.Nodes
		}

		// Persist even when cancellation raced the step: the completed work
		// is durable and the cancel lands at the next boundary.
		if err := o.sessions.Store().Save(context.WithoutCancel(ctx), next); err != nil {
			return ckpt, fmt.Errorf("failed to persist checkpoint: %w", err)
		}
		if o.hooks.OnStep != nil {
			o.hooks.OnStep(ctx, &domain.StepEvent{
				SessionID: next.SessionID,
				GraphID:   next.GraphID,
				Step:      next.Step,
				Status:    next.Status,
			})
		}
		ckpt = next
	}

	return ckpt, nil
}

// execute runs the cursor's node set. A single node runs inline; a fan-out
// set runs concurrently and the step suspends until every member completes
// or one reports an unrecoverable failure (which cancels the rest
// cooperatively). Results come back in cursor (node-id) order.
func (o *Orchestrator) execute(ctx context.Context, ckpt *domain.Checkpoint, state schema.State) []nodeResult {
	ids := ckpt.NextNodes
	results := make([]nodeResult, len(ids))

	if len(ids) == 1 {
		results[0] = o.invoke(ctx, ckpt, ids[0], state)
		return results
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = o.invoke(groupCtx, ckpt, id, state)
			if results[i].fatal {
				return fmt.Errorf("node %s: fatal", id)
			}
			return nil
		})
	}
	_ = g.Wait() // fatality is read from the results themselves
	return results
}

// invoke wraps one node invocation in the isolating boundary: panics and
// errors never escape, they become a classified nodeResult.
func (o *Orchestrator) invoke(ctx context.Context, ckpt *domain.Checkpoint, id string, state schema.State) nodeResult {
	desc, err := o.graph.Node(id)
	if err != nil {
		// Unregistered cursor entries cannot happen for compiled graphs.
		return nodeResult{desc: registry.Descriptor{ID: id}, err: err, fatal: true, reason: domain.ReasonNodeExecution}
	}

	if o.hooks.OnNodeStart != nil {
		o.hooks.OnNodeStart(ctx, &domain.NodeEvent{
			SessionID: ckpt.SessionID, GraphID: ckpt.GraphID, NodeID: id, Step: ckpt.Step + 1,
		})
	}

	timeout := desc.Timeout
	if timeout == 0 {
		timeout = o.defaultTimeout
	}
	nodeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	delta, err := safeInvoke(nodeCtx, desc, state)
	res := o.classify(ctx, nodeCtx, desc, delta, err)
	res.duration = time.Since(started)

	if o.hooks.OnNodeEnd != nil {
		outcome := domain.OutcomeSuccess
		switch {
		case res.fatal:
			outcome = domain.OutcomeFatalFailure
		case res.err != nil:
			outcome = domain.OutcomeRecoverableFailure
		}
		o.hooks.OnNodeEnd(ctx, &domain.NodeEvent{
			SessionID: ckpt.SessionID, GraphID: ckpt.GraphID, NodeID: id, Step: ckpt.Step + 1,
			Outcome: outcome, Duration: res.duration,
		})
	}
	return res
}

// safeInvoke converts panics inside node logic into ordinary errors so no
// single node can crash the host process.
func safeInvoke(ctx context.Context, desc registry.Descriptor, state schema.State) (delta schema.Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", desc.ID, r)
		}
	}()
	return desc.Fn(ctx, state.View(desc.Reads))
}

// classify maps a raw node error onto the recoverable/fatal taxonomy.
func (o *Orchestrator) classify(ctx, nodeCtx context.Context, desc registry.Descriptor, delta schema.Delta, err error) nodeResult {
	res := nodeResult{desc: desc, delta: delta, err: err}
	if err == nil {
		return res
	}

	switch {
	case errors.Is(nodeCtx.Err(), context.DeadlineExceeded):
		// Timeouts are recoverable only when a retry is known to be safe.
		res.err = fmt.Errorf("node %s timed out", desc.ID)
		res.reason = domain.ReasonNodeTimeout
		res.fatal = !desc.Idempotent
	case errors.Is(ctx.Err(), context.Canceled):
		res.reason = domain.ReasonCancelled
		res.fatal = true
	case domain.IsFatal(err):
		res.reason = domain.ReasonNodeExecution
		res.fatal = true
	default:
		res.reason = domain.ReasonNodeExecution
	}
	return res
}

// pickFatal selects the result that should determine the run's failure
// reason: a member's own fatality wins over the cooperative cancellations it
// caused in its fan-out siblings.
func pickFatal(results []nodeResult) (nodeResult, bool) {
	var cancelled *nodeResult
	for i := range results {
		if !results[i].fatal {
			continue
		}
		if results[i].reason != domain.ReasonCancelled {
			return results[i], true
		}
		if cancelled == nil {
			cancelled = &results[i]
		}
	}
	if cancelled != nil {
		return *cancelled, true
	}
	return nodeResult{}, false
}

// finalize writes the fatal checkpoint that ends the run.
func (o *Orchestrator) finalize(ctx context.Context, ckpt *domain.Checkpoint, state schema.State, reason domain.FailureReason) (*domain.Checkpoint, error) {
	final := &domain.Checkpoint{
		SessionID: ckpt.SessionID,
		GraphID:   ckpt.GraphID,
		Step:      ckpt.Step + 1,
		State:     state.Snapshot(),
		Status:    domain.StatusFailed,
		Reason:    reason,
		LastNode:  ckpt.LastNode,
		History:   ckpt.History,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sessions.Store().Save(context.WithoutCancel(ctx), final); err != nil {
		return ckpt, fmt.Errorf("failed to persist fatal checkpoint: %w", err)
	}
	return final, nil
}
