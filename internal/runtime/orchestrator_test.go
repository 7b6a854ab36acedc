package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/canopy/internal/runtime"
	"github.com/aretw0/canopy/pkg/adapters/memory"
	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/graph"
	"github.com/aretw0/canopy/pkg/ports"
	"github.com/aretw0/canopy/pkg/schema"
	"github.com/aretw0/canopy/pkg/session"
)

func testSchema() schema.Schema {
	return schema.Schema{
		"value":   schema.Overwrite(),
		"left":    schema.Overwrite(),
		"right":   schema.Overwrite(),
		"notes":   schema.Append(),
		"counter": schema.Reduce("sum", sumInts),
		"errors":  schema.Append(),
	}
}

func sumInts(old, next any) (any, error) {
	a, _ := old.(int)
	b, ok := next.(int)
	if !ok {
		return nil, fmt.Errorf("expected int, got %T", next)
	}
	return a + b, nil
}

type env struct {
	orch  *runtime.Orchestrator
	store ports.CheckpointStore
}

func newEnv(t *testing.T, g *graph.Graph, opts ...runtime.Option) env {
	t.Helper()
	store := memory.NewStore()
	return env{
		orch:  runtime.New(g, session.NewManager(store), opts...),
		store: store,
	}
}

func waitFor(t *testing.T, run *runtime.Run) *domain.Checkpoint {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := run.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, final)
	return final
}

func counterOf(ckpt *domain.Checkpoint) int {
	n, _ := ckpt.State["counter"].(int)
	return n
}

func errorMarkers(ckpt *domain.Checkpoint) []any {
	markers, _ := ckpt.State["errors"].([]any)
	return markers
}

// --- linear execution ---

func TestRun_LinearGraphCompletes(t *testing.T) {
	g, err := graph.New("linear", testSchema()).
		AddNode("fetch", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"value": "raw"}, nil
		}, graph.Writes("value")).
		AddNode("summarize", func(_ context.Context, view schema.View) (schema.Delta, error) {
			return schema.Delta{"notes": []any{"summary of " + view.GetString("value")}}, nil
		}, graph.Reads("value"), graph.Writes("notes")).
		AddEdge("fetch", "summarize").
		AddEdge("summarize", graph.End).
		Entry("fetch").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Step)
	assert.Equal(t, "raw", final.State["value"])
	assert.Equal(t, []any{"summary of raw"}, final.State["notes"])
	assert.Equal(t, "summarize", final.LastNode)

	require.Len(t, final.History, 2)
	assert.Equal(t, "fetch", final.History[0].NodeID)
	assert.Equal(t, domain.OutcomeSuccess, final.History[0].Outcome)
	assert.Equal(t, "summarize", final.History[1].NodeID)

	// One checkpoint per step, plus the step-0 reservation.
	steps, err := e.store.Steps(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, steps)
}

func TestStart_SeedsInitialState(t *testing.T) {
	g, err := graph.New("seeded", testSchema()).
		AddNode("echo", func(_ context.Context, view schema.View) (schema.Delta, error) {
			return schema.Delta{"notes": []any{view.GetString("value")}}, nil
		}, graph.Reads("value"), graph.Writes("notes")).
		AddEdge("echo", graph.End).
		Entry("echo").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", map[string]any{"value": "hello"})
	require.NoError(t, err)

	final := waitFor(t, run)
	assert.Equal(t, []any{"hello"}, final.State["notes"])
}

func TestStart_RejectsUndeclaredSeedField(t *testing.T) {
	g := loopGraph(t, 1, graph.DefaultStepBudget)
	e := newEnv(t, g)

	_, err := e.orch.Start(context.Background(), "s1", map[string]any{"bogus": 1})

	var violation *schema.Violation
	assert.ErrorAs(t, err, &violation)
}

// --- cycles and the step budget ---

// loopGraph increments counter each step and terminates once it reaches
// rounds.
func loopGraph(t *testing.T, rounds, budget int) *graph.Graph {
	t.Helper()
	g, err := graph.New("loop", testSchema()).
		AddNode("work", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"counter": 1}, nil
		}, graph.Reads("counter"), graph.Writes("counter")).
		Route("work", func(view schema.View) graph.Decision {
			if n, _ := view.Get("counter"); n != nil {
				if c, ok := n.(int); ok && c >= rounds {
					return graph.Terminal()
				}
			}
			return graph.Goto("work")
		}, graph.Goto("work"), graph.Terminal()).
		Entry("work").
		StepBudget(budget).
		Compile()
	require.NoError(t, err)
	return g
}

func TestRun_CyclicGraphCompletesWithinBudget(t *testing.T) {
	e := newEnv(t, loopGraph(t, 4, graph.DefaultStepBudget))

	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 4, final.Step)
	assert.Equal(t, 4, counterOf(final))
	assert.Len(t, final.History, 4)
}

func TestRun_StepBudgetExceeded(t *testing.T) {
	// The loop wants 100 rounds but the budget stops it at 5.
	e := newEnv(t, loopGraph(t, 100, 5))

	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonStepBudgetExceeded, final.Reason)
	assert.Equal(t, 5, counterOf(final), "work already done stays in state")
	assert.Len(t, final.History, 5)
	assert.Equal(t, 6, final.Step, "the fatal checkpoint is its own step")
}

// --- session exclusivity ---

func TestStart_DuplicateSessionRejected(t *testing.T) {
	e := newEnv(t, loopGraph(t, 1, graph.DefaultStepBudget))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	// The chain is terminal, restart is still rejected: session IDs are
	// single-use so the audit trail never forks.
	_, err = e.orch.Start(ctx, "s1", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)
}

func TestStart_InFlightSessionIsDuplicate(t *testing.T) {
	gate := make(chan struct{})
	g, err := graph.New("gated", testSchema()).
		AddNode("hold", func(ctx context.Context, _ schema.View) (schema.Delta, error) {
			select {
			case <-gate:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).
		AddEdge("hold", graph.End).
		Entry("hold").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)

	// The first run is still holding the session; its reservation
	// checkpoint already exists, so the second Start is a duplicate.
	_, err = e.orch.Start(ctx, "s1", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)

	close(gate)
	waitFor(t, run)
}

// --- failure isolation ---

func TestRun_RecoverableFailuresThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	g, err := graph.New("flaky", testSchema()).
		AddNode("flaky", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			if attempts.Add(1) <= 2 {
				return nil, errors.New("upstream unavailable")
			}
			return schema.Delta{"value": "finally"}, nil
		}, graph.Writes("value")).
		Route("flaky", func(view schema.View) graph.Decision {
			if view.Len("errors") > 0 {
				return graph.Goto("flaky")
			}
			return graph.Terminal()
		}, graph.Goto("flaky"), graph.Terminal()).
		Entry("flaky").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "finally", final.State["value"])

	require.Len(t, final.History, 3)
	assert.Equal(t, domain.OutcomeRecoverableFailure, final.History[0].Outcome)
	assert.Equal(t, domain.OutcomeRecoverableFailure, final.History[1].Outcome)
	assert.Equal(t, domain.OutcomeSuccess, final.History[2].Outcome)

	// The marker field reflects the current step only: it is cleared again
	// once a step completes cleanly.
	assert.Empty(t, errorMarkers(final))

	// The failed step's checkpoint carries the marker for routers to see.
	mid, err := e.store.Step(ctx, "s1", 1)
	require.NoError(t, err)
	markers := errorMarkers(mid)
	require.Len(t, markers, 1)
	marker, ok := markers[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "flaky", marker["node_id"])
	assert.Equal(t, string(domain.ReasonNodeExecution), marker["reason"])
	assert.Contains(t, marker["message"], "upstream unavailable")
}

func TestRun_PanicIsRecoveredIntoMarker(t *testing.T) {
	var calls atomic.Int32
	g, err := graph.New("panicky", testSchema()).
		AddNode("explode", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			if calls.Add(1) == 1 {
				panic("index out of range")
			}
			return schema.Delta{"value": "recovered"}, nil
		}, graph.Writes("value")).
		Route("explode", func(view schema.View) graph.Decision {
			if view.Len("errors") > 0 {
				return graph.Goto("explode")
			}
			return graph.Terminal()
		}, graph.Goto("explode"), graph.Terminal()).
		Entry("explode").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "recovered", final.State["value"])

	mid, err := e.store.Step(context.Background(), "s1", 1)
	require.NoError(t, err)
	markers := errorMarkers(mid)
	require.Len(t, markers, 1)
	marker := markers[0].(map[string]any)
	assert.Contains(t, marker["message"], "panicked")
}

func TestRun_FatalErrorTerminatesRun(t *testing.T) {
	g, err := graph.New("fatal", testSchema()).
		AddNode("doomed", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, domain.Fatalf("credentials revoked")
		}).
		AddEdge("doomed", graph.End).
		Entry("doomed").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonNodeExecution, final.Reason)
	assert.Equal(t, 1, final.Step)
}

func TestRun_SchemaViolationIsFatal(t *testing.T) {
	g, err := graph.New("offside", testSchema()).
		AddNode("offside", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"value": "x"}, nil // not in the write set
		}, graph.Writes("notes")).
		AddEdge("offside", graph.End).
		Entry("offside").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonSchemaViolation, final.Reason)
}

// --- timeouts ---

func blockUntilCancelled(ctx context.Context, _ schema.View) (schema.Delta, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_IdempotentTimeoutIsRecoverable(t *testing.T) {
	var calls atomic.Int32
	g, err := graph.New("slow", testSchema()).
		AddNode("slow", func(ctx context.Context, view schema.View) (schema.Delta, error) {
			if calls.Add(1) == 1 {
				return blockUntilCancelled(ctx, view)
			}
			return schema.Delta{"value": "fast enough"}, nil
		}, graph.Writes("value"), graph.Timeout(30*time.Millisecond)).
		Route("slow", func(view schema.View) graph.Decision {
			if view.Len("errors") > 0 {
				return graph.Goto("slow")
			}
			return graph.Terminal()
		}, graph.Goto("slow"), graph.Terminal()).
		Entry("slow").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)

	mid, err := e.store.Step(context.Background(), "s1", 1)
	require.NoError(t, err)
	markers := errorMarkers(mid)
	require.Len(t, markers, 1)
	marker := markers[0].(map[string]any)
	assert.Equal(t, string(domain.ReasonNodeTimeout), marker["reason"])
}

func TestRun_NonIdempotentTimeoutIsFatal(t *testing.T) {
	g, err := graph.New("charger", testSchema()).
		AddNode("charge", blockUntilCancelled,
			graph.Timeout(30*time.Millisecond), graph.NonIdempotent()).
		AddEdge("charge", graph.End).
		Entry("charge").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonNodeTimeout, final.Reason)
}

func TestRun_DefaultNodeTimeoutApplies(t *testing.T) {
	g, err := graph.New("slowpoke", testSchema()).
		AddNode("slow", blockUntilCancelled, graph.NonIdempotent()).
		AddEdge("slow", graph.End).
		Entry("slow").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g, runtime.WithDefaultNodeTimeout(30*time.Millisecond))
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonNodeTimeout, final.Reason)
}

// --- interrupt and resume ---

func approvalGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New("approval", testSchema()).
		AddNode("draft", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"value": "draft answer"}, nil
		}, graph.Writes("value")).
		AddNode("publish", func(_ context.Context, view schema.View) (schema.Delta, error) {
			return schema.Delta{"value": view.GetString("value") + " (published)"}, nil
		}, graph.Reads("value"), graph.Writes("value")).
		Route("draft", func(schema.View) graph.Decision {
			return graph.Await("publish")
		}, graph.Await("publish")).
		AddEdge("publish", graph.End).
		Entry("draft").
		Compile()
	require.NoError(t, err)
	return g
}

func TestRun_InterruptSuspendsAndResumeContinues(t *testing.T) {
	e := newEnv(t, approvalGraph(t))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	suspended := waitFor(t, run)

	assert.Equal(t, domain.StatusInterrupted, suspended.Status)
	assert.Equal(t, "publish", suspended.PendingNode)
	assert.Equal(t, 1, suspended.Step)
	assert.Equal(t, "draft answer", suspended.State["value"])

	status, err := e.orch.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInterrupted, status.State)
	assert.Equal(t, "publish", status.PendingNode)

	resumed, err := e.orch.Resume(ctx, "s1", map[string]any{"notes": []any{"lgtm"}})
	require.NoError(t, err)
	final := waitFor(t, resumed)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Step, "resume continues the chain, it does not fork it")
	assert.Equal(t, "draft answer (published)", final.State["value"])
	assert.Equal(t, []any{"lgtm"}, final.State["notes"], "resume input merges before the pending node runs")
}

func TestResume_UnknownSession(t *testing.T) {
	e := newEnv(t, approvalGraph(t))

	_, err := e.orch.Resume(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestResume_RequiresPendingInterrupt(t *testing.T) {
	e := newEnv(t, loopGraph(t, 1, graph.DefaultStepBudget))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	_, err = e.orch.Resume(ctx, "s1", nil)
	assert.ErrorIs(t, err, domain.ErrNoPendingInterrupt)
}

func TestResume_InputViolatingSchemaRejected(t *testing.T) {
	e := newEnv(t, approvalGraph(t))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	_, err = e.orch.Resume(ctx, "s1", map[string]any{"bogus": 1})

	var violation *schema.Violation
	require.ErrorAs(t, err, &violation)

	// The rejected resume left no trace; the session is still resumable.
	status, err := e.orch.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInterrupted, status.State)
}

func TestStart_InterruptedSessionIsStillDuplicate(t *testing.T) {
	e := newEnv(t, approvalGraph(t))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	_, err = e.orch.Start(ctx, "s1", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)
}

// --- cancellation ---

func TestCancel_InFlightRunStopsAtStepBoundary(t *testing.T) {
	started := make(chan struct{})
	g, err := graph.New("cancellable", testSchema()).
		AddNode("hold", func(ctx context.Context, _ schema.View) (schema.Delta, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		AddEdge("hold", graph.End).
		Entry("hold").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, e.orch.Cancel(ctx, "s1"))
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonCancelled, final.Reason)
}

func TestCancel_InterruptedSessionFinalizesImmediately(t *testing.T) {
	e := newEnv(t, approvalGraph(t))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	require.NoError(t, e.orch.Cancel(ctx, "s1"))

	status, err := e.orch.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status.State)
	assert.Equal(t, domain.ReasonCancelled, status.Reason)
}

func TestCancel_TerminalSessionIsNoOp(t *testing.T) {
	e := newEnv(t, loopGraph(t, 1, graph.DefaultStepBudget))
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	assert.NoError(t, e.orch.Cancel(ctx, "s1"))

	status, err := e.orch.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.State)
}

func TestCancel_UnknownSession(t *testing.T) {
	e := newEnv(t, loopGraph(t, 1, graph.DefaultStepBudget))

	err := e.orch.Cancel(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
}

// --- fan-out ---

func TestRun_FanOutJoinsWithinOneStep(t *testing.T) {
	g, err := graph.New("parallel", testSchema()).
		AddNode("split", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, nil
		}).
		AddNode("fetch_left", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"left": "L"}, nil
		}, graph.Writes("left")).
		AddNode("fetch_right", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"right": "R"}, nil
		}, graph.Writes("right")).
		AddNode("join", func(_ context.Context, view schema.View) (schema.Delta, error) {
			return schema.Delta{"value": view.GetString("left") + view.GetString("right")}, nil
		}, graph.Reads("left", "right"), graph.Writes("value")).
		Route("split", func(schema.View) graph.Decision {
			return graph.FanOut("fetch_left", "fetch_right")
		}, graph.FanOut("fetch_left", "fetch_right")).
		JoinEdge([]string{"fetch_left", "fetch_right"}, "join").
		AddEdge("join", graph.End).
		Entry("split").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "LR", final.State["value"])
	assert.Equal(t, 3, final.Step, "the whole fan-out set is one step")

	// Both member executions land in the fan-out step's history, in node-id
	// order.
	fanOut, err := e.store.Step(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, fanOut.History, 3)
	assert.Equal(t, "fetch_left", fanOut.History[1].NodeID)
	assert.Equal(t, "fetch_right", fanOut.History[2].NodeID)
}

func TestRun_FanOutFatalMemberWinsOverCancelledSiblings(t *testing.T) {
	g, err := graph.New("parallel", testSchema()).
		AddNode("split", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, nil
		}).
		AddNode("doomed", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, domain.Fatalf("hard failure")
		}, graph.Writes("left")).
		AddNode("patient", blockUntilCancelled, graph.Writes("right")).
		AddNode("join", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, nil
		}).
		Route("split", func(schema.View) graph.Decision {
			return graph.FanOut("doomed", "patient")
		}, graph.FanOut("doomed", "patient")).
		JoinEdge([]string{"doomed", "patient"}, "join").
		AddEdge("join", graph.End).
		Entry("split").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonNodeExecution, final.Reason,
		"the member's own fatality names the failure, not the cancellations it caused")
}

func TestRun_FanOutRecoverableMemberDoesNotStopSiblings(t *testing.T) {
	g, err := graph.New("parallel", testSchema()).
		AddNode("split", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, nil
		}).
		AddNode("shaky", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, errors.New("transient")
		}, graph.Writes("left")).
		AddNode("solid", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return schema.Delta{"right": "R"}, nil
		}, graph.Writes("right")).
		AddNode("join", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, nil
		}).
		Route("split", func(schema.View) graph.Decision {
			return graph.FanOut("shaky", "solid")
		}, graph.FanOut("shaky", "solid")).
		JoinEdge([]string{"shaky", "solid"}, "join").
		AddEdge("join", graph.End).
		Entry("split").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g)
	ctx := context.Background()

	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "R", final.State["right"], "the healthy sibling's delta merged")

	fanOut, err := e.store.Step(ctx, "s1", 2)
	require.NoError(t, err)
	markers := errorMarkers(fanOut)
	require.Len(t, markers, 1)
	assert.Equal(t, "shaky", markers[0].(map[string]any)["node_id"])
}

// --- hooks ---

func TestRun_LifecycleHooksFire(t *testing.T) {
	var nodeStarts, nodeEnds, steps, runEnds atomic.Int32
	hooks := domain.LifecycleHooks{
		OnNodeStart: func(_ context.Context, _ *domain.NodeEvent) { nodeStarts.Add(1) },
		OnNodeEnd:   func(_ context.Context, _ *domain.NodeEvent) { nodeEnds.Add(1) },
		OnStep:      func(_ context.Context, _ *domain.StepEvent) { steps.Add(1) },
		OnRunEnd:    func(_ context.Context, _ *domain.RunEvent) { runEnds.Add(1) },
	}

	e := newEnv(t, loopGraph(t, 3, graph.DefaultStepBudget), runtime.WithHooks(hooks))
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	assert.Equal(t, int32(3), nodeStarts.Load())
	assert.Equal(t, int32(3), nodeEnds.Load())
	assert.Equal(t, int32(3), steps.Load())
	assert.Equal(t, int32(1), runEnds.Load())
}

func TestRun_FatalNodeReportsFatalOutcome(t *testing.T) {
	var lastOutcome atomic.Value
	hooks := domain.LifecycleHooks{
		OnNodeEnd: func(_ context.Context, ev *domain.NodeEvent) { lastOutcome.Store(ev.Outcome) },
	}

	g, err := graph.New("wedged", testSchema()).
		AddNode("boom", func(_ context.Context, _ schema.View) (schema.Delta, error) {
			return nil, domain.Fatalf("wedged")
		}).
		AddEdge("boom", graph.End).
		Entry("boom").
		Compile()
	require.NoError(t, err)

	e := newEnv(t, g, runtime.WithHooks(hooks))
	run, err := e.orch.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	final := waitFor(t, run)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.OutcomeFatalFailure, lastOutcome.Load(),
		"a run-terminating failure must not report as recoverable")
}

// --- determinism ---

func TestRun_ReplayProducesIdenticalChain(t *testing.T) {
	ctx := context.Background()

	runOnce := func(sessionID string) []*domain.Checkpoint {
		e := newEnv(t, loopGraph(t, 3, graph.DefaultStepBudget))
		run, err := e.orch.Start(ctx, sessionID, map[string]any{"value": "seed"})
		require.NoError(t, err)
		waitFor(t, run)

		steps, err := e.store.Steps(ctx, sessionID)
		require.NoError(t, err)
		chain := make([]*domain.Checkpoint, 0, len(steps))
		for _, s := range steps {
			ckpt, err := e.store.Step(ctx, sessionID, s)
			require.NoError(t, err)
			chain = append(chain, ckpt)
		}
		return chain
	}

	first := runOnce("replay")
	second := runOnce("replay")

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Step, second[i].Step)
		assert.Equal(t, first[i].Status, second[i].Status)
		assert.Equal(t, first[i].NextNodes, second[i].NextNodes)
		assert.Equal(t, first[i].State, second[i].State)
	}
}

// --- crash recovery ---

func TestRecover_ContinuesFromPersistedCursor(t *testing.T) {
	ctx := context.Background()
	g := loopGraph(t, 3, graph.DefaultStepBudget)

	// Reference: the same run left uninterrupted.
	ref := newEnv(t, g)
	run, err := ref.orch.Start(ctx, "s1", map[string]any{"value": "seed"})
	require.NoError(t, err)
	want := waitFor(t, run)

	// Simulate a crash after step 1 by rebuilding a store that holds only
	// the chain prefix. Its latest checkpoint is still mid-run and carries
	// the cursor.
	crashed := memory.NewStore()
	for step := 0; step <= 1; step++ {
		ckpt, err := ref.store.Step(ctx, "s1", step)
		require.NoError(t, err)
		require.NoError(t, crashed.Save(ctx, ckpt))
	}

	e := env{orch: runtime.New(g, session.NewManager(crashed)), store: crashed}
	recovered, err := e.orch.Recover(ctx, "s1")
	require.NoError(t, err)
	got := waitFor(t, recovered)

	assert.Equal(t, want.Step, got.Step)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.State, got.State)
	require.Equal(t, len(want.History), len(got.History))
	for i := range want.History {
		assert.Equal(t, want.History[i].NodeID, got.History[i].NodeID)
		assert.Equal(t, want.History[i].Outcome, got.History[i].Outcome)
	}
}

func TestRecover_RequiresMidRunCheckpoint(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t, loopGraph(t, 1, graph.DefaultStepBudget))
	run, err := e.orch.Start(ctx, "s1", nil)
	require.NoError(t, err)
	waitFor(t, run)

	// Terminal sessions have nothing left to replay.
	_, err = e.orch.Recover(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNothingToRecover)

	// Suspended sessions continue through Resume instead.
	suspended := newEnv(t, approvalGraph(t))
	run, err = suspended.orch.Start(ctx, "s2", nil)
	require.NoError(t, err)
	waitFor(t, run)
	_, err = suspended.orch.Recover(ctx, "s2")
	assert.ErrorIs(t, err, domain.ErrNothingToRecover)

	_, err = e.orch.Recover(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
}
