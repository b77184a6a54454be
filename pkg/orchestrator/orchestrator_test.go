package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/openfroyo/kdeploy/pkg/config"
	"github.com/openfroyo/kdeploy/pkg/dispatch"
	"github.com/openfroyo/kdeploy/pkg/dispatch/client"
	"github.com/openfroyo/kdeploy/pkg/dispatch/simulator"
	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/expression"
	"github.com/openfroyo/kdeploy/pkg/manifest"
	"github.com/openfroyo/kdeploy/pkg/stores"
	"github.com/openfroyo/kdeploy/pkg/strategy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	orch   *Orchestrator
	store  *stores.SQLiteStore
	client *client.Client
}

// newHarness wires an orchestrator to the simulator over an in-memory pipe.
// When pump is false results stay on the client channel for the test to deliver.
func newHarness(t *testing.T, simCfg simulator.Config, pump bool) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sim := simulator.New(simCfg, logger)
	c, err := client.NewClient(client.Config{
		Transport: client.NewPipeTransport(sim.Serve),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	d, err := dispatch.New(dispatch.Config{Sender: c, Ledger: store, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	driver := strategy.NewDriver(d, manifest.NewResolver(nil, logger),
		strategy.WithRenderer(expression.NewRenderer(time.Second)),
		strategy.WithLogger(logger),
	)

	orch, err := New(Config{Store: store, Driver: driver, Canceller: c, Concurrency: 2, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	if pump {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = orch.Run(runCtx, c.Results())
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	return &harness{orch: orch, store: store, client: c}
}

func (h *harness) wait(t *testing.T, id string) *stores.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return exec
}

func (h *harness) outcomes(t *testing.T, id string) []string {
	t.Helper()
	list, err := h.store.ListStepOutcomes(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to list outcomes: %v", err)
	}
	out := make([]string, 0, len(list))
	for _, o := range list {
		out = append(out, string(o.Phase)+"/"+o.StateName+"="+string(o.Status))
	}
	return out
}

func nextResult(t *testing.T, c *client.Client) *engine.TaskResult {
	t.Helper()
	select {
	case res := <-c.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for result")
		return nil
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func deployWorkflow() *config.Workflow {
	return &config.Workflow{
		Name: "reviews",
		Workload: engine.Workload{
			ID:             "reviews",
			InfraID:        "prod-eu",
			Namespace:      "reviews",
			ReleaseName:    "reviews-prod",
			DeploymentType: engine.DeploymentTypeKubernetes,
		},
		Manifests: manifest.Source{Values: []manifest.ValuesFile{
			{Location: engine.ValuesService, Inline: "replicas: 3\n"},
		}},
		Variables: map[string]interface{}{"pods": 3},
		Steps: []config.Step{
			{Name: "deploy", Strategy: engine.StrategyRollingDeploy},
			{
				Name:     "scale",
				Strategy: engine.StrategyScale,
				Config:   raw(`{"workload": "reviews-prod", "instanceCount": "${workflow.variables.pods}"}`),
			},
		},
		RollbackSteps: []config.Step{
			{Name: "undo", Strategy: engine.StrategyRollingRollback},
		},
	}
}

func TestOrchestrator_RunsWorkflow(t *testing.T) {
	h := newHarness(t, simulator.Config{Pods: 3}, true)
	ctx := context.Background()

	exec, err := h.orch.Start(ctx, deployWorkflow())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := h.wait(t, exec.ID)
	if final.Status != engine.ExecutionStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", final.Status, final.Error)
	}
	if final.CompletedAt == nil {
		t.Error("Expected completion time to be set")
	}

	want := []string{"steps/deploy=SUCCEEDED", "steps/scale=SUCCEEDED"}
	if diff := cmp.Diff(want, h.outcomes(t, exec.ID)); diff != "" {
		t.Errorf("Outcomes mismatch (-want +got):\n%s", diff)
	}

	el, err := h.store.GetElement(ctx, exec.ID, engine.ElementRelease)
	if err != nil {
		t.Fatalf("Expected release element: %v", err)
	}
	var rel engine.ReleaseElement
	if err := json.Unmarshal(el.Value, &rel); err != nil {
		t.Fatalf("Failed to decode element: %v", err)
	}
	if rel.ReleaseName != "reviews-prod" || rel.ReleaseNumber == nil || *rel.ReleaseNumber != 1 {
		t.Errorf("Unexpected release element: %+v", rel)
	}

	if _, err := h.store.GetContinuation(ctx, exec.ID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("Expected continuation to be removed, got %v", err)
	}
	pending, err := h.store.ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending tasks, got %d", len(pending))
	}
}

func TestOrchestrator_FailureRunsRollback(t *testing.T) {
	h := newHarness(t, simulator.Config{
		Fail: map[engine.OperationKind]string{engine.OperationScale: "quota exceeded"},
	}, true)

	exec, err := h.orch.Start(context.Background(), deployWorkflow())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := h.wait(t, exec.ID)
	if final.Status != engine.ExecutionStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if final.Phase != stores.PhaseRollback {
		t.Errorf("Expected rollback phase, got %s", final.Phase)
	}
	if final.Error == nil {
		t.Fatal("Expected error message")
	}

	want := []string{"steps/deploy=SUCCEEDED", "steps/scale=FAILED", "rollback/undo=SUCCEEDED"}
	if diff := cmp.Diff(want, h.outcomes(t, exec.ID)); diff != "" {
		t.Errorf("Outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_ValidationFailureWithoutDispatch(t *testing.T) {
	h := newHarness(t, simulator.Config{}, true)

	wf := deployWorkflow()
	wf.Steps = []config.Step{
		{Name: "split", Strategy: engine.StrategyTrafficSplit, Config: raw(`{"virtualServiceName": "reviews"}`)},
	}

	exec, err := h.orch.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Nothing was dispatched, so the execution is already finished.
	final, err := h.store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if final.Status != engine.ExecutionStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}

	want := []string{"steps/split=FAILED", "rollback/undo=SKIPPED"}
	if diff := cmp.Diff(want, h.outcomes(t, exec.ID)); diff != "" {
		t.Errorf("Outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_DeliverDropsUnknownAndStaleResults(t *testing.T) {
	h := newHarness(t, simulator.Config{}, false)
	ctx := context.Background()

	if err := h.orch.Deliver(ctx, &engine.TaskResult{CorrelationID: "nope"}); err != nil {
		t.Errorf("Expected unknown result to be dropped, got %v", err)
	}

	wf := deployWorkflow()
	wf.Steps = wf.Steps[:1]
	exec, err := h.orch.Start(ctx, wf)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res := nextResult(t, h.client)
	if err := h.orch.Deliver(ctx, res); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if got := h.wait(t, exec.ID).Status; got != engine.ExecutionStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", got)
	}

	// A duplicate of an already applied result changes nothing.
	if err := h.orch.Deliver(ctx, res); err != nil {
		t.Errorf("Expected duplicate result to be dropped, got %v", err)
	}
	if got := len(h.outcomes(t, exec.ID)); got != 1 {
		t.Errorf("Expected 1 outcome, got %d", got)
	}
}

func TestOrchestrator_ContractViolationKeepsSuspension(t *testing.T) {
	h := newHarness(t, simulator.Config{}, false)
	ctx := context.Background()

	wf := deployWorkflow()
	wf.Steps = wf.Steps[:1]
	exec, err := h.orch.Start(ctx, wf)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res := nextResult(t, h.client)
	bad := *res
	bad.Kind = engine.TaskKindManifestFetch

	err = h.orch.Deliver(ctx, &bad)
	if !errors.Is(err, engine.ErrContractViolation) {
		t.Fatalf("Expected contract violation, got %v", err)
	}

	cont, err := h.store.GetContinuation(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Expected continuation to remain: %v", err)
	}
	if cont.CorrelationID != res.CorrelationID {
		t.Errorf("Expected correlation %s, got %s", res.CorrelationID, cont.CorrelationID)
	}

	if err := h.orch.Deliver(ctx, res); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if got := h.wait(t, exec.ID).Status; got != engine.ExecutionStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", got)
	}
}

func TestOrchestrator_Abort(t *testing.T) {
	h := newHarness(t, simulator.Config{
		Hang: map[engine.OperationKind]bool{engine.OperationRollingDeploy: true},
	}, true)
	ctx := context.Background()

	exec, err := h.orch.Start(ctx, deployWorkflow())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := h.orch.Abort(ctx, exec.ID, "operator request"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	final := h.wait(t, exec.ID)
	if final.Status != engine.ExecutionStatusAborted {
		t.Fatalf("Expected aborted, got %s", final.Status)
	}

	pending, err := h.store.ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected hung task to be cancelled, got %d pending", len(pending))
	}

	err = h.orch.Abort(ctx, exec.ID, "again")
	if !engine.IsConflict(err) {
		t.Errorf("Expected conflict aborting a finished execution, got %v", err)
	}
}

func TestOrchestrator_RecoverFailsOrphanedTasks(t *testing.T) {
	h := newHarness(t, simulator.Config{
		Hang: map[engine.OperationKind]bool{engine.OperationRollingDeploy: true},
	}, true)
	ctx := context.Background()

	exec, err := h.orch.Start(ctx, deployWorkflow())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ids, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if diff := cmp.Diff([]string{exec.ID}, ids); diff != "" {
		t.Errorf("Recovered executions mismatch (-want +got):\n%s", diff)
	}

	final := h.wait(t, exec.ID)
	if final.Status != engine.ExecutionStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	want := []string{"steps/deploy=FAILED", "rollback/undo=SKIPPED"}
	if diff := cmp.Diff(want, h.outcomes(t, exec.ID)); diff != "" {
		t.Errorf("Outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_RecoverWithoutContinuation(t *testing.T) {
	h := newHarness(t, simulator.Config{
		Hang: map[engine.OperationKind]bool{engine.OperationRollingDeploy: true},
	}, true)
	ctx := context.Background()

	exec, err := h.orch.Start(ctx, deployWorkflow())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The host stopped after the task was recorded but before the step
	// suspended.
	if err := h.store.DeleteContinuation(ctx, exec.ID); err != nil {
		t.Fatalf("Failed to delete continuation: %v", err)
	}

	ids, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if diff := cmp.Diff([]string{exec.ID}, ids); diff != "" {
		t.Errorf("Recovered executions mismatch (-want +got):\n%s", diff)
	}

	final := h.wait(t, exec.ID)
	if final.Status != engine.ExecutionStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	want := []string{"steps/deploy=FAILED", "rollback/undo=SKIPPED"}
	if diff := cmp.Diff(want, h.outcomes(t, exec.ID)); diff != "" {
		t.Errorf("Outcomes mismatch (-want +got):\n%s", diff)
	}

	pending, err := h.store.ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending tasks, got %d", len(pending))
	}
}

func TestOrchestrator_RunAll(t *testing.T) {
	h := newHarness(t, simulator.Config{Delay: 10 * time.Millisecond}, true)

	var workflows []*config.Workflow
	for _, ns := range []string{"alpha", "beta", "gamma"} {
		wf := deployWorkflow()
		wf.Name = ns
		wf.Workload.Namespace = ns
		wf.Workload.ReleaseName = ns + "-prod"
		wf.Steps[1].Config = raw(`{"workload": "` + ns + `-prod", "instanceCount": "2"}`)
		workflows = append(workflows, wf)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	execs, err := h.orch.RunAll(ctx, workflows)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("Expected 3 executions, got %d", len(execs))
	}
	for i, exec := range execs {
		if exec.Workflow != workflows[i].Name {
			t.Errorf("Expected execution %d for %s, got %s", i, workflows[i].Name, exec.Workflow)
		}
		if exec.Status != engine.ExecutionStatusSucceeded {
			t.Errorf("Expected %s to succeed, got %s", exec.Workflow, exec.Status)
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error without store")
	}
}
