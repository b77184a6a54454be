package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/expression"
	"github.com/openfroyo/kdeploy/pkg/manifest"
)

// Mock implementations for testing

type mockDispatcher struct {
	mu       sync.Mutex
	requests []*engine.TaskRequest
	err      error
}

func (m *mockDispatcher) Submit(_ context.Context, req *engine.TaskRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.requests = append(m.requests, req)
	return fmt.Sprintf("task-%d", len(m.requests)), nil
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockDispatcher) last() *engine.TaskRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

type mockElements struct {
	mu       sync.Mutex
	elements map[string]json.RawMessage
}

func newMockElements() *mockElements {
	return &mockElements{elements: make(map[string]json.RawMessage)}
}

func (m *mockElements) GetElement(_ context.Context, namespace, name string) (*engine.Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.elements[name]
	if !ok {
		return nil, engine.ErrElementNotFound
	}
	return &engine.Element{Namespace: namespace, Name: name, Version: 1, Value: value}, nil
}

func (m *mockElements) put(t *testing.T, name string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal element: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[name] = data
}

// apply performs the writes the host would perform for an outcome.
func (m *mockElements) apply(writes []engine.ElementWrite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		if _, exists := m.elements[w.Name]; exists && w.IfAbsent {
			continue
		}
		m.elements[w.Name] = w.Value
	}
}

type testHarness struct {
	driver     *Driver
	dispatcher *mockDispatcher
	elements   *mockElements
	scope      Scope
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		dispatcher: &mockDispatcher{},
		elements:   newMockElements(),
	}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.driver = NewDriver(h.dispatcher, manifest.NewResolver(nil, zerolog.Nop()),
		WithRenderer(expression.NewRenderer(time.Second)),
		WithClock(func() time.Time { return clock }),
	)
	h.scope = Scope{
		ExecutionID: "exec-1",
		Variables: map[string]interface{}{
			"vars": map[string]interface{}{"weight": 80, "count": "3", "host": "reviews-v2"},
		},
		Elements: h.elements,
	}
	return h
}

func testWorkload() engine.Workload {
	return engine.Workload{
		ID:             "reviews",
		InfraID:        "infra-prod",
		Namespace:      "prod",
		ReleaseName:    "reviews-prod",
		DeploymentType: "Kubernetes",
	}
}

func inlineValues(content string) manifest.Source {
	return manifest.Source{Values: []manifest.ValuesFile{{Location: engine.ValuesService, Inline: content}}}
}

func config(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}
	return data
}

func clusterResult(id string, cluster *engine.ClusterResult) *engine.TaskResult {
	return &engine.TaskResult{
		CorrelationID: id,
		Kind:          engine.TaskKindClusterOperation,
		Status:        engine.TaskStatusSuccess,
		Cluster:       cluster,
	}
}

func (h *testHarness) begin(t *testing.T, state State) *Step {
	t.Helper()
	step, err := h.driver.Begin(context.Background(), h.scope, state)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return step
}

func (h *testHarness) resume(t *testing.T, step *Step, result *engine.TaskResult) *Step {
	t.Helper()
	next, err := h.driver.Resume(context.Background(), h.scope, step.Continuation, result)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	return next
}

func TestRollingDeployEndToEnd(t *testing.T) {
	h := newHarness(t)

	step := h.begin(t, State{
		Name:      "deploy",
		Strategy:  engine.StrategyRollingDeploy,
		Workload:  testWorkload(),
		Manifests: inlineValues("replicas: 3\n"),
	})
	if !step.Suspended() {
		t.Fatalf("Expected suspended step, got outcome %+v", step.Outcome)
	}
	if step.Continuation.AwaitedTaskKind != engine.TaskKindClusterOperation {
		t.Errorf("Expected awaited kind CLUSTER_OPERATION, got %s", step.Continuation.AwaitedTaskKind)
	}

	req := h.dispatcher.last()
	if req.Operation != engine.OperationRollingDeploy {
		t.Errorf("Expected rolling-deploy operation, got %s", req.Operation)
	}
	if req.TimeoutMinutes != DefaultTimeoutMinutes {
		t.Errorf("Expected default timeout %d, got %d", DefaultTimeoutMinutes, req.TimeoutMinutes)
	}
	if diff := cmp.Diff([]string{"replicas: 3\n"}, req.Manifests.Contents()); diff != "" {
		t.Errorf("Manifests mismatch (-want +got):\n%s", diff)
	}

	done := h.resume(t, step, clusterResult(step.CorrelationID(), &engine.ClusterResult{
		ReleaseNumber: engine.IntPtr(4),
		Pods: []engine.Pod{
			{Name: "reviews-a", IP: "10.0.0.1", New: true},
			{Name: "reviews-b", IP: "10.0.0.2", New: true},
			{Name: "reviews-c", IP: "10.0.0.3", New: true},
		},
	}))

	if done.Outcome == nil {
		t.Fatal("Expected terminal outcome")
	}
	if done.Outcome.Status != engine.OutcomeSucceeded {
		t.Fatalf("Expected SUCCEEDED, got %s: %s", done.Outcome.Status, done.Outcome.Message)
	}
	if len(done.Outcome.Instances) != 3 {
		t.Errorf("Expected 3 instances, got %d", len(done.Outcome.Instances))
	}
	if done.Outcome.ReleaseNumber == nil || *done.Outcome.ReleaseNumber != 4 {
		t.Errorf("Expected release number 4, got %v", done.Outcome.ReleaseNumber)
	}
	if len(done.Outcome.Elements) != 1 || done.Outcome.Elements[0].Name != engine.ElementRelease {
		t.Fatalf("Expected one %s element write, got %+v", engine.ElementRelease, done.Outcome.Elements)
	}
	if !done.Outcome.Elements[0].IfAbsent {
		t.Error("Expected release element write to be conditional")
	}

	var rel engine.ReleaseElement
	if err := json.Unmarshal(done.Outcome.Elements[0].Value, &rel); err != nil {
		t.Fatalf("Failed to decode release element: %v", err)
	}
	want := engine.ReleaseElement{ReleaseName: "reviews-prod", ReleaseNumber: engine.IntPtr(4)}
	if diff := cmp.Diff(want, rel); diff != "" {
		t.Errorf("Release element mismatch (-want +got):\n%s", diff)
	}
}

func TestRollingDeployKeepsExistingRelease(t *testing.T) {
	h := newHarness(t)
	h.elements.put(t, engine.ElementRelease, engine.ReleaseElement{ReleaseName: "reviews-prod", ReleaseNumber: engine.IntPtr(1)})

	step := h.begin(t, State{
		Name:      "deploy",
		Strategy:  engine.StrategyRollingDeploy,
		Workload:  testWorkload(),
		Manifests: inlineValues("a: 1"),
	})
	done := h.resume(t, step, clusterResult(step.CorrelationID(), &engine.ClusterResult{ReleaseNumber: engine.IntPtr(2)}))

	if done.Outcome.Status != engine.OutcomeSucceeded {
		t.Fatalf("Expected SUCCEEDED, got %s", done.Outcome.Status)
	}
	if len(done.Outcome.Elements) != 0 {
		t.Errorf("Expected no element writes, got %+v", done.Outcome.Elements)
	}
}

func TestNewInstancesOnly(t *testing.T) {
	h := newHarness(t)
	step := h.begin(t, State{
		Name:      "deploy",
		Strategy:  engine.StrategyRollingDeploy,
		Workload:  testWorkload(),
		Manifests: inlineValues("a: 1"),
	})
	done := h.resume(t, step, clusterResult(step.CorrelationID(), &engine.ClusterResult{
		Pods: []engine.Pod{{Name: "old", New: false}, {Name: "new", New: true}},
	}))

	want := []engine.InstanceSummary{{Name: "new", NewInstance: true}}
	if diff := cmp.Diff(want, done.Outcome.Instances); diff != "" {
		t.Errorf("Instances mismatch (-want +got):\n%s", diff)
	}
}

func remoteState() State {
	return State{
		Name:     "deploy",
		Strategy: engine.StrategyRollingDeploy,
		Workload: testWorkload(),
		Manifests: manifest.Source{Values: []manifest.ValuesFile{
			{Location: engine.ValuesEnvironment, Inline: "env: prod\n"},
			{Location: engine.ValuesService, Store: manifest.StoreRemoteGit, RepoURL: "https://git.example.com/reviews.git", Ref: "main", Path: "values.yaml"},
		}},
	}
}

func TestRemoteManifestFetchThenDeploy(t *testing.T) {
	h := newHarness(t)

	step := h.begin(t, remoteState())
	if !step.Suspended() || step.Continuation.AwaitedTaskKind != engine.TaskKindManifestFetch {
		t.Fatalf("Expected suspension on MANIFEST_FETCH, got %+v", step)
	}
	fetchID := step.CorrelationID()
	if got := h.dispatcher.last().FetchFiles; len(got) != 1 || got[0].Path != "values.yaml" {
		t.Fatalf("Expected one fetch file values.yaml, got %+v", got)
	}

	next := h.resume(t, step, &engine.TaskResult{
		CorrelationID: fetchID,
		Kind:          engine.TaskKindManifestFetch,
		Status:        engine.TaskStatusSuccess,
		Fetch: &engine.FetchResult{Files: []engine.FetchedFile{
			{Location: engine.ValuesService, Path: "values.yaml", Content: "image: reviews:2\n"},
		}},
	})
	if !next.Suspended() || next.Continuation.AwaitedTaskKind != engine.TaskKindClusterOperation {
		t.Fatalf("Expected suspension on CLUSTER_OPERATION, got %+v", next)
	}
	if next.CorrelationID() == fetchID {
		t.Error("Expected a new correlation id for the cluster task")
	}
	if len(next.Continuation.PendingFetch) != 0 {
		t.Errorf("Expected pending fetch to be cleared, got %+v", next.Continuation.PendingFetch)
	}

	want := []string{"image: reviews:2\n", "env: prod\n"}
	if diff := cmp.Diff(want, h.dispatcher.last().Manifests.Contents()); diff != "" {
		t.Errorf("Manifest order mismatch (-want +got):\n%s", diff)
	}
}

func TestManifestFetchFailureNeverDispatches(t *testing.T) {
	tests := []struct {
		name   string
		result func(id string) *engine.TaskResult
	}{
		{
			name: "executor failure",
			result: func(id string) *engine.TaskResult {
				return &engine.TaskResult{CorrelationID: id, Kind: engine.TaskKindManifestFetch, Status: engine.TaskStatusFailure, ErrorMessage: "auth failed"}
			},
		},
		{
			name: "timed out",
			result: func(id string) *engine.TaskResult {
				return &engine.TaskResult{CorrelationID: id, Kind: engine.TaskKindManifestFetch, Status: engine.TaskStatusSuccess, TimedOut: true}
			},
		},
		{
			name: "no files",
			result: func(id string) *engine.TaskResult {
				return &engine.TaskResult{CorrelationID: id, Kind: engine.TaskKindManifestFetch, Status: engine.TaskStatusSuccess, Fetch: &engine.FetchResult{}}
			},
		},
		{
			name: "blank content",
			result: func(id string) *engine.TaskResult {
				return &engine.TaskResult{CorrelationID: id, Kind: engine.TaskKindManifestFetch, Status: engine.TaskStatusSuccess,
					Fetch: &engine.FetchResult{Files: []engine.FetchedFile{{Location: engine.ValuesService, Path: "values.yaml", Content: "  \n"}}}}
			},
		},
		{
			name: "malformed yaml",
			result: func(id string) *engine.TaskResult {
				return &engine.TaskResult{CorrelationID: id, Kind: engine.TaskKindManifestFetch, Status: engine.TaskStatusSuccess,
					Fetch: &engine.FetchResult{Files: []engine.FetchedFile{{Location: engine.ValuesService, Path: "values.yaml", Content: "a: [1, 2"}}}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			step := h.begin(t, remoteState())

			done := h.resume(t, step, tt.result(step.CorrelationID()))
			if done.Outcome == nil || done.Outcome.Status != engine.OutcomeFailed {
				t.Fatalf("Expected FAILED outcome, got %+v", done)
			}
			if h.dispatcher.count() != 1 {
				t.Errorf("Expected only the fetch task to be dispatched, got %d tasks", h.dispatcher.count())
			}
			if !strings.Contains(done.Outcome.Message, "operation=rolling-deploy") {
				t.Errorf("Expected operation context in message, got %q", done.Outcome.Message)
			}
		})
	}
}

func TestResumeContractViolations(t *testing.T) {
	h := newHarness(t)
	step := h.begin(t, State{
		Name:      "deploy",
		Strategy:  engine.StrategyRollingDeploy,
		Workload:  testWorkload(),
		Manifests: inlineValues("a: 1"),
	})
	id := step.CorrelationID()

	tests := []struct {
		name   string
		result *engine.TaskResult
	}{
		{name: "nil result", result: nil},
		{name: "foreign correlation id", result: clusterResult("task-99", &engine.ClusterResult{})},
		{name: "wrong kind", result: &engine.TaskResult{CorrelationID: id, Kind: engine.TaskKindManifestFetch, Status: engine.TaskStatusSuccess}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := h.driver.Resume(context.Background(), h.scope, step.Continuation, tt.result)
			if !errors.Is(err, engine.ErrContractViolation) {
				t.Fatalf("Expected contract violation, got %v", err)
			}
			if next != nil {
				t.Errorf("Expected no step, got %+v", next)
			}
			var cv *engine.ContractViolationError
			if !errors.As(err, &cv) || cv.CorrelationID != id {
				t.Errorf("Expected violation for %s, got %v", id, err)
			}
		})
	}

	if step.Continuation.CorrelationID != id {
		t.Errorf("Expected continuation to be unchanged, got correlation id %s", step.Continuation.CorrelationID)
	}

	bogus := *step.Continuation
	bogus.AwaitedTaskKind = "SOMETHING_ELSE"
	_, err := h.driver.Resume(context.Background(), h.scope, &bogus, &engine.TaskResult{CorrelationID: id, Kind: "SOMETHING_ELSE"})
	if !errors.Is(err, engine.ErrContractViolation) {
		t.Errorf("Expected contract violation for unknown awaited kind, got %v", err)
	}
}

func TestBeginValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		state   func() State
		message string
	}{
		{
			name: "non kubernetes workload",
			state: func() State {
				w := testWorkload()
				w.DeploymentType = "ecs"
				return State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: w}
			},
			message: "only \"kubernetes\" is supported",
		},
		{
			name: "missing namespace",
			state: func() State {
				w := testWorkload()
				w.Namespace = " "
				return State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: w}
			},
			message: "namespace is required",
		},
		{
			name: "invalid release name",
			state: func() State {
				w := testWorkload()
				w.ReleaseName = "Reviews_Prod"
				return State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: w}
			},
			message: "Release name may only contain lowercase letters, numbers, and '-'",
		},
		{
			name: "unknown strategy",
			state: func() State {
				return State{Name: "s", Strategy: "recreate", Workload: testWorkload()}
			},
			message: "unknown strategy",
		},
		{
			name: "unknown config field",
			state: func() State {
				return State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: testWorkload(),
					Config: json.RawMessage(`{"surge": 2}`)}
			},
			message: "invalid rolling-deploy configuration",
		},
		{
			name: "invalid inline manifest",
			state: func() State {
				return State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: testWorkload(),
					Manifests: inlineValues("a: [1, 2")}
			},
			message: "Service values",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			step := h.begin(t, tt.state())

			if step.Outcome == nil || step.Outcome.Status != engine.OutcomeFailed {
				t.Fatalf("Expected FAILED outcome, got %+v", step)
			}
			if step.Continuation != nil {
				t.Error("Expected no continuation for a synchronous failure")
			}
			if h.dispatcher.count() != 0 {
				t.Errorf("Expected no dispatch, got %d", h.dispatcher.count())
			}
			if !strings.Contains(step.Outcome.Message, tt.message) {
				t.Errorf("Expected message containing %q, got %q", tt.message, step.Outcome.Message)
			}
		})
	}
}

func TestReleaseNameFromExpression(t *testing.T) {
	h := newHarness(t)
	h.scope.Variables["env"] = "staging"

	w := testWorkload()
	w.ReleaseName = " reviews-${env} "
	step := h.begin(t, State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: w, Manifests: inlineValues("a: 1")})

	if got := h.dispatcher.last().ReleaseName; got != "reviews-staging" {
		t.Errorf("Expected release reviews-staging, got %q", got)
	}
	if step.Continuation.ReleaseName != "reviews-staging" {
		t.Errorf("Expected continuation release reviews-staging, got %q", step.Continuation.ReleaseName)
	}
}

func TestUnresolvedReleaseExpressionIsKept(t *testing.T) {
	h := newHarness(t)

	w := testWorkload()
	w.ReleaseName = "reviews-${missing.value}"
	h.begin(t, State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: w, Manifests: inlineValues("a: 1")})

	if got := h.dispatcher.last().ReleaseName; got != "reviews-${missing.value}" {
		t.Errorf("Expected raw release name, got %q", got)
	}
}

func TestDerivedReleaseNameIsStable(t *testing.T) {
	h := newHarness(t)
	w := testWorkload()
	w.ReleaseName = ""

	var names []string
	for i := 0; i < 2; i++ {
		h.begin(t, State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: w, Manifests: inlineValues("a: 1")})
		names = append(names, h.dispatcher.last().ReleaseName)
	}
	if names[0] != names[1] {
		t.Errorf("Expected identical release names, got %v", names)
	}
	if err := ValidateReleaseName(names[0]); err != nil {
		t.Errorf("Expected derived name to be valid: %v", err)
	}
}

func TestTimeoutNormalization(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		minutes int
	}{
		{name: "default", config: ``, minutes: 10},
		{name: "zero raised", config: `{"timeoutMinutes": 0}`, minutes: 1},
		{name: "negative raised", config: `{"timeoutMinutes": -5}`, minutes: 1},
		{name: "explicit", config: `{"timeoutMinutes": 25}`, minutes: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			state := State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: testWorkload(), Manifests: inlineValues("a: 1")}
			if tt.config != "" {
				state.Config = json.RawMessage(tt.config)
			}
			h.begin(t, state)
			if got := h.dispatcher.last().TimeoutMinutes; got != tt.minutes {
				t.Errorf("Expected %d minutes, got %d", tt.minutes, got)
			}
		})
	}
}

func TestDispatchErrorFails(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("executor unavailable")

	step := h.begin(t, State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: testWorkload(), Manifests: inlineValues("a: 1")})
	if step.Outcome == nil || step.Outcome.Status != engine.OutcomeFailed {
		t.Fatalf("Expected FAILED, got %+v", step)
	}
	want := "dispatch failed: executor unavailable (operation=rolling-deploy, release=reviews-prod)"
	if step.Outcome.Message != want {
		t.Errorf("Expected message %q, got %q", want, step.Outcome.Message)
	}
}

func TestClusterFailure(t *testing.T) {
	h := newHarness(t)
	step := h.begin(t, State{Name: "s", Strategy: engine.StrategyRollingDeploy, Workload: testWorkload(), Manifests: inlineValues("a: 1")})

	done := h.resume(t, step, &engine.TaskResult{
		CorrelationID: step.CorrelationID(),
		Kind:          engine.TaskKindClusterOperation,
		Status:        engine.TaskStatusFailure,
		ErrorMessage:  "pods not ready",
	})
	want := "pods not ready (operation=rolling-deploy, release=reviews-prod)"
	if done.Outcome.Status != engine.OutcomeFailed || done.Outcome.Message != want {
		t.Errorf("Expected FAILED %q, got %s %q", want, done.Outcome.Status, done.Outcome.Message)
	}
	if len(done.Outcome.Elements) != 0 {
		t.Errorf("Expected no element writes on failure, got %+v", done.Outcome.Elements)
	}
}

// abortingStrategy wraps a built-in strategy and records Abort calls.
type abortingStrategy struct {
	Strategy
	err   error
	calls []*Call
}

func (s *abortingStrategy) Kind() engine.StrategyKind { return "abortable" }

func (s *abortingStrategy) Abort(_ context.Context, call *Call) error {
	s.calls = append(s.calls, call)
	return s.err
}

func TestDriverAbort(t *testing.T) {
	errCleanup := errors.New("cleanup failed")

	tests := []struct {
		name      string
		cont      *Continuation
		hookErr   error
		wantErr   error
		wantCalls int
	}{
		{
			name:      "aborter hook runs",
			cont:      &Continuation{ExecutionID: "exec-1", StateName: "s", Strategy: "abortable", CorrelationID: "task-1"},
			wantCalls: 1,
		},
		{
			name:      "hook error is returned",
			cont:      &Continuation{ExecutionID: "exec-1", StateName: "s", Strategy: "abortable", CorrelationID: "task-1"},
			hookErr:   errCleanup,
			wantErr:   errCleanup,
			wantCalls: 1,
		},
		{
			name: "strategy without hook",
			cont: &Continuation{ExecutionID: "exec-1", StateName: "s", Strategy: engine.StrategyScale, CorrelationID: "task-1"},
		},
		{
			name: "unknown strategy",
			cont: &Continuation{ExecutionID: "exec-1", StateName: "s", Strategy: "nope", CorrelationID: "task-1"},
		},
		{
			name: "nothing suspended",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scale, ok := NewDriver(&mockDispatcher{}, nil).Strategy(engine.StrategyScale)
			if !ok {
				t.Fatal("scale strategy not registered")
			}
			hook := &abortingStrategy{Strategy: scale, err: tt.hookErr}
			d := NewDriver(&mockDispatcher{}, manifest.NewResolver(nil, zerolog.Nop()), WithStrategy(hook))
			scope := Scope{ExecutionID: "exec-1", Elements: newMockElements()}

			err := d.Abort(context.Background(), scope, tt.cont)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Abort() error = %v, want %v", err, tt.wantErr)
			}
			if len(hook.calls) != tt.wantCalls {
				t.Fatalf("Expected %d hook calls, got %d", tt.wantCalls, len(hook.calls))
			}
			if tt.wantCalls > 0 {
				call := hook.calls[0]
				if call.Cont != tt.cont || call.Scope.ExecutionID != "exec-1" {
					t.Errorf("Hook got call %+v, want the suspended continuation", call)
				}
			}
		})
	}
}
