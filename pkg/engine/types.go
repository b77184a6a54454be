package engine

import (
	"encoding/json"
	"time"
)

// DeploymentTypeKubernetes is the only workload deployment type the strategies act on.
const DeploymentTypeKubernetes = "kubernetes"

// Workload describes the service and infrastructure a step deploys to.
type Workload struct {
	// ID identifies the service being deployed.
	ID string `json:"id" yaml:"id" validate:"required"`

	// InfraID identifies the infrastructure mapping. The release name is derived from it.
	InfraID string `json:"infraId" yaml:"infraId" validate:"required"`

	// Namespace is the target Kubernetes namespace.
	Namespace string `json:"namespace" yaml:"namespace" validate:"required"`

	// ReleaseName overrides the derived release name when set.
	ReleaseName string `json:"releaseName,omitempty" yaml:"releaseName,omitempty"`

	// DeploymentType must be "kubernetes".
	DeploymentType string `json:"deploymentType" yaml:"deploymentType"`
}

// Release identifies one deployed revision of a workload.
type Release struct {
	Name   string `json:"name"`
	Number *int   `json:"number,omitempty"`
}

// ValuesLocation is where a values document comes from. Documents are
// layered in the declaration order of these constants.
type ValuesLocation string

const (
	ValuesService           ValuesLocation = "Service"
	ValuesServiceOverride   ValuesLocation = "ServiceOverride"
	ValuesEnvironmentGlobal ValuesLocation = "EnvironmentGlobal"
	ValuesEnvironment       ValuesLocation = "Environment"
	ValuesStep              ValuesLocation = "Step"
)

// ValuesLocations returns every location in layering order.
func ValuesLocations() []ValuesLocation {
	return []ValuesLocation{
		ValuesService, ValuesServiceOverride, ValuesEnvironmentGlobal, ValuesEnvironment, ValuesStep,
	}
}

// Rank returns the layering position of the location, or -1 if unknown.
func (l ValuesLocation) Rank() int {
	for i, known := range ValuesLocations() {
		if l == known {
			return i
		}
	}
	return -1
}

// ManifestDocument is one rendered values document.
type ManifestDocument struct {
	Location ValuesLocation `json:"location"`
	Path     string         `json:"path,omitempty"`
	Content  string         `json:"content"`
}

// ManifestSet is the ordered, fully resolved set of values documents for one dispatch.
type ManifestSet struct {
	Documents []ManifestDocument `json:"documents,omitempty"`
}

// IsEmpty returns true if the set has no documents.
func (m ManifestSet) IsEmpty() bool {
	return len(m.Documents) == 0
}

// Contents returns the document bodies in layering order.
func (m ManifestSet) Contents() []string {
	out := make([]string, 0, len(m.Documents))
	for _, d := range m.Documents {
		out = append(out, d.Content)
	}
	return out
}

// FetchFile is one remote file to retrieve.
type FetchFile struct {
	Location ValuesLocation `json:"location" validate:"required"`
	RepoURL  string         `json:"repoUrl" validate:"required"`
	Ref      string         `json:"ref,omitempty"`
	Path     string         `json:"path" validate:"required"`
}

// WeightedDestination is one traffic-split route.
type WeightedDestination struct {
	Host   string `json:"host" validate:"required"`
	Subset string `json:"subset,omitempty"`
	Weight string `json:"weight" validate:"required"`
}

// TaskRequest is what a strategy asks the executor to do. Exactly one of
// the fetch fields or the cluster fields is populated, selected by Kind.
type TaskRequest struct {
	Kind        TaskKind     `json:"kind" validate:"required,oneof=MANIFEST_FETCH CLUSTER_OPERATION"`
	ExecutionID string       `json:"executionId" validate:"required"`
	StateName   string       `json:"stateName" validate:"required"`
	Strategy    StrategyKind `json:"strategy" validate:"required"`

	// TimeoutMinutes bounds how long the executor may take. Never below one.
	TimeoutMinutes int `json:"timeoutMinutes" validate:"min=1"`

	// Manifest fetch
	FetchFiles []FetchFile `json:"fetchFiles,omitempty" validate:"required_if=Kind MANIFEST_FETCH,dive"`

	// Cluster operation
	Operation      OperationKind         `json:"operation,omitempty" validate:"required_if=Kind CLUSTER_OPERATION"`
	Namespace      string                `json:"namespace,omitempty" validate:"required_if=Kind CLUSTER_OPERATION"`
	ReleaseName    string                `json:"releaseName,omitempty" validate:"required_if=Kind CLUSTER_OPERATION"`
	ReleaseNumber  *int                  `json:"releaseNumber,omitempty"`
	Manifests      ManifestSet           `json:"manifests,omitempty"`
	Resources      []string              `json:"resources,omitempty"`
	FilePaths      []string              `json:"filePaths,omitempty"`
	DeleteNS       bool                  `json:"deleteNamespaces,omitempty"`
	WorkloadName   string                `json:"workloadName,omitempty"`
	InstanceCount  *int                  `json:"instanceCount,omitempty" validate:"omitempty,min=0"`
	InstanceUnit   InstanceUnit          `json:"instanceUnit,omitempty"`
	VirtualService string                `json:"virtualService,omitempty"`
	Destinations   []WeightedDestination `json:"destinations,omitempty" validate:"dive"`
	SkipDryRun     bool                  `json:"skipDryRun,omitempty"`
	SkipSteadyWait bool                  `json:"skipSteadyStateCheck,omitempty"`
}

// Pod is a pod reported by the executor after a cluster operation.
type Pod struct {
	Name      string `json:"name"`
	IP        string `json:"ip,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	New       bool   `json:"new"`
}

// InstanceSummary describes a pod in an outcome.
type InstanceSummary struct {
	Name        string `json:"name"`
	IP          string `json:"ip,omitempty"`
	NewInstance bool   `json:"newInstance"`
}

// FetchedFile is the content returned for one requested file.
type FetchedFile struct {
	Location ValuesLocation `json:"location"`
	Path     string         `json:"path"`
	Content  string         `json:"content"`
}

// FetchResult is the payload of a MANIFEST_FETCH result.
type FetchResult struct {
	Files []FetchedFile `json:"files,omitempty"`
}

// ClusterResult is the payload of a CLUSTER_OPERATION result.
type ClusterResult struct {
	ReleaseNumber   *int   `json:"releaseNumber,omitempty"`
	Pods            []Pod  `json:"pods,omitempty"`
	CurrentReplicas *int   `json:"currentReplicas,omitempty"`
	CanaryWorkload  string `json:"canaryWorkload,omitempty"`
	PrimaryService  string `json:"primaryService,omitempty"`
	StageService    string `json:"stageService,omitempty"`
}

// TaskResult is delivered by the host when a dispatched task finishes.
type TaskResult struct {
	CorrelationID string         `json:"correlationId"`
	Kind          TaskKind       `json:"kind"`
	Status        TaskStatus     `json:"status"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	TimedOut      bool           `json:"timedOut,omitempty"`
	Fetch         *FetchResult   `json:"fetch,omitempty"`
	Cluster       *ClusterResult `json:"cluster,omitempty"`
	CompletedAt   time.Time      `json:"completedAt"`
}

// Succeeded returns true if the executor reported success.
func (r *TaskResult) Succeeded() bool {
	return r.Status == TaskStatusSuccess && !r.TimedOut
}

// Element names published by strategies.
const (
	// ElementRelease carries the release deployed by a rolling, canary or blue/green step.
	ElementRelease = "k8s"

	// ElementCanaryRun marks that a canary deploy ran in this execution.
	ElementCanaryRun = "k8s-canary-run"
)

// ReleaseElement is the value published under ElementRelease.
type ReleaseElement struct {
	ReleaseName     string `json:"releaseName"`
	ReleaseNumber   *int   `json:"releaseNumber,omitempty"`
	TargetInstances *int   `json:"targetInstances,omitempty"`
	CanaryWorkload  string `json:"canaryWorkload,omitempty"`
	PrimaryService  string `json:"primaryService,omitempty"`
	StageService    string `json:"stageService,omitempty"`
}

// CanaryRunElement is the value published under ElementCanaryRun.
type CanaryRunElement struct {
	ReleaseName    string `json:"releaseName"`
	CanaryWorkload string `json:"canaryWorkload,omitempty"`
}

// Element is a published value as read back from the host.
type Element struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ElementWrite is a write the host must perform when it records an outcome.
// With IfAbsent set the host skips the write when the name already exists.
type ElementWrite struct {
	Name     string          `json:"name"`
	Value    json.RawMessage `json:"value"`
	IfAbsent bool            `json:"ifAbsent,omitempty"`
}

// Outcome is the terminal result of one strategy invocation.
type Outcome struct {
	Status        OutcomeStatus          `json:"status"`
	Message       string                 `json:"message,omitempty"`
	Strategy      StrategyKind           `json:"strategy"`
	Operation     OperationKind          `json:"operation,omitempty"`
	ReleaseName   string                 `json:"releaseName,omitempty"`
	ReleaseNumber *int                   `json:"releaseNumber,omitempty"`
	Instances     []InstanceSummary      `json:"instances,omitempty"`
	Elements      []ElementWrite         `json:"elements,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CompletedAt   time.Time              `json:"completedAt"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
