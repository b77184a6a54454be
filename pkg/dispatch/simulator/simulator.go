// Package simulator implements an executor that fakes cluster operations.
// It speaks the executor protocol and is used by tests and by
// cmd/kdeploy-sim for dry runs of workflows.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/kdeploy/pkg/dispatch/protocol"
	"github.com/openfroyo/kdeploy/pkg/engine"
)

// Config controls how the simulator answers tasks.
type Config struct {
	// Pods is the replica count used when a request carries none.
	Pods int `yaml:"pods"`

	// Delay is how long each task takes.
	Delay time.Duration `yaml:"delay"`

	// Fail maps operations to the error message they fail with.
	Fail map[engine.OperationKind]string `yaml:"fail"`

	// Hang lists operations that never produce a result.
	Hang map[engine.OperationKind]bool `yaml:"hang"`

	// Files serves MANIFEST_FETCH requests, keyed by "repoUrl@ref:path" or by path alone.
	Files map[string]string `yaml:"files"`
}

// Simulator is a fake executor.
type Simulator struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	releases map[string]int
	running  map[string]context.CancelFunc
	total    int
}

// New creates a simulator.
func New(cfg Config, logger zerolog.Logger) *Simulator {
	if cfg.Pods <= 0 {
		cfg.Pods = 2
	}
	return &Simulator{
		cfg:      cfg,
		logger:   logger.With().Str("component", "simulator").Logger(),
		releases: make(map[string]int),
		running:  make(map[string]context.CancelFunc),
	}
}

// Serve reads tasks from in and writes results to out until in is closed
// or ctx ends.
func (s *Simulator) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	if err := enc.Send(protocol.MessageTypeReady, s.readyMessage()); err != nil {
		return fmt.Errorf("failed to send READY: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			msg, err := dec.Next()
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn().Err(err).Msg("Skipping malformed line")
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-msgs:
			if !ok {
				cancel()
				wg.Wait()
				reason := "stdin closed"
				select {
				case err := <-readErr:
					if !errors.Is(err, io.EOF) {
						reason = err.Error()
					}
				default:
				}
				_ = enc.Send(protocol.MessageTypeExit, &protocol.ExitMessage{Reason: reason, TasksTotal: s.tasksTotal()})
				return nil
			}

			switch msg.Type {
			case protocol.MessageTypeTask:
				task, err := protocol.Unpack[protocol.TaskMessage](msg, protocol.MessageTypeTask)
				if err != nil {
					s.logger.Error().Err(err).Msg("Discarding malformed task")
					continue
				}
				taskCtx := s.track(ctx, task.CorrelationID)
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer s.untrack(task.CorrelationID)
					s.run(taskCtx, enc, task)
				}()

			case protocol.MessageTypeCancel:
				if c, err := protocol.Unpack[protocol.CancelMessage](msg, protocol.MessageTypeCancel); err == nil {
					s.cancelTask(c.CorrelationID)
				}

			default:
				s.logger.Warn().Str("type", string(msg.Type)).Msg("Ignoring message")
			}
		}
	}
}

func (s *Simulator) readyMessage() *protocol.ReadyMessage {
	caps := map[string]bool{string(engine.TaskKindManifestFetch): true}
	for _, st := range engine.AllStrategies() {
		caps[string(st)] = true
	}
	return &protocol.ReadyMessage{
		Version:  protocol.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     caps,
		Metadata: map[string]string{"executor": "simulator"},
	}
}

func (s *Simulator) track(ctx context.Context, id string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	s.running[id] = cancel
	s.total++
	return taskCtx
}

func (s *Simulator) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
}

func (s *Simulator) cancelTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[id]; ok {
		cancel()
	}
}

func (s *Simulator) tasksTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Simulator) run(ctx context.Context, enc *protocol.Encoder, task *protocol.TaskMessage) {
	req := task.Request
	start := time.Now()

	_ = enc.Send(protocol.MessageTypeEvent, &protocol.EventMessage{
		CorrelationID: task.CorrelationID,
		Message:       fmt.Sprintf("starting %s %s", req.Kind, req.Operation),
	})

	if s.cfg.Hang[req.Operation] {
		<-ctx.Done()
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-time.After(s.cfg.Delay):
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	result := engine.TaskResult{
		CorrelationID: task.CorrelationID,
		Kind:          req.Kind,
		Status:        engine.TaskStatusSuccess,
	}

	var err error
	if req.Kind == engine.TaskKindManifestFetch {
		result.Fetch, err = s.fetch(req)
	} else {
		result.Cluster, err = s.operate(req)
	}
	if err != nil {
		result.Status = engine.TaskStatusFailure
		result.ErrorMessage = err.Error()
		result.Fetch, result.Cluster = nil, nil
	}
	result.CompletedAt = time.Now()

	s.logger.Debug().
		Str("correlation_id", task.CorrelationID).
		Str("operation", string(req.Operation)).
		Str("status", string(result.Status)).
		Msg("Task finished")

	if err := enc.Send(protocol.MessageTypeResult, &protocol.ResultMessage{
		Result:   result,
		Duration: time.Since(start).Seconds(),
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send result")
	}
}

func (s *Simulator) fetch(req *engine.TaskRequest) (*engine.FetchResult, error) {
	out := &engine.FetchResult{}
	for _, f := range req.FetchFiles {
		content, ok := s.cfg.Files[fmt.Sprintf("%s@%s:%s", f.RepoURL, f.Ref, f.Path)]
		if !ok {
			content, ok = s.cfg.Files[f.Path]
		}
		if !ok {
			return nil, fmt.Errorf("file not found: %s in %s", f.Path, f.RepoURL)
		}
		out.Files = append(out.Files, engine.FetchedFile{
			Location: f.Location,
			Path:     f.Path,
			Content:  content,
		})
	}
	return out, nil
}

func (s *Simulator) operate(req *engine.TaskRequest) (*engine.ClusterResult, error) {
	if msg, ok := s.cfg.Fail[req.Operation]; ok {
		return nil, errors.New(msg)
	}

	out := &engine.ClusterResult{}
	switch req.Operation {
	case engine.OperationApply, engine.OperationRollingDeploy, engine.OperationBlueGreenDeploy:
		n := s.nextRelease(req.ReleaseName)
		out.ReleaseNumber = &n
		out.Pods = s.pods(req, s.cfg.Pods, true)
		if req.Operation == engine.OperationBlueGreenDeploy {
			out.PrimaryService = req.ReleaseName + "-primary"
			out.StageService = req.ReleaseName + "-stage"
		}

	case engine.OperationRollingRollback:
		if req.ReleaseNumber == nil {
			return nil, fmt.Errorf("no release to roll back for %s", req.ReleaseName)
		}
		n := *req.ReleaseNumber
		out.ReleaseNumber = &n
		out.Pods = s.pods(req, s.cfg.Pods, false)

	case engine.OperationCanarySetup:
		n := s.nextRelease(req.ReleaseName)
		out.ReleaseNumber = &n
		out.CanaryWorkload = req.ReleaseName + "-canary"
		replicas := s.cfg.Pods
		out.CurrentReplicas = &replicas

	case engine.OperationCanaryDeploy:
		count := 1
		if req.InstanceCount != nil {
			count = *req.InstanceCount
		}
		out.ReleaseNumber = req.ReleaseNumber
		out.CanaryWorkload = req.WorkloadName
		out.Pods = s.pods(req, count, true)

	case engine.OperationCanaryRollback:
		out.ReleaseNumber = req.ReleaseNumber
		out.CanaryWorkload = req.WorkloadName

	case engine.OperationScale:
		count := s.cfg.Pods
		if req.InstanceCount != nil {
			count = *req.InstanceCount
			if req.InstanceUnit == engine.InstanceUnitPercentage {
				count = count * s.cfg.Pods / 100
			}
		}
		out.CurrentReplicas = &count
		out.Pods = s.pods(req, count, false)

	case engine.OperationDelete, engine.OperationTrafficSplit:

	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Operation)
	}
	return out, nil
}

func (s *Simulator) nextRelease(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[name]++
	return s.releases[name]
}

func (s *Simulator) pods(req *engine.TaskRequest, n int, fresh bool) []engine.Pod {
	name := req.ReleaseName
	if req.WorkloadName != "" {
		name = req.WorkloadName
	}
	pods := make([]engine.Pod, 0, n)
	for i := 0; i < n; i++ {
		pods = append(pods, engine.Pod{
			Name:      fmt.Sprintf("%s-%d", name, i),
			IP:        fmt.Sprintf("10.0.0.%d", i+1),
			Namespace: req.Namespace,
			New:       fresh,
		})
	}
	return pods
}
