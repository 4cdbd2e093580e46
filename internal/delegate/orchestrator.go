package delegate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/storage"
	"relay/pkg/logger"

	"github.com/rs/zerolog"
)

// ExecuteFunc runs one brief. Implementations must honor ctx cancellation.
type ExecuteFunc func(ctx context.Context, brief Brief) (string, error)

// Orchestrator schedules delegation runs.
type Orchestrator struct {
	db  *storage.DB
	cfg config.DelegateConfig
	log zerolog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
}

// New creates an orchestrator.
func New(db *storage.DB, cfg config.DelegateConfig) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Orchestrator{
		db:  db,
		cfg: cfg,
		log: logger.Component("delegate"),
	}
}

// jobState tracks one brief through the run.
type jobState struct {
	brief   Brief
	jobID   string
	state   string
	attempt int
	output  string
	errMsg  string
}

type outcome struct {
	briefID string
	output  string
	err     error
}

// Run validates the brief DAG and executes it. Validation failures return an
// error before any job row is written. An open circuit breaker returns
// immediately with no jobs and a summary naming the breaker.
func (o *Orchestrator) Run(ctx context.Context, req Request, exec ExecuteFunc) (*Result, error) {
	o.mu.Lock()
	open := o.cfg.FailureBreakerThreshold > 0 && o.consecutiveFailures >= o.cfg.FailureBreakerThreshold
	failures := o.consecutiveFailures
	o.mu.Unlock()

	if open {
		o.log.Warn().Int("failures", failures).Msg("delegation circuit breaker open")
		return &Result{
			HasFailures: true,
			Summary:     "Delegation rejected: circuit-breaker is open after repeated failures.",
		}, nil
	}

	if err := validate(req.Briefs); err != nil {
		return nil, err
	}

	states := make(map[string]*jobState, len(req.Briefs))
	dependents := make(map[string][]string)
	for _, b := range req.Briefs {
		job, err := o.db.CreateJob(req.SessionID, b.ID, req.ParentMessage, b.Title, b.Objective)
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		states[b.ID] = &jobState{brief: b, jobID: job.ID, state: storage.JobQueued}
		for _, dep := range b.DependsOn {
			dependents[dep] = append(dependents[dep], b.ID)
		}
	}

	o.schedule(ctx, states, dependents, exec)

	result := o.collect(req.Briefs, states)

	o.mu.Lock()
	if result.HasFailures {
		o.consecutiveFailures++
	} else {
		o.consecutiveFailures = 0
	}
	o.mu.Unlock()

	return result, nil
}

// ConsecutiveFailures returns the breaker counter, for diagnostics.
func (o *Orchestrator) ConsecutiveFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveFailures
}

func (o *Orchestrator) schedule(ctx context.Context, states map[string]*jobState, dependents map[string][]string, exec ExecuteFunc) {
	outcomes := make(chan outcome, len(states))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentJobs)

	ready := make([]string, 0, len(states))
	for id, s := range states {
		if depsCompleted(states, s.brief.DependsOn) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for countTerminal(states) < len(states) {
		if ctx.Err() != nil {
			for _, s := range states {
				if !isTerminal(s.state) {
					o.cancelJob(s, "orchestrator shutdown")
				}
			}
			break
		}

		for _, id := range ready {
			s := states[id]
			if s.state != storage.JobQueued {
				continue
			}
			s.state = storage.JobRunning
			s.attempt++
			o.persist(s)

			brief := s.brief
			g.Go(func() error {
				out, err := o.runJob(ctx, brief, exec)
				outcomes <- outcome{briefID: brief.ID, output: out, err: err}
				return nil
			})
		}
		ready = ready[:0]

		if countRunning(states) == 0 {
			// Nothing running and nothing ready: the remaining queued jobs are
			// stranded behind unsatisfiable dependencies.
			for _, s := range states {
				if s.state == storage.JobQueued {
					o.cancelJob(s, "dependency not satisfied")
				}
			}
			continue
		}

		oc := <-outcomes
		s := states[oc.briefID]

		if oc.err == nil {
			s.state = storage.JobCompleted
			s.output = oc.output
			s.errMsg = ""
			o.persist(s)

			for _, dep := range dependents[oc.briefID] {
				ds := states[dep]
				if ds.state == storage.JobQueued && depsCompleted(states, ds.brief.DependsOn) {
					ready = append(ready, dep)
				}
			}
			sort.Strings(ready)
			continue
		}

		errMsg := trimErr(oc.err)
		if s.attempt <= o.cfg.MaxRetryAttempts && ctx.Err() == nil {
			o.log.Warn().
				Str("brief", s.brief.ID).
				Int("attempt", s.attempt).
				Str("error", errMsg).
				Msg("job failed, requeueing")
			s.state = storage.JobQueued
			s.errMsg = errMsg
			o.persist(s)
			ready = append(ready, oc.briefID)
			continue
		}

		s.state = storage.JobFailed
		s.errMsg = errMsg
		s.output = "" // partial output of a failed job is discarded
		o.persist(s)

		for _, desc := range descendants(dependents, oc.briefID) {
			ds := states[desc]
			if !isTerminal(ds.state) {
				o.cancelJob(ds, fmt.Sprintf("upstream job %s failed", oc.briefID))
			}
		}
	}

	go func() {
		g.Wait()
		close(outcomes)
	}()
	for range outcomes {
	}
}

// runJob executes one attempt under the job timeout. A cancelled or expired
// context is terminal failure; timeouts report "timed out".
func (o *Orchestrator) runJob(ctx context.Context, brief Brief, exec ExecuteFunc) (string, error) {
	timeout := brief.Constraints.Timeout
	if timeout <= 0 {
		timeout = o.cfg.JobTimeout
	}

	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec(jctx, brief)
	if errors.Is(jctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("job %s timed out after %s", brief.ID, timeout)
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (o *Orchestrator) cancelJob(s *jobState, reason string) {
	s.state = storage.JobCancelled
	s.errMsg = reason
	s.output = ""
	o.persist(s)
}

func (o *Orchestrator) persist(s *jobState) {
	if err := o.db.UpdateJobState(s.jobID, s.state, s.attempt, s.output, s.errMsg); err != nil {
		o.log.Error().Err(err).Str("job", s.jobID).Msg("persist job state")
	}
}

func (o *Orchestrator) collect(briefs []Brief, states map[string]*jobState) *Result {
	result := &Result{}
	lines := make([]string, 0, len(briefs))

	for _, b := range briefs {
		s := states[b.ID]
		result.Jobs = append(result.Jobs, JobResult{
			BriefID: b.ID,
			JobID:   s.jobID,
			Title:   b.Title,
			State:   s.state,
			Attempt: s.attempt,
			Output:  s.output,
			Error:   s.errMsg,
		})

		detail := firstLine(s.output)
		if s.state != storage.JobCompleted {
			result.HasFailures = true
			detail = firstLine(s.errMsg)
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s (attempt %d): %s", s.state, b.Title, s.attempt, detail))
	}

	result.Summary = "Delegation report:\n" + strings.Join(lines, "\n")
	return result
}

func validate(briefs []Brief) error {
	ids := make(map[string]bool, len(briefs))
	for _, b := range briefs {
		ids[b.ID] = true
	}

	adj := make(map[string][]string, len(briefs))
	for _, b := range briefs {
		for _, dep := range b.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: brief %s depends on unknown %s", ErrMissingDependency, b.ID, dep)
			}
			adj[b.ID] = append(adj[b.ID], dep)
		}
	}

	// Colors: 0 unvisited, 1 in progress, 2 done.
	color := make(map[string]int, len(briefs))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case 1:
			return false
		case 2:
			return true
		}
		color[id] = 1
		for _, dep := range adj[id] {
			if !visit(dep) {
				return false
			}
		}
		color[id] = 2
		return true
	}

	for _, b := range briefs {
		if !visit(b.ID) {
			return fmt.Errorf("%w: involving brief %s", ErrCycle, b.ID)
		}
	}

	return nil
}

func depsCompleted(states map[string]*jobState, deps []string) bool {
	for _, dep := range deps {
		if states[dep].state != storage.JobCompleted {
			return false
		}
	}
	return true
}

// descendants returns all transitive dependents of id.
func descendants(dependents map[string][]string, id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, dependents[next]...)
	}
	sort.Strings(out)
	return out
}

func countTerminal(states map[string]*jobState) int {
	n := 0
	for _, s := range states {
		if isTerminal(s.state) {
			n++
		}
	}
	return n
}

func countRunning(states map[string]*jobState) int {
	n := 0
	for _, s := range states {
		if s.state == storage.JobRunning {
			n++
		}
	}
	return n
}

func isTerminal(state string) bool {
	switch state {
	case storage.JobCompleted, storage.JobFailed, storage.JobCancelled:
		return true
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		s = "-"
	}
	return s
}

func trimErr(err error) string {
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
