// Package delegate schedules sub-agent job DAGs with bounded concurrency,
// retries, cascading cancellation and a circuit breaker.
package delegate

import (
	"errors"
	"time"
)

var (
	// ErrMissingDependency is returned when a brief depends on an id that was
	// not submitted.
	ErrMissingDependency = errors.New("delegate: missing dependency")

	// ErrCycle is returned when the brief dependency graph has a cycle.
	ErrCycle = errors.New("delegate: dependency cycle detected")
)

// Constraints bounds one delegated job.
type Constraints struct {
	ToolBudget int           `json:"tool_budget,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxTurns   int           `json:"max_turns,omitempty"`
}

// Brief describes one sub-agent task in a delegation DAG.
type Brief struct {
	ID             string      `json:"id"`
	DependsOn      []string    `json:"depends_on,omitempty"`
	Title          string      `json:"title"`
	Objective      string      `json:"objective"`
	ScopedContext  string      `json:"scoped_context,omitempty"`
	ExpectedOutput string      `json:"expected_output,omitempty"`
	Constraints    Constraints `json:"constraints,omitempty"`
}

// Request is one delegation submission.
type Request struct {
	SessionID     string  `json:"session_id"`
	ParentMessage string  `json:"parent_message"`
	Scope         string  `json:"scope,omitempty"`
	Briefs        []Brief `json:"briefs"`
}

// JobResult is the terminal outcome of one brief.
type JobResult struct {
	BriefID string `json:"brief_id"`
	JobID   string `json:"job_id"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of one delegation run.
type Result struct {
	Jobs        []JobResult `json:"jobs"`
	Summary     string      `json:"summary"`
	HasFailures bool        `json:"has_failures"`
}
