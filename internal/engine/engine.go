// Package engine defines the contract with the external pipeline engine. The
// control plane never inspects engine internals: it starts work, forwards
// output, requests cooperative cancellation, and releases resources.
package engine

import "context"

// OptimizedConfig is the revised configuration an optimization run produces.
// DeclaredOrder lists operation names in declared pipeline step order and is
// used to normalise the operation list before it is returned to callers.
type OptimizedConfig struct {
	Operations    []map[string]any `json:"operations"`
	DeclaredOrder []string         `json:"declared_order,omitempty"`
}

// Progress is one structured optimizer progress update.
type Progress struct {
	Status    string  `json:"status,omitempty"`
	Progress  float64 `json:"progress"`
	Rationale string  `json:"rationale,omitempty"`
}

// Engine is one engine invocation bound to a single validated configuration.
// Run and Optimize are mutually exclusive and at most one of them is called,
// once. Cancellation is cooperative: Cancel sets a flag the engine observes
// at its own checkpoints.
type Engine interface {
	// Run executes the pipeline to completion and returns its cost.
	Run(ctx context.Context) (float64, error)

	// Optimize runs the optimizer and returns the revised configuration and
	// the cost of the optimization itself.
	Optimize(ctx context.Context) (OptimizedConfig, float64, error)

	// Cancel requests cooperative cancellation. Safe to call concurrently
	// with Run/Optimize and more than once.
	Cancel()

	// Cancelled reports whether cancellation was requested.
	Cancelled() bool

	// Output drains and returns incremental output produced since the last
	// call. Empty when nothing new happened.
	Output() string

	// OptimizerProgress returns the latest optimizer progress snapshot.
	OptimizerProgress() Progress

	// PostInput forwards an inbound caller message to the engine. Messages
	// other than control commands are passed through verbatim.
	PostInput(msg string)

	// Release frees per-invocation resources. Always called exactly once,
	// on every exit path.
	Release()
}

// Factory builds an Engine for a validated configuration path.
type Factory func(configPath string) (Engine, error)
