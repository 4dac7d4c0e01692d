package job

import "context"

// ProgressFunc reports execution progress in [0,100] back to the engine.
type ProgressFunc func(percent int)

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the unique type tag for this job kind.
	Type string

	// Handler processes the decoded payload. The progress callback may
	// be called at any point during execution; nil-safe.
	Handler func(ctx context.Context, payload T, progress ProgressFunc) error

	// Validate, when non-nil, checks the decoded payload before the job
	// is accepted by the queue manager. A non-nil return rejects the
	// submission with a validation error.
	Validate func(payload T) error

	// Opts are the default submission options for this job type.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](
	jobType string,
	handler func(ctx context.Context, payload T, progress ProgressFunc) error,
	opts ...Option,
) *Definition[T] {
	def := &Definition[T]{
		Type:    jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// WithValidator attaches a payload validator to the definition.
func (d *Definition[T]) WithValidator(v func(payload T) error) *Definition[T] {
	d.Validate = v
	return d
}
