package llm

import "context"

// Provider is the chat provider abstraction the engine calls. A Generate
// call is one model invocation: it streams incremental events to onEvent
// (when non-nil) and returns the completed assistant message with usage.
//
// Errors returned by Generate must belong to the closed taxonomy in
// errors.go so the recovery policy can classify them.
type Provider interface {
	// Generate performs one model call over the given history.
	Generate(ctx context.Context, req GenerateRequest, onEvent StreamHandler) (*StepResult, error)

	// Model returns the model identifier in use.
	Model() string

	// MaxContextSize returns the model's context window size in tokens.
	MaxContextSize() int
}

// TransportRebuilder is an optional capability a Provider may implement.
// When a Generate call fails with a ConnectionError, the recovery policy
// invokes RebuildTransport once; a nil return means the transport was
// rebuilt and the call may be retried exactly once.
type TransportRebuilder interface {
	RebuildTransport(ctx context.Context) error
}
