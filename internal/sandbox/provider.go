// Package sandbox manages isolated remote execution environments ("sandboxes")
// that worker agents use to clone a PR's source and run commands against it.
// The manager layer (named-session map, circuit breaker, retry/backoff)
// generalizes the named-transport-with-retry shape used elsewhere in this
// module for MCP connections to "named sandbox session" instead.
package sandbox

import "context"

// Handle is one live remote execution environment, as returned by a Provider.
// Implementations wrap whatever transport the concrete provider uses (HTTP,
// gRPC, a local subprocess for tests).
type Handle interface {
	ID() string
	RunCommand(ctx context.Context, cmd string, args ...string) (stdout string, stderr string, exitCode int, err error)
	ReadFile(ctx context.Context, path string) (string, error)
	ReadFileBinary(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	ListFiles(ctx context.Context, dir string) ([]string, error)
	Kill(ctx context.Context) error
}

// Provider creates Handles. A real implementation talks to a remote sandbox
// API (E2B-style); the in-process FakeProvider backs tests.
type Provider interface {
	// Create starts a new sandbox environment and returns a handle to it.
	// The provider is responsible for any provider-specific retry of its own
	// transport; the SandboxManager layers its own retry/backoff and circuit
	// breaking on top of this call per spec.
	Create(ctx context.Context, templateID string) (Handle, error)
}
