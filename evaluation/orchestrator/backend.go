package orchestrator

import (
	"context"
)

// ExecuteComponentRequest is what the core submits to the remote execution
// backend to run one node of an assembled workflow, per spec.md §6.
type ExecuteComponentRequest struct {
	TraceID  string
	Workflow Graph
	NodeID   string
	Inputs   map[string]any
}

// IsAbortedFunc is the cooperative-cancellation callback the core hands
// the backend client; the backend honors it and may abort mid-stream.
type IsAbortedFunc func() bool

// BackendClient is the core's only dependency on the external execution
// backend: submit one component for execution and observe a stream of
// ComponentEvent until the backend terminates the stream. Dataset loading,
// prompt/agent CRUD, and actually running prompts/agents/evaluators are
// all the backend's concern, not this package's (spec.md §1).
type BackendClient interface {
	ExecuteComponent(ctx context.Context, req ExecuteComponentRequest, isAborted IsAbortedFunc) (<-chan ComponentEvent, error)
}

// GRPCBackendClient is a BackendClient backed by a google.golang.org/grpc
// connection to the execution backend. The wire contract itself belongs to
// the backend (spec.md §1 explicitly puts it out of scope), so this client
// speaks to it through a small Invoker seam rather than generated protobuf
// stubs: production wiring supplies an Invoker that marshals
// ExecuteComponentRequest onto a grpc.ClientConn server-streaming call and
// unmarshals each response into a ComponentEvent, keeping dependence on any
// particular .proto contract out of this package.
type GRPCBackendClient struct {
	invoke StreamInvoker
}

// StreamInvoker performs the actual streaming RPC. Implementations own the
// grpc.ClientConn and the wire codec; they must close the returned channel
// when the backend terminates the stream, and must stop streaming promptly
// once isAborted reports true.
type StreamInvoker func(ctx context.Context, req ExecuteComponentRequest, isAborted IsAbortedFunc) (<-chan ComponentEvent, error)

// NewGRPCBackendClient wraps a StreamInvoker, typically one built over a
// grpc.ClientConn by the caller's bootstrap code.
func NewGRPCBackendClient(invoke StreamInvoker) *GRPCBackendClient {
	return &GRPCBackendClient{invoke: invoke}
}

func (c *GRPCBackendClient) ExecuteComponent(ctx context.Context, req ExecuteComponentRequest, isAborted IsAbortedFunc) (<-chan ComponentEvent, error) {
	return c.invoke(ctx, req, isAborted)
}
