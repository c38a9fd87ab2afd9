package orchestrator

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cklxx/evalcore/internal/async"
)

// NewGenericGRPCStreamInvoker builds a StreamInvoker over an existing
// grpc.ClientConn without depending on generated stubs for the backend's
// .proto contract (out of scope for this package, per spec.md §1): it
// opens a server-streaming call against method, sends one
// google.protobuf.Struct request, and decodes each streamed Struct
// response back into a ComponentEvent. Production backends that publish
// generated stubs can swap this out for a StreamInvoker built over them
// without touching anything downstream of BackendClient.
func NewGenericGRPCStreamInvoker(conn *grpc.ClientConn, method string) StreamInvoker {
	return func(ctx context.Context, req ExecuteComponentRequest, isAborted IsAbortedFunc) (<-chan ComponentEvent, error) {
		desc := &grpc.StreamDesc{StreamName: "ExecuteComponent", ServerStreams: true}
		stream, err := conn.NewStream(ctx, desc, method)
		if err != nil {
			return nil, newBackendError("open execute_component stream: %v", err)
		}

		payload, err := executeRequestToStruct(req)
		if err != nil {
			return nil, newBackendError("encode execute_component request: %v", err)
		}
		if err := stream.SendMsg(payload); err != nil {
			return nil, newBackendError("send execute_component request: %v", err)
		}
		if err := stream.CloseSend(); err != nil {
			return nil, newBackendError("close execute_component send side: %v", err)
		}

		events := make(chan ComponentEvent, 16)
		async.Go(panicLogger{}, "orchestrator.grpc_invoker", func() {
			defer close(events)
			for {
				if isAborted() {
					return
				}
				msg := &structpb.Struct{}
				if err := stream.RecvMsg(msg); err != nil {
					if err != io.EOF {
						// Stream ended abnormally; the backend is responsible for
						// emitting its own terminal error event before this point,
						// so there is nothing further to translate here.
						return
					}
					return
				}
				if ev, ok := structToComponentEvent(msg); ok {
					events <- ev
				}
			}
		})

		return events, nil
	}
}

func executeRequestToStruct(req ExecuteComponentRequest) (*structpb.Struct, error) {
	nodes := make([]any, 0, len(req.Workflow.Nodes))
	for _, n := range req.Workflow.Nodes {
		nodes = append(nodes, map[string]any{
			"id":             n.ID,
			"kind":           string(n.Kind),
			"parameters":     n.Parameters,
			"evaluator_path": n.EvaluatorPath,
		})
	}
	edges := make([]any, 0, len(req.Workflow.Edges))
	for _, e := range req.Workflow.Edges {
		edges = append(edges, map[string]any{
			"from_node": e.From.NodeID, "from_field": e.From.Field,
			"to_node": e.To.NodeID, "to_field": e.To.Field,
		})
	}

	return structpb.NewStruct(map[string]any{
		"trace_id": req.TraceID,
		"node_id":  req.NodeID,
		"inputs":   req.Inputs,
		"workflow": map[string]any{"nodes": nodes, "edges": edges},
	})
}

func structToComponentEvent(msg *structpb.Struct) (ComponentEvent, bool) {
	fields := msg.AsMap()
	payload, _ := fields["payload"].(map[string]any)
	if payload == nil {
		return ComponentEvent{}, false
	}
	state, _ := payload["execution_state"].(map[string]any)
	if state == nil {
		return ComponentEvent{}, false
	}

	ev := ComponentEvent{
		ComponentID: stringField(payload, "component_id"),
		Status:      ComponentStatus(stringField(state, "status")),
		TraceID:     stringField(state, "trace_id"),
	}
	if outputs, ok := state["outputs"].(map[string]any); ok {
		ev.Outputs = outputs
	}
	if cost, ok := state["cost"].(float64); ok {
		ev.Cost = &cost
	}
	if errMsg, ok := state["error"].(string); ok {
		ev.ExecutionError = errMsg
	}
	if ts, ok := state["timestamps"].(map[string]any); ok {
		if started, ok := ts["started_at"].(float64); ok {
			v := int64(started)
			ev.StartedAt = &v
		}
		if finished, ok := ts["finished_at"].(float64); ok {
			v := int64(finished)
			ev.FinishedAt = &v
		}
	}
	return ev, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
