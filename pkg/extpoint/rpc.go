package extpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// envelope carries one RPC call's operation name and JSON-encoded argument
// list over a single generic grpc method, avoiding the need for a
// protoc-generated message per operation: the wire type is always the
// stock google.golang.org/protobuf/types/known/wrapperspb.BytesValue, and
// envelope is what's JSON-marshaled into its Value.
type envelope struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"err,omitempty"`
}

func packEnvelope(op string, args any) (*wrapperspb.BytesValue, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("extpoint: marshaling %s args: %w", op, err)
	}
	body, err := json.Marshal(envelope{Op: op, Args: argBytes})
	if err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{Value: body}, nil
}

func unpackEnvelope(b *wrapperspb.BytesValue) (envelope, error) {
	var env envelope
	if b == nil {
		return env, nil
	}
	err := json.Unmarshal(b.Value, &env)
	return env, err
}

func packReply(result any, callErr error) *wrapperspb.BytesValue {
	r := reply{}
	if callErr != nil {
		r.Err = callErr.Error()
	} else if result != nil {
		if b, err := json.Marshal(result); err == nil {
			r.Result = b
		}
	}
	body, _ := json.Marshal(r)
	return &wrapperspb.BytesValue{Value: body}
}

func unpackReply(b *wrapperspb.BytesValue, out any) error {
	var r reply
	if err := json.Unmarshal(b.Value, &r); err != nil {
		return err
	}
	if r.Err != "" {
		return fmt.Errorf("extpoint: remote call failed: %s", r.Err)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

// dispatchServiceName is shared by both directions of the bridge (host
// calling the plugin's Plugin methods, plugin calling the host's API
// methods): each side registers its own grpc.Server with this descriptor
// and a dispatch func that switches on envelope.Op.
const dispatchMethodName = "/extpoint.Dispatch/Call"

type dispatchFunc func(ctx context.Context, op string, args []byte) (any, error)

func jsonUnmarshal(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func dispatchServiceDesc(handler dispatchFunc) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "extpoint.Dispatch",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
					in := new(wrapperspb.BytesValue)
					if err := dec(in); err != nil {
						return nil, err
					}
					env, err := unpackEnvelope(in)
					if err != nil {
						return nil, err
					}
					result, callErr := handler(ctx, env.Op, env.Args)
					return packReply(result, callErr), nil
				},
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "extpoint.proto",
	}
}

// dispatchClient wraps a *grpc.ClientConn bound to a dispatchServiceDesc
// server on the other end, offering one generic Call the typed Invoke*
// helpers below build on.
type dispatchClient struct {
	cc *grpc.ClientConn
}

func (d *dispatchClient) call(ctx context.Context, op string, args, out any) error {
	req, err := packEnvelope(op, args)
	if err != nil {
		return err
	}
	resp := new(wrapperspb.BytesValue)
	if err := d.cc.Invoke(ctx, dispatchMethodName, req, resp); err != nil {
		return err
	}
	return unpackReply(resp, out)
}

// --- event push stream: host -> plugin, over the same broker connection ---

// eventEnvelope is what the host streams down to a subscribed plugin;
// exactly one of the payload fields is set per Kind.
type eventEnvelope struct {
	Kind            string   `json:"kind"`
	Message         *Message `json:"message,omitempty"`
	PresenceJID     string   `json:"presence_jid,omitempty"`
	PresenceStatus  string   `json:"presence_status,omitempty"`
}

const eventsMethodName = "/extpoint.Events/Watch"

// eventsServiceDesc registers the server-streaming half: the host sends
// one empty "subscribe" request and then receives a stream of
// eventEnvelope values for as long as the plugin process stays connected.
func eventsServiceDesc(onSubscribe func(ctx context.Context, send func(eventEnvelope) error) error) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "extpoint.Events",
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Watch",
				ServerStreams: true,
				Handler: func(_ any, stream grpc.ServerStream) error {
					var req wrapperspb.BytesValue
					if err := stream.RecvMsg(&req); err != nil {
						return err
					}
					return onSubscribe(stream.Context(), func(ev eventEnvelope) error {
						body, err := json.Marshal(ev)
						if err != nil {
							return err
						}
						return stream.SendMsg(&wrapperspb.BytesValue{Value: body})
					})
				},
			},
		},
		Metadata: "extpoint.proto",
	}
}

// watchEvents is the plugin-side client half: it opens the Watch stream
// and invokes onEvent for every envelope until the connection closes.
func watchEvents(ctx context.Context, cc *grpc.ClientConn, onEvent func(eventEnvelope)) error {
	desc := &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}
	stream, err := cc.NewStream(ctx, desc, eventsMethodName)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&wrapperspb.BytesValue{}); err != nil {
		return err
	}
	for {
		resp := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(resp); err != nil {
			return err
		}
		var ev eventEnvelope
		if err := json.Unmarshal(resp.Value, &ev); err != nil {
			continue
		}
		onEvent(ev)
	}
}
