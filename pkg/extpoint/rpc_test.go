package extpoint

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestPackUnpackEnvelopeRoundTrip(t *testing.T) {
	type args struct {
		JID   string
		Limit int
	}
	b, err := packEnvelope("GetHistory", args{JID: "alice@example.org", Limit: 10})
	if err != nil {
		t.Fatalf("packEnvelope: %v", err)
	}

	env, err := unpackEnvelope(b)
	if err != nil {
		t.Fatalf("unpackEnvelope: %v", err)
	}
	if env.Op != "GetHistory" {
		t.Fatalf("Op = %q, want GetHistory", env.Op)
	}

	var got args
	if err := jsonUnmarshal(env.Args, &got); err != nil {
		t.Fatalf("jsonUnmarshal: %v", err)
	}
	if got.JID != "alice@example.org" || got.Limit != 10 {
		t.Fatalf("got %+v", got)
	}
}

func TestUnpackEnvelopeNilIsZeroValue(t *testing.T) {
	env, err := unpackEnvelope(nil)
	if err != nil {
		t.Fatalf("unpackEnvelope(nil): %v", err)
	}
	if env.Op != "" || env.Args != nil {
		t.Fatalf("expected zero-value envelope, got %+v", env)
	}
}

func TestPackUnpackReplySuccess(t *testing.T) {
	b := packReply([]Contact{{JID: "bob@example.org", Name: "Bob"}}, nil)

	var out []Contact
	if err := unpackReply(b, &out); err != nil {
		t.Fatalf("unpackReply: %v", err)
	}
	if len(out) != 1 || out[0].JID != "bob@example.org" {
		t.Fatalf("got %+v", out)
	}
}

func TestPackUnpackReplyError(t *testing.T) {
	b := packReply(nil, errors.New("no such contact"))

	err := unpackReply(b, nil)
	if err == nil {
		t.Fatal("expected error from unpackReply")
	}
	if !containsSub(err.Error(), "no such contact") {
		t.Fatalf("error %q does not mention the remote failure", err.Error())
	}
}

func TestUnpackReplyNilOutIgnoresResult(t *testing.T) {
	b := packReply("ignored", nil)
	if err := unpackReply(b, nil); err != nil {
		t.Fatalf("unpackReply with nil out: %v", err)
	}
}

func TestDispatchServiceDescRoutesToHandler(t *testing.T) {
	var gotOp string
	var gotArgs []byte
	desc := dispatchServiceDesc(func(_ context.Context, op string, args []byte) (any, error) {
		gotOp = op
		gotArgs = args
		return map[string]string{"ok": "true"}, nil
	})

	if len(desc.Methods) != 1 || desc.Methods[0].MethodName != "Call" {
		t.Fatalf("expected a single Call method, got %+v", desc.Methods)
	}

	req, err := packEnvelope("Ping", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("packEnvelope: %v", err)
	}
	dec := func(v any) error {
		*v.(*wrapperspb.BytesValue) = *req
		return nil
	}

	resp, err := desc.Methods[0].Handler(nil, context.Background(), dec, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotOp != "Ping" {
		t.Fatalf("handler invoked with op %q, want Ping", gotOp)
	}
	if len(gotArgs) == 0 {
		t.Fatalf("handler invoked with empty args")
	}

	var out map[string]string
	if err := unpackReply(resp.(*wrapperspb.BytesValue), &out); err != nil {
		t.Fatalf("unpackReply: %v", err)
	}
	if out["ok"] != "true" {
		t.Fatalf("got %+v", out)
	}
}

func TestDispatchServiceDescPropagatesHandlerError(t *testing.T) {
	desc := dispatchServiceDesc(func(_ context.Context, _ string, _ []byte) (any, error) {
		return nil, errors.New("boom")
	})

	req, _ := packEnvelope("Ping", nil)
	dec := func(v any) error {
		*v.(*wrapperspb.BytesValue) = *req
		return nil
	}

	resp, err := desc.Methods[0].Handler(nil, context.Background(), dec, nil)
	if err != nil {
		t.Fatalf("handler itself should not error, the failure travels in the reply: %v", err)
	}
	if unpackErr := unpackReply(resp.(*wrapperspb.BytesValue), nil); unpackErr == nil {
		t.Fatal("expected unpackReply to surface the handler's error")
	}
}

func containsSub(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
