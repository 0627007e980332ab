package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/prose-im/prose-core-client-sub004/internal/events"
)

func TestQueueForwardsInOrder(t *testing.T) {
	q := NewQueue()
	var order []string

	q.Append(HandlerFunc{Label: "first", Fn: func(ctx context.Context, e events.ServerEvent) (*events.ServerEvent, error) {
		order = append(order, "first")
		return &e, nil
	}})
	q.Append(HandlerFunc{Label: "second", Fn: func(ctx context.Context, e events.ServerEvent) (*events.ServerEvent, error) {
		order = append(order, "second")
		return nil, nil
	}})
	q.Append(HandlerFunc{Label: "third", Fn: func(ctx context.Context, e events.ServerEvent) (*events.ServerEvent, error) {
		order = append(order, "third")
		return &e, nil
	}})

	if err := q.Dispatch(context.Background(), events.NewConnectedEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected chain to stop after second consumed the event, got %v", order)
	}
}

func TestQueueAbortsOnError(t *testing.T) {
	q := NewQueue()
	var ran2, ran3 bool
	var reportedErr error

	q.OnError(func(handler string, event events.ServerEvent, err error) {
		reportedErr = err
	})

	q.Append(HandlerFunc{Label: "boom", Fn: func(ctx context.Context, e events.ServerEvent) (*events.ServerEvent, error) {
		return nil, errors.New("boom")
	}})
	q.Append(HandlerFunc{Label: "two", Fn: func(ctx context.Context, e events.ServerEvent) (*events.ServerEvent, error) {
		ran2 = true
		return &e, nil
	}})
	q.Append(HandlerFunc{Label: "three", Fn: func(ctx context.Context, e events.ServerEvent) (*events.ServerEvent, error) {
		ran3 = true
		return &e, nil
	}})

	err := q.Dispatch(context.Background(), events.NewConnectedEvent())
	if err == nil {
		t.Fatalf("expected error")
	}
	if ran2 || ran3 {
		t.Fatalf("expected chain to abort after error")
	}
	if reportedErr == nil {
		t.Fatalf("expected OnError observer to be invoked")
	}
}
