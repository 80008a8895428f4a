package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "runs", map[string]string{"run_id": "r1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "entities", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "runs" || msgs[1].Topic != "entities" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}
	if got := pub.Topic("runs"); len(got) != 1 {
		t.Fatalf("expected one runs payload, got %d", len(got))
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "runs", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "runs", "x"); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pub.Publish(ctx, "runs", "x"); err == nil {
		t.Fatal("expected canceled context to fail publish")
	}
	if len(pub.Messages()) != 1 {
		t.Fatalf("expected only the successful publish recorded, got %d", len(pub.Messages()))
	}
}
