package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/publisher/memory"
)

func sampleRun() climate.Run {
	return climate.Run{
		ID:          "abc123",
		CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Fingerprint: "fp",
		Lang:        climate.LangDE,
		Outputs:     []climate.Artifact{{Name: "map.html"}, {Name: "outputs.zip"}},
		BundleURL:   "/api/runs/abc123/download",
	}
}

func TestNotifierPublishesRunCompleted(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	n := NewNotifier(pub, "zca-runs", nil)
	if id := n.RunCompleted(context.Background(), sampleRun()); id != "memory-1" {
		t.Fatalf("unexpected message id %q", id)
	}

	msgs := pub.Topic("zca-runs")
	if len(msgs) != 1 || msgs[0].ID != "memory-1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	event, ok := msgs[0].Payload.(RunCompleted)
	if !ok {
		t.Fatalf("unexpected payload type %T", msgs[0].Payload)
	}
	if event.Event != EventRunCompleted || event.RunID != "abc123" || len(event.Outputs) != 2 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Attributes()["run_id"] != "abc123" {
		t.Fatalf("unexpected attributes: %v", event.Attributes())
	}
}

func TestNotifierSwallowsFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("broker down"))
	if id := NewNotifier(pub, "t", nil).RunCompleted(context.Background(), sampleRun()); id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
	if id := NewNotifier(nil, "t", nil).RunCompleted(context.Background(), sampleRun()); id != "" {
		t.Fatalf("expected disabled notifier, got %q", id)
	}
	var n *Notifier
	if id := n.RunCompleted(context.Background(), sampleRun()); id != "" {
		t.Fatalf("expected nil notifier to be a no-op, got %q", id)
	}
}
