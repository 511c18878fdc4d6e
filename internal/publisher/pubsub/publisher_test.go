package pubsub

import (
	"context"
	"sort"
	"testing"
)

type attributed struct{ ID string }

func (a attributed) Attributes() map[string]string { return map[string]string{"run_id": a.ID} }

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	p := New(nil)
	if _, err := p.Publish(context.Background(), "runs", attributed{ID: "x"}); err == nil {
		t.Fatal("expected error without client")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	c.Set("run_id", "x")
	if c.Get("traceparent") != "00-abc" {
		t.Fatalf("unexpected value %q", c.Get("traceparent"))
	}
	keys := c.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "run_id" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestAttributerDetection(t *testing.T) {
	t.Parallel()

	var payload any = attributed{ID: "run-1"}
	a, ok := payload.(attributer)
	if !ok || a.Attributes()["run_id"] != "run-1" {
		t.Fatal("expected payload attributes to be detected")
	}
}
