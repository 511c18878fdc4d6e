package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "zca-runs", map[string]string{"run_id": "a"})
	require.NoError(t, err)
	id2, err := pub.Publish(context.Background(), "zca-audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	assert.Equal(t, "memory-2", id2)

	runs := pub.Topic("zca-runs")
	require.Len(t, runs, 1)
	assert.Equal(t, "memory-1", runs[0].ID)
	assert.Empty(t, pub.Topic("missing"))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	assert.Equal(t, "zca-runs", pub.Messages()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	broker := errors.New("broker down")
	pub.FailWith(broker)
	_, err := pub.Publish(context.Background(), "zca-runs", "x")
	require.ErrorIs(t, err, broker)
	assert.Empty(t, pub.Messages())

	pub.FailWith(nil)
	id, err := pub.Publish(context.Background(), "zca-runs", "x")
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
}

func TestPublisherHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "zca-runs", "payload")
	require.ErrorIs(t, err, context.Canceled)
}
