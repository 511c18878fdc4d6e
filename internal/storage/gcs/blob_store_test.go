package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "runs"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "runs", Prefix: "/zca/"})
	require.NoError(t, err)

	name, err := s.objectName("/abc/outputs.zip")
	require.NoError(t, err)
	assert.Equal(t, "zca/abc/outputs.zip", name)

	_, err = s.objectName("  ")
	require.Error(t, err)

	bare, err := New(&storage.Client{}, Config{Bucket: "runs"})
	require.NoError(t, err)
	name, err = bare.objectName("abc/outputs.zip")
	require.NoError(t, err)
	assert.Equal(t, "abc/outputs.zip", name)
}
