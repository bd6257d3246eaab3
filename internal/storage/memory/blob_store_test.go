package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	stored, ok := store.Object("path/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, 1, store.Len())

	_, ok = store.Object("missing")
	require.False(t, ok)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestBlobStorePutObjectReadError(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "p", "text/html", failingReader{})
	require.Error(t, err)
}
