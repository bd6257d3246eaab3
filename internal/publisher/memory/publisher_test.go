package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "changes", map[string]string{"identity": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(""), 2)
	msgs := pub.Messages("changes")
	require.Len(t, msgs, 1)

	var decoded map[string]string
	require.NoError(t, msgs[0].Decode(&decoded))
	require.Equal(t, "a", decoded["identity"])

	msgs[0].Data[0] = 'X'
	require.JSONEq(t, `{"identity":"a"}`, string(pub.Messages("changes")[0].Data))
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "changes", 1)
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages(""))

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "changes", 1)
	require.NoError(t, err)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "changes", make(chan int))
	require.Error(t, err)
}
