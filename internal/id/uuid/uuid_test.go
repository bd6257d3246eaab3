package uuid

import (
	"sort"
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)
	parsed, err := googleuuid.Parse(id)
	require.NoError(t, err)
	assert.EqualValues(t, 7, parsed.Version())
}

func TestNewIDsAreUniqueAndSortInCreationOrder(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 64)
	seen := make(map[string]struct{}, 64)
	for range 64 {
		id, err := gen.NewID()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	assert.True(t, sort.StringsAreSorted(ids))
}
