package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PerClientLimit(t *testing.T) {
	r := NewRegistry(2)

	require.NoError(t, r.Acquire("a"))
	require.NoError(t, r.Acquire("a"))
	assert.ErrorIs(t, r.Acquire("a"), ErrClientLimit)
	require.NoError(t, r.Acquire("b"))

	r.Release("a")
	require.NoError(t, r.Acquire("a"))
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, r.Snapshot())
}

func TestRegistry_AnonymousClients(t *testing.T) {
	r := NewRegistry(1)
	require.NoError(t, r.Acquire(""))
	assert.ErrorIs(t, r.Acquire(""), ErrClientLimit)
	assert.Equal(t, 1, r.Count(anonymousClient))

	r.Release("")
	assert.Zero(t, r.Count(""))
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_Unlimited(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Acquire("c"))
	}
	assert.Equal(t, 100, r.Count("c"))
}
