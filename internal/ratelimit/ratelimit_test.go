package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenDeny(t *testing.T) {
	t.Parallel()

	limiter, err := New(1, 2)
	require.NoError(t, err)

	// Burst headroom admits the first requests back to back.
	for i := 0; i < 3; i++ {
		ok, _, err := limiter.Allow("job-type:digest")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be within burst", i)
	}

	ok, retryAfter, err := limiter.Allow("job-type:digest")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, retryAfter, "a denial says when to try again")
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	t.Parallel()

	limiter, err := New(1, 0)
	require.NoError(t, err)

	ok, _, err := limiter.Allow("job-type:digest")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = limiter.Allow("job-type:digest")
	require.NoError(t, err)
	require.False(t, ok, "the scope's quota is spent")

	ok, _, err = limiter.Allow("job-type:cleanup")
	require.NoError(t, err)
	assert.True(t, ok, "another scope has its own quota")
}
