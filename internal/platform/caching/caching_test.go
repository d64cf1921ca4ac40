package caching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullCachingService_GetAlwaysMisses(t *testing.T) {
	c := NewNullCachingService()
	val, ok, err := c.Get(context.Background(), "user:files:owner-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, val)
}

func TestNullCachingService_SetAndDeleteAreNoOps(t *testing.T) {
	c := NewNullCachingService()
	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))
	require.NoError(t, c.Delete(context.Background(), "k"))

	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

// RedisCachingService needs a live redis and has no test in this package.
