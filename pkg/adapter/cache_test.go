package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "listPolicies", cacheKey("listPolicies", nil))
	assert.Equal(t, "getPolicyDetails:12", cacheKey("getPolicyDetails", []any{"12"}))
	assert.Equal(t, "searchComputers:lab:5", cacheKey("searchComputers", []any{"lab", 5}))
}

func TestInvalidationPrefixes(t *testing.T) {
	prefixes := invalidationPrefixes(
		[]string{"listPolicies", "getPolicyDetails:{0}"}, []any{"12"})
	assert.Equal(t, []string{"listPolicies", "getPolicyDetails:12"}, prefixes)

	// A placeholder prefix with no argument to fill it is skipped rather
	// than invalidating everything under the bare operation name.
	prefixes = invalidationPrefixes(
		[]string{"listPolicies", "getPolicyDetails:{0}"}, nil)
	assert.Equal(t, []string{"listPolicies"}, prefixes)
}

func TestReadCachePrefixInvalidation(t *testing.T) {
	c := newReadCache(10, time.Minute)
	c.put("getPolicyDetails:12", "a")
	c.put("getPolicyDetails:13", "b")
	c.put("listPolicies", "c")
	require.Equal(t, 3, c.len())

	c.invalidatePrefix("getPolicyDetails:12")
	_, ok := c.get("getPolicyDetails:12")
	assert.False(t, ok)
	_, ok = c.get("getPolicyDetails:13")
	assert.True(t, ok)

	c.invalidatePrefix("getPolicyDetails")
	assert.Equal(t, 1, c.len())
}

func TestReadCacheTTL(t *testing.T) {
	c := newReadCache(10, 30*time.Millisecond)
	c.put("listPolicies", "v")
	_, ok := c.get("listPolicies")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := c.get("listPolicies")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestReadCacheBounded(t *testing.T) {
	c := newReadCache(2, time.Minute)
	c.put("a", 1)
	c.put("b", 2)
	c.put("c", 3)
	assert.Equal(t, 2, c.len())
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, CategoryAuth, classifyStatus(401))
	assert.Equal(t, CategoryPermission, classifyStatus(403))
	assert.Equal(t, CategoryNotFound, classifyStatus(404))
	assert.Equal(t, CategoryTransient, classifyStatus(429))
	assert.Equal(t, CategoryValidation, classifyStatus(422))
	assert.Equal(t, CategoryTransient, classifyStatus(503))
}

func TestFallbackable(t *testing.T) {
	assert.True(t, (&APIError{Category: CategoryPermission}).fallbackable())
	assert.True(t, (&APIError{Category: CategoryNotFound}).fallbackable())
	assert.True(t, (&APIError{Category: CategoryTimeout}).fallbackable())
	assert.False(t, (&APIError{Category: CategoryValidation}).fallbackable())
	assert.False(t, (&APIError{Category: CategoryPermanent}).fallbackable())

	assert.True(t, (&APIError{Category: CategoryTransient}).retriable())
	assert.False(t, (&APIError{Category: CategoryPermission}).retriable())
}
