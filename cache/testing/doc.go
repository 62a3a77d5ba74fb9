// Package testing provides a configurable in-memory cache.Cache for unit tests.
//
// MockCache needs no setup and can inject failures or delays per operation:
//
//	mock := testing.NewMockCache().
//	    WithGetFailure(cache.NewConnectionError("get", "redis:6379", io.EOF))
//
// Operations are counted so tests can assert how a collaborator used the cache:
//
//	assert.Equal(t, int64(1), mock.OperationCount("Set"))
//
// For tests that need real Redis semantics, use miniredis with cache/redis instead.
package testing
