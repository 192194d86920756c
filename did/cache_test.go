package did

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (r *countingResolver) Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return nil, DocumentMetadata{}, r.err
	}
	return &Document{ID: id.Raw}, DocumentMetadata{Owner: "0xabc"}, nil
}

func mustParse(t *testing.T, raw string) DID {
	t.Helper()
	id, err := Parse(raw)
	require.NoError(t, err)
	return id
}

func TestCachingResolver_CachesUntilExpiry(t *testing.T) {
	inner := &countingResolver{}
	cache := NewCachingResolver(inner, time.Minute)
	now := time.Unix(1743763600, 0)
	cache.now = func() time.Time { return now }

	id := mustParse(t, "did:web:example.com")
	for range 3 {
		doc, meta, err := cache.Resolve(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "did:web:example.com", doc.ID)
		assert.Equal(t, "0xabc", meta.Owner)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1, cache.Len())

	now = now.Add(time.Minute)
	_, _, err := cache.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "expired entries are resolved again")

	cache.Invalidate(id)
	_, _, err = cache.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestCachingResolver_DoesNotCacheFailures(t *testing.T) {
	inner := &countingResolver{err: ErrNotFound}
	cache := NewCachingResolver(inner, 0)
	id := mustParse(t, "did:web:example.com")

	_, _, err := cache.Resolve(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = cache.Resolve(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestCachingResolver_CoalescesConcurrentLookups(t *testing.T) {
	inner := &countingResolver{release: make(chan struct{})}
	cache := NewCachingResolver(inner, time.Minute)
	id := mustParse(t, "did:web:example.com")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := cache.Resolve(context.Background(), id)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(inner.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachingResolver_WaiterHonorsContext(t *testing.T) {
	inner := &countingResolver{release: make(chan struct{})}
	cache := NewCachingResolver(inner, time.Minute)
	id := mustParse(t, "did:web:example.com")

	go func() { _, _, _ = cache.Resolve(context.Background(), id) }()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := cache.Resolve(ctx, id)
	assert.True(t, errors.Is(err, context.Canceled))
	close(inner.release)
}
