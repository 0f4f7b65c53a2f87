package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/circuitbreaker"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/object"
	"github.com/objectfs/s3corefs/internal/retry"
	"github.com/objectfs/s3corefs/internal/serviceprofile"
	"github.com/objectfs/s3corefs/internal/signer"
	"github.com/objectfs/s3corefs/internal/workerpool"
)

func testCtx(srv *httptest.Server, ttl time.Duration) *fsctx.Context {
	profile := serviceprofile.New(serviceprofile.Config{
		Endpoint:  srv.URL,
		Bucket:    "bucket",
		PathStyle: true,
	})
	return &fsctx.Context{
		Signer:          &signer.LegacyAuthSigner{AccessKey: "a", SecretKey: "b"},
		Profile:         profile,
		AmzHeaderPrefix: "x-amz-",
		DefaultFileMode: 0644,
		DefaultDirMode:  0755,
		ExpiryTTL:       ttl,
		RequestTimeout:  time.Second,
	}
}

// fakeOpenFile is a minimal object.OpenFile for exercising OpenHandle /
// ReleaseHandle without a real network-backed transfer engine.
type fakeOpenFile struct {
	handle    uint64
	mu        sync.Mutex
	refs      int
	initCalls int32
	cleanups  int32
	initErr   error
}

func (f *fakeOpenFile) Init() error {
	atomic.AddInt32(&f.initCalls, 1)
	return f.initErr
}
func (f *fakeOpenFile) AddReference() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
}
func (f *fakeOpenFile) Release() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	return f.refs == 0, nil
}
func (f *fakeOpenFile) Cleanup() error {
	atomic.AddInt32(&f.cleanups, 1)
	return nil
}
func (f *fakeOpenFile) Handle() uint64 { return f.handle }

func headOnlyServer(t *testing.T, exists bool, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if !exists {
			w.WriteHeader(404)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(200)
	}))
}

// Scenario 4: cache hit/miss/expiry.
func TestGet_HitMissExpiry(t *testing.T) {
	var calls int32
	srv := headOnlyServer(t, true, &calls)
	defer srv.Close()

	ctx := testCtx(srv, 20*time.Millisecond)
	pool := workerpool.New(ctx, srv.Client(), 2, 5*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} })

	_, err := c.Get(context.Background(), "/x", HintFile)
	require.NoError(t, err)
	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, uint64(1), misses)

	_, err = c.Get(context.Background(), "/x", HintFile)
	require.NoError(t, err)
	hits, misses, _ = c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	time.Sleep(30 * time.Millisecond)
	_, err = c.Get(context.Background(), "/x", HintFile)
	require.NoError(t, err)
	_, _, expiries := c.Stats()
	assert.Equal(t, uint64(1), expiries)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// ∀ concurrent cache.get(p) callers for the same missing p: exactly one
// backing HEAD request is issued for p.
func TestGet_CoalescesConcurrentFetches(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 4, 50*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "/shared", HintFile)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// Scenario 5: open/release lifecycle.
func TestOpenReleaseHandle_Lifecycle(t *testing.T) {
	srv := headOnlyServer(t, true, nil)
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 2, 50*time.Millisecond)
	defer pool.Close()

	var built []*fakeOpenFile
	var mu sync.Mutex
	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile {
		f := &fakeOpenFile{handle: h}
		mu.Lock()
		built = append(built, f)
		mu.Unlock()
		return f
	})

	h1, err := c.OpenHandle(context.Background(), "/x")
	require.NoError(t, err)

	h2, err := c.OpenHandle(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	mu.Lock()
	require.Len(t, built, 1)
	fof := built[0]
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fof.initCalls))
	assert.Equal(t, 2, fof.refs)

	require.NoError(t, c.ReleaseHandle(context.Background(), h1))
	_, ok := c.GetFile(h1)
	assert.True(t, ok) // still one reference outstanding

	require.NoError(t, c.ReleaseHandle(context.Background(), h2))
	_, ok = c.GetFile(h2)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fof.cleanups))
}

func TestOpenHandle_MissingObjectIsNotFound(t *testing.T) {
	srv := headOnlyServer(t, false, nil)
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 1, 50*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} })
	_, err := c.OpenHandle(context.Background(), "/missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReleaseHandle_UnknownHandle(t *testing.T) {
	srv := headOnlyServer(t, true, nil)
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 1, 50*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} })
	err := c.ReleaseHandle(context.Background(), 999)
	assert.Error(t, err)
}

// Remove detaches the path and handle-map entries without calling into
// the OpenFile: afterwards neither the path nor the handle is found.
func TestRemove_NeverTouchesOpenFile(t *testing.T) {
	srv := headOnlyServer(t, true, nil)
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 1, 50*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} })

	h, err := c.OpenHandle(context.Background(), "/x")
	require.NoError(t, err)

	c.Remove("/x")

	_, ok := c.GetFile(h)
	assert.False(t, ok, "handle map entry is removed")

	_, ok = c.cacheMap["/x"]
	assert.False(t, ok)
}

// hijackNTimesServer resets the connection without writing a response for
// the first n requests, forcing req.Run to surface a transport error, then
// serves a normal 200 HEAD response afterward.
func hijackNTimesServer(t *testing.T, n int) (*httptest.Server, *int32) {
	var seen int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&seen, 1) <= int32(n) {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(200)
	}))
	return srv, &seen
}

func TestFetch_RetriesTransientTransportFailures(t *testing.T) {
	srv, seen := hijackNTimesServer(t, 2)
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 1, 50*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} },
		WithRetry(retry.New(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)))

	_, err := c.Get(context.Background(), "/x", HintFile)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(seen))
}

func TestFetch_CircuitBreakerOpensAfterFailureAndSkipsNetwork(t *testing.T) {
	srv, seen := hijackNTimesServer(t, 100)
	defer srv.Close()

	ctx := testCtx(srv, time.Minute)
	pool := workerpool.New(ctx, srv.Client(), 1, 50*time.Millisecond)
	defer pool.Close()

	c := New(ctx, pool, func(o *object.Object, h uint64) object.OpenFile { return &fakeOpenFile{handle: h} },
		WithCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour, HalfOpenSuccesses: 1})))

	_, err := c.Get(context.Background(), "/x", HintFile)
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(seen))

	_, err = c.Get(context.Background(), "/y", HintFile)
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(seen), "circuit should be open, second fetch never reaches the network")
}
