package workerpool

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

	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/request"
	"github.com/objectfs/s3corefs/internal/serviceprofile"
	"github.com/objectfs/s3corefs/internal/signer"
)

func testCtx(srv *httptest.Server, timeout time.Duration) *fsctx.Context {
	profile := serviceprofile.New(serviceprofile.Config{Endpoint: srv.URL, Bucket: "b", PathStyle: true})
	return &fsctx.Context{
		Signer:          &signer.LegacyAuthSigner{AccessKey: "a", SecretKey: "b"},
		Profile:         profile,
		AmzHeaderPrefix: "x-amz-",
		RequestTimeout:  timeout,
	}
}

func TestPool_DispatchRunsOnWorkerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	ctx := testCtx(srv, time.Second)
	pool := New(ctx, srv.Client(), 2, 20*time.Millisecond)
	defer pool.Close()

	err := pool.Dispatch(context.Background(), func(rctx context.Context, req *request.Request) error {
		require.NoError(t, req.Init("GET"))
		req.SetURL("/key", "")
		return req.Run(rctx)
	})
	require.NoError(t, err)
}

func TestPool_ConcurrentDispatchUsesAllWorkers(t *testing.T) {
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	ctx := testCtx(srv, time.Second)
	pool := New(ctx, srv.Client(), 4, 20*time.Millisecond)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Dispatch(context.Background(), func(rctx context.Context, req *request.Request) error {
				require.NoError(t, req.Init("GET"))
				req.SetURL("/key", "")
				return req.Run(rctx)
			})
			assert.NoError(t, err)
		}()
	}

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(4), atomic.LoadInt32(&maxInFlight))
}

func TestPool_StickyCancelReplacesWorkerRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(200)
	}))
	defer srv.Close()
	defer close(release)

	ctx := testCtx(srv, time.Millisecond)
	pool := New(ctx, srv.Client(), 1, 2*time.Millisecond)
	defer pool.Close()

	err := pool.Dispatch(context.Background(), func(rctx context.Context, req *request.Request) error {
		require.NoError(t, req.Init("GET"))
		req.SetURL("/key", "")
		return req.Run(rctx)
	})
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		return !pool.workerRequest(0).Canceled()
	}, time.Second, time.Millisecond, "worker's request should be replaced after a sticky cancel")
}
