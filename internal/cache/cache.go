// Package cache implements ObjectCache: the path→Object map, the
// handle→Object secondary index, concurrent fetch coalescing, and the
// open/release handle lifecycle's two-phase locking discipline.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/bucket"
	"github.com/objectfs/s3corefs/internal/circuitbreaker"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/object"
	"github.com/objectfs/s3corefs/internal/request"
	"github.com/objectfs/s3corefs/internal/retry"
	"github.com/objectfs/s3corefs/pkg/types"
)

// HandleGauge tracks the number of currently open file handles. Satisfied
// by prometheus.Gauge (metrics.Collector.OpenHandles); declared locally so
// this package doesn't have to import internal/metrics just to accept
// one.
type HandleGauge interface {
	Inc()
	Dec()
}

// Hint steers Get's fetch strategy between a direct HEAD and a
// listing-probe fallback.
type Hint int

const (
	HintNone Hint = iota
	HintFile
	HintDirectory
)

// Dispatcher runs a job against a pool-owned *request.Request. It is
// satisfied by *workerpool.Pool; declared locally (rather than in
// pkg/types) so this package's dependency on internal/request doesn't
// force pkg/types to depend on it too.
type Dispatcher interface {
	Dispatch(ctx context.Context, fn func(ctx context.Context, req *request.Request) error) error
}

// OpenFileFactory constructs the file-transfer engine's per-handle
// collaborator for a newly opened object.
type OpenFileFactory func(obj *object.Object, handle uint64) object.OpenFile

// pendingFetch coalesces concurrent Get calls for the same missing path
// into a single network round-trip: the first caller installs a
// pendingFetch and releases the lock before dispatching the network call;
// later callers observe the pendingFetch (not a placeholder Object in
// cacheMap) and wait on its channel instead of issuing a second fetch.
type pendingFetch struct {
	done chan struct{}
	obj  *object.Object
	err  error
}

// Cache is the ObjectCache.
type Cache struct {
	ctx     *fsctx.Context
	pool    Dispatcher
	newFile OpenFileFactory
	maxKeys int

	retryer *retry.Retryer
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	handles HandleGauge

	mu         sync.Mutex
	cacheMap   map[string]*object.Object
	handleMap  map[uint64]*object.Object
	pending    map[string]*pendingFetch
	nextHandle uint64

	hits, misses, expiries uint64
}

// Option configures optional resilience wrapping around fetch's network
// call.
type Option func(*Cache)

// WithRetry retries a fetch's dispatch on transient (transport/timeout)
// failures with backoff.
func WithRetry(r *retry.Retryer) Option {
	return func(c *Cache) { c.retryer = r }
}

// WithCircuitBreaker short-circuits fetch dispatch once the store has
// failed repeatedly, so a lookup-heavy caller doesn't pile up blocked
// goroutines against a store that is already down.
func WithCircuitBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Cache) { c.breaker = b }
}

// WithLogger sets the logger lookupLocked reports Debug-level hit/miss/
// expiry transitions through. Nil-safe: a Cache built without this option
// falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithHandleGauge sets the gauge OpenHandle/ReleaseHandle track the
// currently-open handle count through.
func WithHandleGauge(g HandleGauge) Option {
	return func(c *Cache) { c.handles = g }
}

// New builds an empty Cache. pool supplies worker-owned requests for
// network operations; newFile constructs the per-handle OpenFile
// collaborator.
func New(ctx *fsctx.Context, pool Dispatcher, newFile OpenFileFactory, opts ...Option) *Cache {
	c := &Cache{
		ctx:       ctx,
		pool:      pool,
		newFile:   newFile,
		maxKeys:   1,
		logger:    slog.Default(),
		cacheMap:  make(map[string]*object.Object),
		handleMap: make(map[uint64]*object.Object),
		pending:   make(map[string]*pendingFetch),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lookupLocked implements find(path): present-and-fresh is a hit,
// present-with-no-open-file-and-expired is an expiry (which evicts),
// absent is a miss. Called with c.mu held.
func (c *Cache) lookupLocked(path string) (*object.Object, bool) {
	obj, ok := c.cacheMap[path]
	if !ok {
		c.misses++
		c.logger.Debug("cache miss", "path", path)
		return nil, false
	}
	if obj.OpenFile() == nil && !obj.Expiry().IsZero() && time.Now().After(obj.Expiry()) {
		c.expiries++
		delete(c.cacheMap, path)
		c.logger.Debug("cache entry expired", "path", path)
		return nil, false
	}
	c.hits++
	c.logger.Debug("cache hit", "path", path)
	return obj, true
}

// Get returns the cached object for path, populating it from the store
// on a miss. Concurrent Get calls for the same missing path share one
// fetch.
func (c *Cache) Get(ctx context.Context, path string, hint Hint) (*object.Object, error) {
	c.mu.Lock()
	if obj, ok := c.lookupLocked(path); ok {
		c.mu.Unlock()
		return obj, nil
	}
	if pf, ok := c.pending[path]; ok {
		c.mu.Unlock()
		<-pf.done
		return pf.obj, pf.err
	}

	pf := &pendingFetch{done: make(chan struct{})}
	c.pending[path] = pf
	c.mu.Unlock()

	obj, err := c.fetch(ctx, path, hint)

	c.mu.Lock()
	delete(c.pending, path)
	if err == nil {
		c.cacheMap[path] = obj
	}
	c.mu.Unlock()

	pf.obj, pf.err = obj, err
	close(pf.done)
	return obj, err
}

func (c *Cache) fetch(ctx context.Context, path string, hint Hint) (*object.Object, error) {
	obj := object.New(c.ctx, path)
	dispatch := func(rctx context.Context) error {
		return c.pool.Dispatch(rctx, func(rctx2 context.Context, req *request.Request) error {
			return c.populate(rctx2, req, obj, path, hint)
		})
	}

	run := func() error {
		if c.retryer != nil {
			return c.retryer.Do(ctx, dispatch)
		}
		return dispatch(ctx)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// populate issues a HEAD for path (or, for a directory hint, path with a
// trailing slash). With HintFile a 404 is reported as not found at once;
// with any other hint a 404 falls back to a single-key listing probe under
// path+"/" so that a prefix with no explicit directory marker object
// still resolves to a synthetic directory, matching how object stores
// with no real directory concept behave.
func (c *Cache) populate(ctx context.Context, req *request.Request, obj *object.Object, path string, hint Hint) error {
	headPath := path
	if hint == HintDirectory {
		headPath = strings.TrimSuffix(path, "/") + "/"
	}

	if err := req.Init("HEAD"); err != nil {
		return err
	}
	req.SetURL(headPath, "")
	req.SetTargetObject(obj)
	if err := req.Run(ctx); err != nil {
		return err
	}

	switch code := req.ResponseCode(); {
	case code == 200:
		return nil
	case code == 404:
		if hint == HintFile {
			return apperrors.NotFound("cache.get", path)
		}
		found, err := c.probeDirectory(ctx, req, path)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.NotFound("cache.get", path)
		}
		obj.PopulateSynthetic(types.TypeDirectory)
		return nil
	default:
		return apperrors.HTTPStatus("cache.get", code)
	}
}

func (c *Cache) probeDirectory(ctx context.Context, req *request.Request, path string) (bool, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	reader := bucket.NewReader(c.ctx, prefix, false, c.maxKeys)
	var keys, prefixes []string
	if _, err := reader.Read(ctx, req, &keys, &prefixes); err != nil {
		return false, err
	}
	return len(keys) > 0 || len(prefixes) > 0, nil
}

// OpenHandle implements the two-phase-locking open lifecycle: allocate
// and publish the handle under lock, release the lock before the
// network-touching Init call, then add the reference. Init is called only
// by the invocation that creates the OpenFile; a concurrent opener of an
// already-open path reuses it without touching the network again.
func (c *Cache) OpenHandle(ctx context.Context, path string) (uint64, error) {
	obj, err := c.Get(ctx, path, HintFile)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	var handle uint64
	created := false
	if existing := obj.OpenFile(); existing != nil {
		handle = existing.Handle()
	} else {
		handle = c.nextHandle
		c.nextHandle++
		of := c.newFile(obj, handle)
		obj.SetOpenFile(of)
		c.handleMap[handle] = obj
		created = true
	}
	c.mu.Unlock()

	if created {
		if err := obj.OpenFile().Init(); err != nil {
			c.mu.Lock()
			obj.SetOpenFile(nil)
			delete(c.handleMap, handle)
			c.mu.Unlock()
			return 0, err
		}
		if c.handles != nil {
			c.handles.Inc()
		}
	}

	obj.OpenFile().AddReference()
	return handle, nil
}

// ReleaseHandle drops one reference on handle's OpenFile. When the last
// reference drops, the handle is erased from handleMap, then Cleanup runs
// unlocked (it may block on the network) while the cache entry stays
// reachable in cacheMap, and only afterward is the object erased from
// cacheMap.
func (c *Cache) ReleaseHandle(ctx context.Context, handle uint64) error {
	c.mu.Lock()
	obj, ok := c.handleMap[handle]
	c.mu.Unlock()
	if !ok {
		return apperrors.Validation("release_handle", "unknown handle")
	}

	of := obj.OpenFile()
	if of == nil {
		return apperrors.State("release_handle", "object has no open file")
	}

	zero, err := of.Release()
	if err != nil {
		return err
	}
	if !zero {
		return nil
	}

	c.mu.Lock()
	delete(c.handleMap, handle)
	c.mu.Unlock()
	if c.handles != nil {
		c.handles.Dec()
	}

	cleanupErr := of.Cleanup()

	c.mu.Lock()
	delete(c.cacheMap, obj.Path())
	obj.SetOpenFile(nil)
	c.mu.Unlock()

	return cleanupErr
}

// Remove evicts path from the cache: it erases the handle-map entry of
// the object's OpenFile, if any, and then the path entry. It never calls
// into the OpenFile itself, so buffered writes are neither flushed nor
// discarded; after Remove, GetFile and ReleaseHandle no longer find that
// handle, so Cleanup is not run for it through ReleaseHandle.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.cacheMap[path]
	if !ok {
		return
	}
	if of := obj.OpenFile(); of != nil {
		delete(c.handleMap, of.Handle())
	}
	delete(c.cacheMap, path)
}

// GetFile returns the OpenFile pinned by handle, if any.
func (c *Cache) GetFile(handle uint64) (object.OpenFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.handleMap[handle]
	if !ok {
		return nil, false
	}
	return obj.OpenFile(), true
}

// Stats returns the hit/miss/expiry counters.
func (c *Cache) Stats() (hits, misses, expiries uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.expiries
}
