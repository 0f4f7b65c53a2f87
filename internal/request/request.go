// Package request implements Request, the reusable, signed HTTP
// transaction that every network-touching operation in the core is built
// from: one Request instance is bound to one underlying *http.Client for
// its lifetime, and is init'd/run many times across its life inside a
// worker pool.
package request

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/logging"
	"github.com/objectfs/s3corefs/internal/object"
)

// MetricsRecorder receives the outcome of one Run call. Satisfied by
// *metrics.Collector; declared locally so this package doesn't have to
// import internal/metrics just to accept one.
type MetricsRecorder interface {
	RecordRequest(method string, duration time.Duration, err error)
}

// Option configures optional collaborators on a Request.
type Option func(*Request)

// WithLogger sets the logger Run reports Debug completions and Warn
// failures through. Nil-safe: a Request built without this option falls
// back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Request) { r.logger = logger }
}

// WithMetrics records every Run call's duration and outcome into m.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Request) { r.metrics = m }
}

// Method is one of the HTTP methods the core issues.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodHead   Method = http.MethodHead
	MethodPut    Method = http.MethodPut
	MethodPost   Method = http.MethodPost
	MethodDelete Method = http.MethodDelete
)

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Request is a reusable HTTP transaction. It is not safe for concurrent
// use by multiple goroutines at once (each worker in the pool owns
// exactly one), but CheckTimeout is called concurrently by the pool's
// supervisor goroutine while the owning worker may be blocked inside Run,
// so the timeout/cancellation state is guarded by its own mutex.
type Request struct {
	ctx    *fsctx.Context
	client *http.Client

	method       string
	pathForSign  string
	urlStr       string
	header       http.Header
	targetObject *object.Object

	responseHeaders map[string]string
	responseBuf     *bytes.Buffer

	inputData   string
	inputReader io.ReaderAt
	inputSize   int64
	inputOffset int64

	outputWriter io.WriterAt
	outputOffset int64

	responseCode int
	lastModified time.Time
	lastSignFailed bool

	tmu        sync.Mutex
	canceled   bool
	deadline   time.Time
	cancelFunc context.CancelFunc

	runCount      int64
	firstRunDone  bool
	totalDuration time.Duration

	logger  *slog.Logger
	metrics MetricsRecorder
}

// New creates a Request bound to client for the lifetime of the returned
// value.
func New(ctx *fsctx.Context, client *http.Client, opts ...Option) *Request {
	r := &Request{
		ctx:    ctx,
		client: client,
		header: make(http.Header),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init resets all transient per-transaction state. Fails if the request
// was previously canceled: a canceled Request is terminal and must be
// replaced, not reused, by its owning worker.
func (r *Request) Init(method string) error {
	r.tmu.Lock()
	canceled := r.canceled
	r.tmu.Unlock()
	if canceled {
		return apperrors.Validation("init", "cannot reinitialize a canceled request")
	}
	if !validMethod(method) {
		return apperrors.Validation("init", fmt.Sprintf("invalid method %q", method))
	}

	r.method = method
	r.pathForSign = ""
	r.urlStr = ""
	r.header = make(http.Header)
	r.targetObject = nil
	r.responseHeaders = nil
	r.responseBuf = nil
	r.inputData = ""
	r.inputReader = nil
	r.inputSize = 0
	r.inputOffset = 0
	r.outputWriter = nil
	r.outputOffset = 0
	r.responseCode = 0
	r.lastModified = time.Time{}
	return nil
}

// SetURL composes the full request URL from the service profile's URL
// prefix, path, and an optional query string.
func (r *Request) SetURL(path, query string) {
	r.pathForSign = path
	r.urlStr = r.ctx.Profile.URLPrefix() + path
	if query == "" {
		return
	}
	if strings.Contains(path, "?") {
		r.urlStr += "&" + query
	} else {
		r.urlStr += "?" + query
	}
}

func (r *Request) SetHeader(key, value string) {
	r.header.Set(key, value)
}

// SetMetaHeaders delegates to obj, which emits user metadata first and
// then the reserved metadata headers so reserved keys win any collision.
func (r *Request) SetMetaHeaders(obj *object.Object) {
	obj.SetMetaHeaders(r.SetHeader)
}

// SetInputData selects a string-backed upload body. Only legal for
// PUT/POST; supplying a non-empty body on any other method is a
// validation error.
func (r *Request) SetInputData(s string) error {
	if s != "" && r.method != http.MethodPut && r.method != http.MethodPost {
		return apperrors.Validation("set_input_data", "request body is only legal for PUT/POST")
	}
	r.inputData = s
	r.inputReader = nil
	return nil
}

// SetInputFd selects a file-backed upload body, read via ReadAt (pread)
// starting at offset for size bytes.
func (r *Request) SetInputFd(f io.ReaderAt, size, offset int64) error {
	if r.method != http.MethodPut && r.method != http.MethodPost {
		return apperrors.Validation("set_input_fd", "request body is only legal for PUT/POST")
	}
	r.inputReader = f
	r.inputSize = size
	r.inputOffset = offset
	r.inputData = ""
	return nil
}

// SetOutputFd selects a file-backed download sink, written via WriteAt
// (pwrite) starting at offset. If unset, the response body is buffered in
// memory and available via ResponseBody.
func (r *Request) SetOutputFd(f io.WriterAt, offset int64) {
	r.outputWriter = f
	r.outputOffset = offset
}

// SetTargetObject arranges for response headers to stream into obj via
// ProcessHeader, and for ProcessResponse to be called once after the body
// is fully read. Without a target object, headers are buffered in a map
// retrievable via ResponseHeader.
//
// obj is wiped via Reset before being wired up, so a target object reused
// across a retried Run (the same *object.Object passed to SetTargetObject
// again after a failed attempt) never carries stale fields from the
// previous attempt into the next one.
func (r *Request) SetTargetObject(obj *object.Object) {
	if obj != nil {
		obj.Reset()
	}
	r.targetObject = obj
}

func (r *Request) ResponseCode() int          { return r.responseCode }
func (r *Request) LastModified() time.Time    { return r.lastModified }
func (r *Request) ResponseBody() []byte {
	if r.responseBuf == nil {
		return nil
	}
	return r.responseBuf.Bytes()
}
func (r *Request) ResponseHeader(key string) string {
	if r.responseHeaders == nil {
		return ""
	}
	return r.responseHeaders[strings.ToLower(key)]
}

// Method, ContentMD5, ContentType, DateHeader, AmzHeaders, URLPath, and
// the SetHeader above satisfy types.SignableRequest.
func (r *Request) Method() string      { return r.method }
func (r *Request) ContentMD5() string  { return r.header.Get("Content-MD5") }
func (r *Request) ContentType() string { return r.header.Get("Content-Type") }
func (r *Request) DateHeader() string  { return r.header.Get("Date") }
func (r *Request) URLPath() string     { return r.pathForSign }

// FullURL and PayloadHash satisfy signer.SigV4Request for callers that
// configure a SigV4Signer instead of the classic LegacyAuthSigner.
func (r *Request) FullURL() string { return r.urlStr }

func (r *Request) PayloadHash() string {
	h := sha256.New()
	switch {
	case r.inputReader != nil:
		buf := make([]byte, 32*1024)
		sr := io.NewSectionReader(r.inputReader, r.inputOffset, r.inputSize)
		io.CopyBuffer(h, sr, buf)
	case r.inputData != "":
		h.Write([]byte(r.inputData))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Request) AmzHeaders() map[string]string {
	prefix := strings.ToLower(r.ctx.AmzHeaderPrefix)
	out := make(map[string]string)
	for k, vs := range r.header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, prefix) && len(vs) > 0 {
			out[lk] = vs[0]
		}
	}
	return out
}

// CheckTimeout is called by the worker pool's supervisor goroutine,
// independent of whether this request is currently running. Crossing the
// deadline sets canceled=true and cancels the in-flight HTTP call, if any.
func (r *Request) CheckTimeout() {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	if r.canceled || r.deadline.IsZero() {
		return
	}
	if time.Now().After(r.deadline) {
		r.canceled = true
		if r.cancelFunc != nil {
			r.cancelFunc()
		}
	}
}

func (r *Request) Canceled() bool {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	return r.canceled
}

// Run performs the transaction: stamps the Date header, asks the signer
// to sign, dispatches over HTTP, streams headers into the target object
// (or buffers them), streams the body into the output sink (or buffers
// it), and finalizes the target object.
func (r *Request) Run(ctx context.Context) (err error) {
	runStart := time.Now()
	defer func() {
		d := time.Since(runStart)
		if r.metrics != nil {
			r.metrics.RecordRequest(r.method, d, err)
		}
		if err != nil {
			logging.LogError(r.logger, "request.run", err)
			return
		}
		r.logger.Debug("request completed", "method", r.method, "path", r.pathForSign, "status", r.responseCode, "duration", d)
	}()

	r.header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := r.ctx.Signer.Sign(r, r.lastSignFailed); err != nil {
		r.lastSignFailed = true
		return apperrors.Transport("sign", err)
	}
	r.lastSignFailed = false

	runCtx, cancel := context.WithCancel(ctx)
	r.tmu.Lock()
	r.deadline = time.Now().Add(r.ctx.RequestTimeout)
	r.cancelFunc = cancel
	r.tmu.Unlock()
	defer cancel()
	defer func() {
		r.tmu.Lock()
		r.deadline = time.Time{}
		r.cancelFunc = nil
		r.tmu.Unlock()
	}()

	body, err := r.bodyReader()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(runCtx, r.method, r.urlStr, body)
	if err != nil {
		return apperrors.Validation("run", err.Error())
	}
	httpReq.Header = r.header.Clone()
	if r.inputReader != nil {
		httpReq.ContentLength = r.inputSize
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		if r.Canceled() {
			return apperrors.Timeout("run")
		}
		return apperrors.Transport("run", err)
	}
	defer resp.Body.Close()

	r.processHeaders(resp.Header)
	r.responseCode = resp.StatusCode
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			r.lastModified = t
		}
	}

	if err := r.streamBody(resp.Body); err != nil {
		return err
	}

	r.recordDuration(time.Since(start))

	if r.targetObject != nil {
		return r.targetObject.ProcessResponse(r.responseCode, r.lastModified, r.urlStr)
	}
	return nil
}

func (r *Request) bodyReader() (io.Reader, error) {
	switch {
	case r.inputReader != nil:
		return io.NewSectionReader(r.inputReader, r.inputOffset, r.inputSize), nil
	case r.inputData != "":
		return strings.NewReader(r.inputData), nil
	default:
		return nil, nil
	}
}

func (r *Request) processHeaders(h http.Header) {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	if r.targetObject == nil {
		r.responseHeaders = make(map[string]string, len(names))
	}
	for _, name := range names {
		values := h[name]
		if len(values) == 0 {
			continue
		}
		value := values[0]
		if r.targetObject != nil {
			r.targetObject.ProcessHeader(name, value)
		} else {
			r.responseHeaders[strings.ToLower(name)] = value
		}
	}
}

// streamBody drains resp into the output sink (file-backed or in-memory),
// checking cancellation between chunks the way the streaming callback
// contract in the design notes describes: a canceled request aborts the
// transfer instead of completing it.
func (r *Request) streamBody(body io.Reader) error {
	buf := make([]byte, 32*1024)
	var written int64

	if r.outputWriter == nil {
		r.responseBuf = &bytes.Buffer{}
	}

	for {
		if r.Canceled() {
			return apperrors.Timeout("run")
		}
		n, err := body.Read(buf)
		if n > 0 {
			if r.outputWriter != nil {
				if _, werr := r.outputWriter.WriteAt(buf[:n], r.outputOffset+written); werr != nil {
					return apperrors.Transport("run", werr)
				}
			} else {
				r.responseBuf.Write(buf[:n])
			}
			written += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Transport("run", err)
		}
	}
}

func (r *Request) recordDuration(d time.Duration) {
	r.runCount++
	if !r.firstRunDone {
		r.firstRunDone = true
		return
	}
	r.totalDuration += d
}

// AverageDuration returns the mean run duration excluding the first run
// (connection/TLS warmup skews it).
func (r *Request) AverageDuration() time.Duration {
	if r.runCount <= 1 {
		return 0
	}
	return r.totalDuration / time.Duration(r.runCount-1)
}
