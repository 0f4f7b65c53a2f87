// Package bucket implements paginated bucket listing over the classic
// ListBucketResult XML shape, driven through a *request.Request the
// caller supplies (so listing shares the same worker pool, signer, and
// timeout discipline as every other operation).
package bucket

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/request"
	"github.com/objectfs/s3corefs/internal/xmlutil"
)

// Reader iterates one prefix's listing across as many GET Bucket pages as
// the store returns.
type Reader struct {
	ctx    *fsctx.Context
	prefix string
	// groupCommonPrefixes requests delimiter="/" grouping, which is what
	// yields synthetic per-level directory entries instead of every key
	// under prefix at every depth.
	groupCommonPrefixes bool
	maxKeys             int

	marker    string
	truncated bool
	done      bool
}

// NewReader creates a Reader that lists everything under prefix.
// groupCommonPrefixes should be true for a single-directory readdir and
// false for a recursive walk. maxKeys <= 0 disables the cap: buildQuery
// omits max-keys entirely and the store applies its own default page size.
func NewReader(ctx *fsctx.Context, prefix string, groupCommonPrefixes bool, maxKeys int) *Reader {
	if maxKeys < 0 {
		maxKeys = 0
	}
	return &Reader{
		ctx:                 ctx,
		prefix:              strings.TrimPrefix(prefix, "/"),
		groupCommonPrefixes: groupCommonPrefixes,
		maxKeys:             maxKeys,
	}
}

// Done reports whether the listing has been fully consumed.
func (r *Reader) Done() bool { return r.done }

// Read fetches the next page via req and appends its keys and (if
// grouping is enabled) common prefixes to the caller-owned slices. It
// returns the total number of keys plus prefixes appended this call; 0 if
// the reader is already exhausted (not an error).
func (r *Reader) Read(ctx context.Context, req *request.Request, outKeys *[]string, outPrefixes *[]string) (int, error) {
	if outKeys == nil {
		return 0, apperrors.Validation("bucket.read", "outKeys must not be nil")
	}
	if r.done {
		return 0, nil
	}

	if err := req.Init("GET"); err != nil {
		return 0, err
	}
	req.SetURL("/", r.buildQuery())

	if err := req.Run(ctx); err != nil {
		return 0, err
	}

	code := req.ResponseCode()
	if code != 200 {
		return 0, apperrors.HTTPStatus("bucket.read", code)
	}

	doc, err := xmlutil.Parse(req.ResponseBody())
	if err != nil {
		return 0, err
	}

	appended := 0
	for _, key := range doc.FindAll("Contents/Key") {
		*outKeys = append(*outKeys, key)
		appended++
	}
	if r.groupCommonPrefixes && outPrefixes != nil {
		for _, p := range doc.FindAll("CommonPrefixes/Prefix") {
			*outPrefixes = append(*outPrefixes, p)
			appended++
		}
	}

	truncated, ok := doc.Find("IsTruncated")
	if !ok {
		return appended, apperrors.Parse("bucket.read", errNoIsTruncated)
	}
	r.truncated = truncated == "true"

	if r.truncated {
		next, ok := "", false
		if r.ctx.Profile.IsNextMarkerSupported() {
			next, ok = doc.Find("NextMarker")
		}
		switch {
		case ok && next != "":
			r.marker = next
		case len(*outKeys) > 0:
			r.marker = (*outKeys)[len(*outKeys)-1]
		default:
			r.truncated = false
		}
	}
	if !r.truncated {
		r.done = true
	}

	return appended, nil
}

var errNoIsTruncated = readerError("response missing IsTruncated element")

type readerError string

func (e readerError) Error() string { return string(e) }

func (r *Reader) buildQuery() string {
	q := url.Values{}
	if r.prefix != "" {
		q.Set("prefix", r.prefix)
	}
	if r.groupCommonPrefixes {
		q.Set("delimiter", "/")
	}
	if r.maxKeys > 0 {
		q.Set("max-keys", strconv.Itoa(r.maxKeys))
	}
	if r.marker != "" {
		q.Set("marker", r.marker)
	}
	return q.Encode()
}
