// Package fsctx holds the explicit runtime context that Request, Object,
// BucketReader, and ObjectCache all take at construction instead of
// reaching into process-wide statics: the signer, the service profile, the
// vendor/reserved metadata header prefixes, default ownership/mode, and
// the timing knobs that govern cache freshness and request deadlines.
//
// A Context is built once at startup and never mutated afterward, so
// reading its fields requires no lock.
package fsctx

import (
	"time"

	"github.com/objectfs/s3corefs/pkg/types"
)

// Context is the immutable configuration shared by the core components.
type Context struct {
	Signer  types.Signer
	Profile types.ServiceProfile

	// VendorMetaPrefix is the S3 vendor metadata header prefix, e.g.
	// "x-amz-meta-".
	VendorMetaPrefix string
	// ReservedPrefix is this filesystem's own namespace under
	// VendorMetaPrefix, e.g. "s3fuse-".
	ReservedPrefix string
	// AmzHeaderPrefix is the prefix used to select headers for the
	// signing canonical string, e.g. "x-amz-".
	AmzHeaderPrefix string

	DefaultUID      uint32
	DefaultGID      uint32
	DefaultFileMode uint32
	DefaultDirMode  uint32

	// ExpiryTTL governs how long a populated Object remains valid in
	// the cache.
	ExpiryTTL time.Duration
	// RequestTimeout is the deadline installed on every Request.Run.
	RequestTimeout time.Duration
}

// ReservedHeader returns the full header name for a reserved metadata key,
// e.g. ReservedHeader("mode") == "x-amz-meta-s3fuse-mode".
func (c *Context) ReservedHeader(name string) string {
	return c.VendorMetaPrefix + c.ReservedPrefix + name
}

// FullReservedPrefix returns the vendor+reserved prefix as a single
// string, e.g. "x-amz-meta-s3fuse-".
func (c *Context) FullReservedPrefix() string {
	return c.VendorMetaPrefix + c.ReservedPrefix
}
