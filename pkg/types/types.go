// Package types holds the contract types shared across the core packages:
// the object type enum, the POSIX stat projection, and the interfaces that
// let Request, Object, and BucketReader be built against pluggable
// collaborators (Signer, ServiceProfile) instead of a concrete S3 dialect.
package types

import (
	"time"
)

// ObjectType classifies an Object's role in the filesystem namespace.
type ObjectType int

const (
	TypeInvalid ObjectType = iota
	TypeFile
	TypeDirectory
	TypeSymlink
)

func (t ObjectType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "invalid"
	}
}

// SymlinkContentType is the Content-Type sentinel used to mark a symlink
// object when no explicit type header is stored.
const SymlinkContentType = "text/symlink"

// Stat is the POSIX-shaped metadata projection of an Object.
type Stat struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   int64
	Mtime  time.Time
	Nlink  uint32
	Blocks int64
}

// SignableRequest exposes exactly what a Signer needs from a Request in
// order to canonicalize and sign it, without the signer package depending
// on the request package's concrete type (avoiding an import cycle: the
// request package depends on this package for Signer, so this interface
// must not depend back on the request package).
type SignableRequest interface {
	Method() string
	ContentMD5() string
	ContentType() string
	DateHeader() string
	// AmzHeaders returns the subset of request headers whose names begin
	// with the vendor prefix (e.g. "x-amz-"), keyed by lowercase name.
	AmzHeaders() map[string]string
	// URLPath returns the unprefixed resource path passed to SetURL,
	// which is what the classic canonical string signs over (not the
	// full bucket-prefixed URL).
	URLPath() string
	SetHeader(key, value string)
}

// Signer canonicalizes and signs a prepared request for a specific S3
// dialect, writing an Authorization header. lastSignFailed reports
// whether the previous Sign call on the same request returned an error,
// so a signer that maintains its own retry/backoff state (e.g. a
// credential refresh) can react to it.
type Signer interface {
	Sign(req SignableRequest, lastSignFailed bool) error
}

// ServiceProfile answers capability and addressing questions about the
// target S3-compatible endpoint.
type ServiceProfile interface {
	URLPrefix() string
	BucketURL() string
	HeaderPrefix() string
	IsMultipartUploadSupported() bool
	IsMultipartDownloadSupported() bool
	IsNextMarkerSupported() bool
}
