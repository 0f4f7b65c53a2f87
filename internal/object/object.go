// Package object implements Object, the in-memory representation of one
// S3 object's metadata: POSIX stat projection, header ingestion, response
// finalization (type inference, mtime/md5 reconciliation, expiry), and the
// OpenFile it pins while a handle is open on it.
package object

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/pkg/types"
)

const modeTypeMask = syscall.S_IFMT

func typeBits(t types.ObjectType) uint32 {
	switch t {
	case types.TypeDirectory:
		return syscall.S_IFDIR
	case types.TypeSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// OpenFile is the file-transfer engine's collaborator contract: given an
// object and an assigned handle, it provides reference-counted, per-handle
// I/O. It is treated as opaque by Object and ObjectCache.
type OpenFile interface {
	// Init readies the file for I/O; it may block on the network. Safe
	// to call only once per OpenFile instance (the cache guarantees
	// this by calling it only on the handle that created the OpenFile).
	Init() error
	AddReference()
	// Release drops one reference and reports whether the count
	// reached zero.
	Release() (zero bool, err error)
	// Cleanup flushes any buffered writes and releases resources. It
	// may block on the network and is only called once, after the
	// last reference is released.
	Cleanup() error
	Handle() uint64
}

// Object represents one named entity in the bucket.
type Object struct {
	ctx *fsctx.Context

	mu sync.RWMutex

	path        string
	typ         types.ObjectType
	url         string
	stat        types.Stat
	contentType string
	etag        string
	mtimeETag   string
	md5         string
	md5ETag     string
	metadata    map[string]string
	expiry      time.Time
	openFile    OpenFile
}

// New creates an uninitialized Object for path. It is not yet valid
// (Expiry() is zero) until a request pipeline populates it via
// ProcessHeader/ProcessResponse, or PopulateSynthetic is called directly.
func New(ctx *fsctx.Context, path string) *Object {
	return &Object{
		ctx:      ctx,
		path:     path,
		metadata: make(map[string]string),
	}
}

func (o *Object) Path() string { return o.path }

func (o *Object) Type() types.ObjectType {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.typ
}

func (o *Object) URL() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.url
}

func (o *Object) Stat() types.Stat {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stat
}

func (o *Object) ContentType() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.contentType
}

func (o *Object) ETag() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.etag
}

// MD5 returns the reconciled content digest, empty if the object's ETag
// is not a valid MD5 (e.g. a multipart upload).
func (o *Object) MD5() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.md5
}

// Metadata returns a copy of the object's user metadata (reserved keys are
// never present in this map).
func (o *Object) Metadata() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.metadata))
	for k, v := range o.metadata {
		out[k] = v
	}
	return out
}

// Expiry returns the wall-clock instant after which this entry is stale.
// A zero value means the object has never been successfully populated.
func (o *Object) Expiry() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.expiry
}

func (o *Object) OpenFile() OpenFile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.openFile
}

func (o *Object) SetOpenFile(f OpenFile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openFile = f
}

// Reset wipes transient response state. Called by Request.SetTargetObject
// so that an object retargeted onto a retried request starts each attempt
// from a clean slate.
func (o *Object) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.typ = types.TypeInvalid
	o.url = ""
	o.stat = types.Stat{}
	o.contentType = ""
	o.etag = ""
	o.mtimeETag = ""
	o.md5 = ""
	o.md5ETag = ""
	o.metadata = make(map[string]string)
	o.expiry = time.Time{}
}

// ProcessHeader ingests one response header line.
func (o *Object) ProcessHeader(name, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	lname := strings.ToLower(name)
	switch lname {
	case "content-type":
		o.contentType = value
		return
	case "etag":
		o.etag = strings.Trim(value, `"`)
		return
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			o.stat.Size = n
		}
		return
	}

	reserved := strings.ToLower(o.ctx.FullReservedPrefix())
	vendor := strings.ToLower(o.ctx.VendorMetaPrefix)

	switch {
	case lname == reserved+"mode":
		if n, err := strconv.ParseUint(value, 8, 32); err == nil {
			o.stat.Mode = uint32(n) & 0777
		}
	case lname == reserved+"uid":
		if n, err := strconv.ParseUint(value, 10, 32); err == nil {
			o.stat.UID = uint32(n)
		}
	case lname == reserved+"gid":
		if n, err := strconv.ParseUint(value, 10, 32); err == nil {
			o.stat.GID = uint32(n)
		}
	case lname == reserved+"mtime":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			o.stat.Mtime = time.Unix(n, 0)
		}
	case lname == reserved+"mtime-etag":
		o.mtimeETag = value
	case lname == reserved+"md5":
		o.md5 = value
	case lname == reserved+"md5-etag":
		o.md5ETag = value
	case strings.HasPrefix(lname, vendor) && !strings.HasPrefix(lname, reserved):
		o.metadata[strings.TrimPrefix(lname, vendor)] = value
	}
}

// ProcessResponse finalizes the object after a request completes. It only
// takes effect on HTTP 200 with a non-empty request URL; anything else is
// a no-op success (the caller decides how to interpret a non-200 status).
func (o *Object) ProcessResponse(statusCode int, serverLastModified time.Time, requestURL string) error {
	if statusCode != 200 || requestURL == "" {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case strings.HasSuffix(requestURL, "/"):
		o.typ = types.TypeDirectory
	case o.contentType == types.SymlinkContentType:
		o.typ = types.TypeSymlink
	default:
		o.typ = types.TypeFile
	}

	if o.stat.Mode == 0 {
		o.stat.Mode = o.defaultPermLocked()
	}
	if o.stat.UID == 0 {
		o.stat.UID = o.ctx.DefaultUID
	}
	if o.stat.GID == 0 {
		o.stat.GID = o.ctx.DefaultGID
	}
	o.stat.Mode = (o.stat.Mode &^ modeTypeMask) | typeBits(o.typ)
	o.stat.Nlink = 1

	o.url = o.buildURLLocked()

	if o.mtimeETag != o.etag && serverLastModified.After(o.stat.Mtime) {
		o.stat.Mtime = serverLastModified
	}
	o.mtimeETag = o.etag

	if !isValidMD5(o.md5) {
		o.md5 = ""
	}
	if (o.md5ETag != o.etag || o.md5 == "") && isValidMD5(o.etag) {
		o.md5 = o.etag
	}
	o.md5ETag = o.etag

	if o.typ == types.TypeFile {
		o.stat.Blocks = (o.stat.Size + 511) / 512
	}

	o.expiry = time.Now().Add(o.ctx.ExpiryTTL)
	return nil
}

// PopulateSynthetic marks the object as a directory or file that was
// inferred rather than returned directly by a HEAD (see the implicit
// directory listing-probe fallback in ObjectCache.fetch).
func (o *Object) PopulateSynthetic(typ types.ObjectType) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.typ = typ
	o.stat.Mode = o.defaultPermLocked() | typeBits(typ)
	o.stat.UID = o.ctx.DefaultUID
	o.stat.GID = o.ctx.DefaultGID
	o.stat.Nlink = 1
	o.stat.Mtime = time.Now()
	o.url = o.buildURLLocked()
	o.expiry = time.Now().Add(o.ctx.ExpiryTTL)
}

// SetMode strips any file-type bits from mode and substitutes the default
// permission bits if the result is zero.
func (o *Object) SetMode(mode uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	perm := mode &^ modeTypeMask
	if perm == 0 {
		perm = o.defaultPermLocked()
	}
	o.stat.Mode = perm | typeBits(o.typ)
}

// SetMetadata sets a user metadata key. Keys beginning with the reserved
// prefix are rejected with a validation error and the map is left
// unchanged.
func (o *Object) SetMetadata(key, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if strings.HasPrefix(strings.ToLower(key), strings.ToLower(o.ctx.ReservedPrefix)) {
		return apperrors.Validation("set_metadata", fmt.Sprintf("metadata key %q is reserved", key))
	}
	o.metadata[key] = value
	return nil
}

// SetMetaHeaders emits user metadata headers followed by the reserved
// mode/uid/gid/mtime/mtime-etag/md5/md5-etag headers, via setHeader, so
// that on collision the reserved keys win.
func (o *Object) SetMetaHeaders(setHeader func(key, value string)) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for k, v := range o.metadata {
		setHeader(o.ctx.VendorMetaPrefix+k, v)
	}
	setHeader(o.ctx.ReservedHeader("mode"), fmt.Sprintf("%04o", o.stat.Mode&0777))
	setHeader(o.ctx.ReservedHeader("uid"), strconv.FormatUint(uint64(o.stat.UID), 10))
	setHeader(o.ctx.ReservedHeader("gid"), strconv.FormatUint(uint64(o.stat.GID), 10))
	setHeader(o.ctx.ReservedHeader("mtime"), strconv.FormatInt(o.stat.Mtime.Unix(), 10))
	setHeader(o.ctx.ReservedHeader("mtime-etag"), o.mtimeETag)
	setHeader(o.ctx.ReservedHeader("md5"), o.md5)
	setHeader(o.ctx.ReservedHeader("md5-etag"), o.md5ETag)
}

func (o *Object) defaultPermLocked() uint32 {
	if o.typ == types.TypeDirectory {
		return o.ctx.DefaultDirMode &^ modeTypeMask
	}
	return o.ctx.DefaultFileMode &^ modeTypeMask
}

func (o *Object) buildURLLocked() string {
	encoded := encodePath(o.path)
	base := strings.TrimSuffix(o.ctx.Profile.BucketURL(), "/")
	u := base + "/" + encoded
	if o.typ == types.TypeDirectory {
		u += "/"
	}
	return u
}

func encodePath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	segments := strings.Split(trimmed, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func isValidMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
