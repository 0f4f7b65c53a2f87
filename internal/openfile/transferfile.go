// Package openfile implements TransferFile, the per-handle OpenFile
// collaborator: a reference-counted, temp-file-buffered read/write
// session backed by a whole-object GetObject on first read (no Range
// header) and a CargoShip-optimized upload on Cleanup.
package openfile

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/object"
	"github.com/objectfs/s3corefs/pkg/utils"
)

// Manager owns the AWS clients TransferFile instances are built from, and
// the scratch directory their buffer files live in.
type Manager struct {
	Client      *s3.Client
	Transporter *cargoships3.Transporter
	Bucket      string
	ScratchDir  string
}

// New constructs a TransferFile for obj/handle. It satisfies
// cache.OpenFileFactory.
func (m *Manager) New(obj *object.Object, handle uint64) object.OpenFile {
	return &TransferFile{
		mgr:    m,
		obj:    obj,
		handle: handle,
	}
}

// TransferFile is the file-transfer engine's per-handle collaborator:
// reads are served from a lazily-fetched temp-file mirror of the object,
// writes are buffered into that same file and flushed to the store on
// Cleanup. Content is never retained past Cleanup, matching the
// scoped-lifetime-only content caching this filesystem provides.
type TransferFile struct {
	mgr    *Manager
	obj    *object.Object
	handle uint64

	mu       sync.Mutex
	refCount int
	tmp      *os.File
	dirty    bool
	fetched  bool
}

func (f *TransferFile) Handle() uint64 { return f.handle }

// Init opens the buffer file. It does not eagerly download content: reads
// fetch on first access via ensureFetched, so opening a file you only
// intend to overwrite never pays for a download that will be discarded.
func (f *TransferFile) Init() error {
	dir := f.mgr.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := utils.ValidatePath(dir, true); err != nil {
		return apperrors.Validation("openfile.init", err.Error())
	}

	tmp, err := os.CreateTemp(dir, "s3corefs-*")
	if err != nil {
		return apperrors.Transport("openfile.init", err)
	}
	f.tmp = tmp
	return nil
}

func (f *TransferFile) AddReference() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refCount++
}

// Release drops one reference, reporting whether it reached zero.
func (f *TransferFile) Release() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refCount <= 0 {
		return false, apperrors.State("openfile.release", "reference count already zero")
	}
	f.refCount--
	return f.refCount == 0, nil
}

// Cleanup flushes buffered writes to the store, if any, and removes the
// temp file. Called exactly once, after the last reference drops.
func (f *TransferFile) Cleanup() error {
	f.mu.Lock()
	dirty := f.dirty
	tmp := f.tmp
	f.mu.Unlock()

	var flushErr error
	if dirty && tmp != nil {
		flushErr = f.flush(context.Background(), tmp)
	}

	if tmp != nil {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	return flushErr
}

// ReadAt serves a read at off, fetching the object's full content into
// the temp file on first access.
func (f *TransferFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.ensureFetched(context.Background()); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tmp.ReadAt(p, off)
}

// WriteAt buffers a write at off into the temp file, marking the handle
// dirty so Cleanup flushes it.
func (f *TransferFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.tmp.WriteAt(p, off)
	if err == nil {
		f.dirty = true
	}
	return n, err
}

func (f *TransferFile) ensureFetched(ctx context.Context) error {
	f.mu.Lock()
	if f.fetched || f.obj.Stat().Size == 0 {
		f.fetched = true
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	out, err := f.mgr.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.mgr.Bucket),
		Key:    aws.String(f.obj.Path()),
	})
	if err != nil {
		return apperrors.Transport("openfile.read", err)
	}
	defer out.Body.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := io.Copy(io.NewOffsetWriter(f.tmp, 0), out.Body); err != nil {
		return apperrors.Transport("openfile.read", err)
	}
	f.fetched = true
	return nil
}

func (f *TransferFile) flush(ctx context.Context, tmp *os.File) error {
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return apperrors.Transport("openfile.flush", err)
	}

	if f.mgr.Transporter != nil {
		archive := cargoships3.Archive{
			Key:    f.obj.Path(),
			Reader: io.NewSectionReader(tmp, 0, size),
			Size:   size,
			Metadata: map[string]string{
				"s3corefs-upload": "true",
			},
		}
		if _, err := f.mgr.Transporter.Upload(ctx, archive); err == nil {
			return nil
		}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return apperrors.Transport("openfile.flush", err)
	}
	if f.mgr.Client == nil {
		return apperrors.State("openfile.flush", "no S3 client configured")
	}
	_, err = f.mgr.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(f.mgr.Bucket),
		Key:           aws.String(f.obj.Path()),
		Body:          io.NewSectionReader(tmp, 0, size),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return apperrors.Transport("openfile.flush", err)
	}
	return nil
}
