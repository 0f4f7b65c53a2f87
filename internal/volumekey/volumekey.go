// Package volumekey manages in-bucket volume encryption keys: small
// objects, stored alongside the filesystem's regular content under a
// reserved key prefix, that hold a randomly generated data key wrapped
// ("locked") under a caller-supplied key-encryption key. A caller unlocks
// one to get the data key it protects, without that data key ever
// touching the bucket in plaintext.
//
// Rotation is a clone-then-commit-then-remove sequence: Clone copies an
// unlocked key's plaintext under a new id, Commit publishes it wrapped
// under a (possibly different) key-encryption key via an atomic
// PUT-temp/copy/delete-temp sequence, and the caller removes the old id
// once satisfied the new one is durable.
package volumekey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/url"
	"strings"

	"github.com/objectfs/s3corefs/internal/apperrors"
	"github.com/objectfs/s3corefs/internal/bucket"
	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/request"
)

const (
	objectPrefix = "encryption_vk_"
	tempPrefix   = "$temp$_"

	// magic is prepended to the plaintext data key before wrapping and
	// checked after unwrapping, so an unlock against the wrong
	// key-encryption key fails loudly instead of yielding garbage bytes
	// that look like a valid key.
	magic = "s3fuse-00 "

	// keyLen is the size of a generated data key: AES-256.
	keyLen = 32
)

// Key is one in-bucket volume key, identified by id. Its plaintext data
// key is only present after Generate, Unlock, or Clone.
type Key struct {
	id           string
	encryptedKey []byte
	dataKey      []byte
}

// ID returns the key's object-name suffix.
func (k *Key) ID() string { return k.id }

// DataKey returns the plaintext key material, or nil if the key has not
// been unlocked, generated, or cloned yet.
func (k *Key) DataKey() []byte { return k.dataKey }

func objectURL(id string) string {
	return "/" + objectPrefix + id
}

func isTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// Fetch downloads the volume key object named id. It returns a nil Key
// (not an error) if no such object exists.
func Fetch(ctx context.Context, req *request.Request, id string) (*Key, error) {
	k := &Key{id: id}
	if err := k.download(ctx, req); err != nil {
		return nil, err
	}
	if !k.isPresent() {
		return nil, nil
	}
	return k, nil
}

// Generate creates a fresh, unwrapped data key under id. id must not
// already be in use and must not be a temporary id (the "$temp$_" prefix
// is reserved for Commit's staging object).
func Generate(ctx context.Context, req *request.Request, id string) (*Key, error) {
	if isTempID(id) {
		return nil, apperrors.Validation("volumekey.generate", "invalid key id")
	}
	k := &Key{id: id}
	if err := k.download(ctx, req); err != nil {
		return nil, err
	}
	if k.isPresent() {
		return nil, apperrors.State("volumekey.generate", "key with specified id already exists")
	}
	dataKey := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, apperrors.Transport("volumekey.generate", err)
	}
	k.dataKey = dataKey
	return k, nil
}

// GetKeys lists every non-temporary volume key id present in the bucket.
func GetKeys(ctx context.Context, fctx *fsctx.Context, req *request.Request) ([]string, error) {
	reader := bucket.NewReader(fctx, objectPrefix, false, 0)

	var names []string
	for !reader.Done() {
		if _, err := reader.Read(ctx, req, &names, nil); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		id := strings.TrimPrefix(name, objectPrefix)
		if id == name {
			continue // did not actually carry the prefix; skip defensively
		}
		if !isTempID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Unlock unwraps the stored key material with wrappingKey and validates
// the embedded marker, populating DataKey().
func (k *Key) Unlock(wrappingKey []byte) error {
	if !k.isPresent() {
		return apperrors.State("volumekey.unlock", "cannot unlock a key that does not exist")
	}
	plain, err := decrypt(wrappingKey, k.encryptedKey)
	if err != nil || !strings.HasPrefix(string(plain), magic) {
		return apperrors.State("volumekey.unlock", "unable to unlock key")
	}
	k.dataKey = []byte(strings.TrimPrefix(string(plain), magic))
	return nil
}

// Clone copies this key's unlocked data key under newID, refusing if
// newID is a temporary id, this key hasn't been unlocked, or an object
// already exists at newID. The clone is not written back to the bucket
// until Commit is called on it.
func Clone(ctx context.Context, req *request.Request, k *Key, newID string) (*Key, error) {
	if isTempID(newID) {
		return nil, apperrors.Validation("volumekey.clone", "invalid key id")
	}
	if k.dataKey == nil {
		return nil, apperrors.State("volumekey.clone", "unlock key before cloning")
	}
	existing, err := Fetch(ctx, req, newID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.State("volumekey.clone", "key with specified id already exists")
	}
	return &Key{id: newID, dataKey: k.dataKey}, nil
}

// Remove deletes this key's object. The caller is responsible for
// ensuring nothing still depends on it (typically: a successful Commit
// under a different id has already completed).
func (k *Key) Remove(ctx context.Context, req *request.Request) error {
	if err := req.Init("DELETE"); err != nil {
		return err
	}
	req.SetURL(objectURL(k.id), "")
	if err := req.Run(ctx); err != nil {
		return err
	}
	if code := req.ResponseCode(); code != 200 && code != 204 {
		return apperrors.HTTPStatus("volumekey.remove", code)
	}
	return nil
}

// Commit wraps DataKey() under wrappingKey and atomically publishes it at
// this key's id: PUT to a temporary object, then a copy over the real
// object gated on the temp object's ETag still matching (so a
// concurrent Commit under the same id can't be silently clobbered), then
// a delete of the temp object. If the PUT or the gated copy fails, the
// previously committed object (if any) is left untouched; any failure
// after the temp PUT succeeds, including a failed copy, leaves the temp
// object behind.
func (k *Key) Commit(ctx context.Context, fctx *fsctx.Context, req *request.Request, wrappingKey []byte) error {
	if k.dataKey == nil {
		return apperrors.State("volumekey.commit", "unlock key before committing")
	}

	wrapped, err := encrypt(wrappingKey, append([]byte(magic), k.dataKey...))
	if err != nil {
		return apperrors.Transport("volumekey.commit", err)
	}
	encoded := hex.EncodeToString(wrapped)
	tempID := tempPrefix + k.id

	if err := req.Init("PUT"); err != nil {
		return err
	}
	req.SetURL(objectURL(tempID), "")
	if err := req.SetInputData(encoded); err != nil {
		return err
	}
	if err := req.Run(ctx); err != nil {
		return err
	}
	if req.ResponseCode() != 200 {
		return apperrors.State("volumekey.commit", "failed to commit (create) volume key; the old key remains valid")
	}
	etag := req.ResponseHeader("ETag")

	headerPrefix := fctx.Profile.HeaderPrefix()
	if err := req.Init("PUT"); err != nil {
		return err
	}
	req.SetURL(objectURL(k.id), "")
	req.SetHeader(headerPrefix+"copy-source", copySourcePath(fctx, objectURL(tempID)))
	req.SetHeader(headerPrefix+"copy-source-if-match", etag)
	req.SetHeader(headerPrefix+"metadata-directive", "REPLACE")
	if err := req.Run(ctx); err != nil {
		return err
	}
	if req.ResponseCode() != 200 {
		return apperrors.State("volumekey.commit", "failed to commit (copy) volume key; the old key remains valid")
	}

	if err := req.Init("DELETE"); err != nil {
		return err
	}
	req.SetURL(objectURL(tempID), "")
	return req.Run(ctx)
}

func (k *Key) isPresent() bool { return len(k.encryptedKey) > 0 }

func (k *Key) download(ctx context.Context, req *request.Request) error {
	if err := req.Init("GET"); err != nil {
		return err
	}
	req.SetURL(objectURL(k.id), "")
	if err := req.Run(ctx); err != nil {
		return err
	}

	switch req.ResponseCode() {
	case 200:
		decoded, err := hex.DecodeString(string(req.ResponseBody()))
		if err != nil {
			return apperrors.Parse("volumekey.download", err)
		}
		k.encryptedKey = decoded
	case 404:
		k.encryptedKey = nil
	default:
		return apperrors.HTTPStatus("volumekey.download", req.ResponseCode())
	}
	return nil
}

// copySourcePath reduces the bucket-rooted URL for path into the
// bucket-relative form the copy-source header expects, by stripping the
// scheme and host off the profile's fully qualified bucket URL.
func copySourcePath(fctx *fsctx.Context, path string) string {
	full := fctx.Profile.BucketURL() + path
	if u, err := url.Parse(full); err == nil && u.Path != "" {
		return u.Path
	}
	return path
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, apperrors.Validation("volumekey.decrypt", "ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
