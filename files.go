package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/asaskevich/govalidator"
	"github.com/yiplee/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

// BlobStore keeps operation payloads on disk, content-addressed: a
// blob's id is the sha256 hex of its bytes, so identical uploads dedupe
// into one file and a stored blob never changes. Sizes are cached
// forever for the same reason.
type BlobStore struct {
	dir   string
	sizes *cache.Cache[string, uint64]
	sf    singleflight.Group
}

func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &BlobStore{
		dir:   dir,
		sizes: cache.New[string, uint64](),
	}, nil
}

// Save streams r into the store and returns the blob id. Empty uploads
// are rejected. The blob is written to a temp file first and renamed
// into place, with file and directory synced, so a crash never leaves a
// half-written blob under a valid id.
func (s *BlobStore) Save(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "tmp_*")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", errors.Wrap(errors.ErrInvalidRequest, "empty file")
	}

	id := hex.EncodeToString(h.Sum(nil))
	if _, err := os.Stat(s.path(id)); err == nil {
		s.sizes.Set(id, uint64(size))
		return id, nil
	}

	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		return "", err
	}
	if err := syncDir(s.dir); err != nil {
		return "", err
	}

	s.sizes.Set(id, uint64(size))
	return id, nil
}

func (s *BlobStore) Open(id string) (*os.File, error) {
	if !govalidator.IsSHA256(id) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "invalid file id")
	}

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrNotFound, "file not found")
		}

		return nil, err
	}

	return f, nil
}

func (s *BlobStore) Size(id string) (uint64, error) {
	if size, ok := s.sizes.Get(id); ok {
		return size, nil
	}

	v, err, _ := s.sf.Do(id, func() (interface{}, error) {
		if size, ok := s.sizes.Get(id); ok {
			return size, nil
		}

		fi, err := os.Stat(s.path(id))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrapf(errors.ErrNotFound, "file %s", id)
			}

			return nil, err
		}

		size := uint64(fi.Size())
		s.sizes.Set(id, size)
		return size, nil
	})
	if err != nil {
		return 0, err
	}

	return v.(uint64), nil
}

func (s *BlobStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
