// Package store keeps encoded pixel text on disk, content-addressed and
// zstd-compressed. Writes go through a temp file and rename so readers never
// observe a partial blob.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("store: not found")

const ext = ".txt.zst"

// Store is a directory of compressed blobs. It is safe for concurrent use.
type Store struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("store: zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("store: zstd reader: %w", err)
	}
	return &Store{dir: dir, enc: enc, dec: dec}, nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Filename returns the on-disk name for key.
func Filename(key string) string {
	return key + ext
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, Filename(key))
}

// Put stores text under key, returning the compressed size.
func (s *Store) Put(key string, text []byte) (int64, error) {
	if !ValidKey(key) {
		return 0, fmt.Errorf("store: invalid key %q", key)
	}
	blob := s.enc.EncodeAll(text, make([]byte, 0, len(text)/4))
	if err := WriteFileAtomic(s.path(key), blob, 0o644); err != nil {
		return 0, fmt.Errorf("store: put %s: %w", key, err)
	}
	return int64(len(blob)), nil
}

// Get returns the text stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("store: invalid key %q", key)
	}
	blob, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	text, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompress %s: %w", key, err)
	}
	return text, nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	if !ValidKey(key) {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("store: invalid key %q", key)
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// ValidKey accepts non-empty lowercase hex strings.
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place. On any failure the temp file is removed and path is untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
