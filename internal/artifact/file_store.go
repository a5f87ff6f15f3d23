package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

const (
	fileScheme = "file"
	metaSuffix = ".meta.json"
	zstdSuffix = ".zst"
)

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	Dir       string
	Compress  bool
	Retention time.Duration
}

// FileStore keeps artifacts in a directory, each as a data file (zstd compressed when
// enabled) next to a JSON metadata sidecar.
type FileStore struct {
	dir       string
	compress  bool
	retention time.Duration
	now       func() time.Time

	// guards read-modify-write of the metadata sidecars
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &FileStore{
		dir:       cfg.Dir,
		compress:  cfg.Compress,
		retention: cfg.Retention,
		now:       time.Now,
	}, nil
}

// Owns reports whether handle is a file artifact handle.
func (s *FileStore) Owns(handle string) bool {
	_, err := nameFromHandle(fileScheme, handle)
	return err == nil
}

// Put writes the data file first, then the sidecar; an artifact without a sidecar is
// never visible.
func (s *FileStore) Put(_ context.Context, name, contentType string, data []byte) (*Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	a := newArtifact(fileScheme, name, contentType, data, s.now().UTC(), s.retention)
	if s.compress {
		a.Encoding = encodingZstd
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// drop a previous version so a crash can't pair old metadata with new data
	_ = os.Remove(s.metaPath(name))
	_ = os.Remove(s.dataPath(name, encodingZstd))
	_ = os.Remove(s.dataPath(name, ""))

	written, err := s.writeData(s.dataPath(name, a.Encoding), a.Encoding, data)
	if err != nil {
		return nil, err
	}
	if err := s.writeMeta(a); err != nil {
		_ = os.Remove(s.dataPath(name, a.Encoding))
		return nil, err
	}

	log.Debug().
		Str("handle", a.Handle).
		Int64("size_bytes", a.Size).
		Int64("stored_bytes", written).
		Str("encoding", a.Encoding).
		Msg("Artifact stored")

	return a, nil
}

// Open reads and verifies an artifact.
func (s *FileStore) Open(_ context.Context, handle string) (*Artifact, []byte, error) {
	name, err := nameFromHandle(fileScheme, handle)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.readMeta(name)
	if err != nil {
		return nil, nil, err
	}
	if a.Expired(s.now()) {
		return nil, nil, fmt.Errorf("%w: %s", ErrExpired, handle)
	}

	data, err := s.readData(s.dataPath(name, a.Encoding), a.Encoding)
	if err != nil {
		return nil, nil, err
	}
	if sum := Checksum(data); sum != a.Checksum {
		return nil, nil, fmt.Errorf("%w: %s want %s got %s", ErrChecksumMismatch, handle, a.Checksum, sum)
	}

	a.touch(s.now().UTC())
	if err := s.writeMeta(a); err != nil {
		return nil, nil, err
	}
	return a, data, nil
}

// Touch counts an access.
func (s *FileStore) Touch(_ context.Context, handle string) (*Artifact, error) {
	name, err := nameFromHandle(fileScheme, handle)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.readMeta(name)
	if err != nil {
		return nil, err
	}
	if a.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, handle)
	}

	a.touch(s.now().UTC())
	if err := s.writeMeta(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes the sidecar and the data file.
func (s *FileStore) Delete(_ context.Context, handle string) error {
	name, err := nameFromHandle(fileScheme, handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.readMeta(name)
	if err != nil {
		return err
	}
	if err := os.Remove(s.metaPath(name)); err != nil {
		return fmt.Errorf("failed to remove artifact metadata: %w", err)
	}
	if err := os.Remove(s.dataPath(name, a.Encoding)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("handle", handle).Msg("Failed to remove artifact data")
	}
	return nil
}

func (s *FileStore) metaPath(name string) string {
	return filepath.Join(s.dir, name+metaSuffix)
}

func (s *FileStore) dataPath(name, encoding string) string {
	if encoding == encodingZstd {
		return filepath.Join(s.dir, name+zstdSuffix)
	}
	return filepath.Join(s.dir, name)
}

func (s *FileStore) readMeta(name string) (*Artifact, error) {
	raw, err := os.ReadFile(s.metaPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handleFor(fileScheme, name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact metadata: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact metadata: %w", err)
	}
	return &a, nil
}

func (s *FileStore) writeMeta(a *Artifact) error {
	raw, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	_, err = writeFileAtomic(s.metaPath(a.Name), func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
	return err
}

func (s *FileStore) writeData(path, encoding string, data []byte) (int64, error) {
	return writeFileAtomic(path, func(w io.Writer) error {
		if encoding != encodingZstd {
			_, err := w.Write(data)
			return err
		}

		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create encoder: %w", err)
		}
		if _, err := io.Copy(enc, bytes.NewReader(data)); err != nil {
			_ = enc.Close()
			return fmt.Errorf("failed to compress: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to close encoder: %w", err)
		}
		return nil
	})
}

func (s *FileStore) readData(path, encoding string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: data file missing for %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	if encoding != encodingZstd {
		return io.ReadAll(f)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return data, nil
}

// writeFileAtomic writes through a temp file renamed into place and returns the bytes on disk.
func writeFileAtomic(path string, write func(w io.Writer) error) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to stat temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to rename into place: %w", err)
	}
	return info.Size(), nil
}
