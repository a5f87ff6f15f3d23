package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const natsScheme = "nats"

// object metadata keys
const (
	metaChecksum     = "checksum"
	metaContentType  = "content-type"
	metaCreatedAt    = "created-at"
	metaExpiresAt    = "expires-at"
	metaAccessCount  = "access-count"
	metaLastAccessed = "last-accessed-at"
)

// NATSStoreConfig configures a NATSStore.
type NATSStoreConfig struct {
	Bucket    string
	Retention time.Duration
	Replicas  int
}

// NATSStore keeps artifacts in a JetStream object store bucket. The bucket TTL enforces
// retention; checksums and counters travel as object metadata.
type NATSStore struct {
	store     jetstream.ObjectStore
	bucket    string
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*NATSStore)(nil)

// NewNATSStore creates the bucket, binding to it when it already exists.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}

	store, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: fmt.Sprintf("Synthesized audio for the %s bucket.", cfg.Bucket),
		TTL:         cfg.Retention,
		Storage:     jetstream.FileStorage,
		Replicas:    max(cfg.Replicas, 1),
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", cfg.Bucket, err)
		}
		store, err = js.ObjectStore(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", cfg.Bucket, err)
		}
	}

	return &NATSStore{
		store:     store,
		bucket:    cfg.Bucket,
		retention: cfg.Retention,
		now:       time.Now,
	}, nil
}

// Owns reports whether handle is a NATS artifact handle.
func (s *NATSStore) Owns(handle string) bool {
	_, err := nameFromHandle(natsScheme, handle)
	return err == nil
}

// Put uploads data as a single object.
func (s *NATSStore) Put(ctx context.Context, name, contentType string, data []byte) (*Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	a := newArtifact(natsScheme, name, contentType, data, s.now().UTC(), s.retention)

	_, err := s.store.Put(ctx, jetstream.ObjectMeta{
		Name:        name,
		Description: "synthesized audio",
		Metadata:    encodeMeta(a),
	}, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to put object '%s' to bucket '%s': %w", name, s.bucket, err)
	}

	log.Debug().Str("handle", a.Handle).Int64("size_bytes", a.Size).Str("bucket", s.bucket).Msg("Artifact stored")
	return a, nil
}

// Open downloads and verifies an artifact.
func (s *NATSStore) Open(ctx context.Context, handle string) (*Artifact, []byte, error) {
	name, err := nameFromHandle(natsScheme, handle)
	if err != nil {
		return nil, nil, err
	}

	info, err := s.info(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	a, err := decodeMeta(s.bucket, info)
	if err != nil {
		return nil, nil, err
	}
	if a.Expired(s.now()) {
		return nil, nil, fmt.Errorf("%w: %s", ErrExpired, handle)
	}

	data, err := s.store.GetBytes(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
		}
		return nil, nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", name, s.bucket, err)
	}
	if sum := Checksum(data); sum != a.Checksum {
		return nil, nil, fmt.Errorf("%w: %s want %s got %s", ErrChecksumMismatch, handle, a.Checksum, sum)
	}

	if err := s.recordAccess(ctx, info, a); err != nil {
		return nil, nil, err
	}
	return a, data, nil
}

// Touch counts an access.
func (s *NATSStore) Touch(ctx context.Context, handle string) (*Artifact, error) {
	name, err := nameFromHandle(natsScheme, handle)
	if err != nil {
		return nil, err
	}

	info, err := s.info(ctx, name)
	if err != nil {
		return nil, err
	}
	a, err := decodeMeta(s.bucket, info)
	if err != nil {
		return nil, err
	}
	if a.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, handle)
	}

	if err := s.recordAccess(ctx, info, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes the object.
func (s *NATSStore) Delete(ctx context.Context, handle string) error {
	name, err := nameFromHandle(natsScheme, handle)
	if err != nil {
		return err
	}

	// deleting twice is not an error in the object store
	if _, err := s.info(ctx, name); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, name); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, handle)
		}
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", name, s.bucket, err)
	}
	return nil
}

func (s *NATSStore) info(ctx context.Context, name string) (*jetstream.ObjectInfo, error) {
	info, err := s.store.GetInfo(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, handleFor(natsScheme, name))
		}
		return nil, fmt.Errorf("failed to stat object '%s' in bucket '%s': %w", name, s.bucket, err)
	}
	return info, nil
}

// recordAccess rewrites the counters. Concurrent accesses may undercount; the counters
// are advisory.
func (s *NATSStore) recordAccess(ctx context.Context, info *jetstream.ObjectInfo, a *Artifact) error {
	a.touch(s.now().UTC())

	meta := info.ObjectMeta
	meta.Metadata = encodeMeta(a)
	if err := s.store.UpdateMeta(ctx, info.Name, meta); err != nil {
		return fmt.Errorf("failed to update object '%s' metadata: %w", info.Name, err)
	}
	return nil
}

func encodeMeta(a *Artifact) map[string]string {
	m := map[string]string{
		metaChecksum:    a.Checksum,
		metaContentType: a.ContentType,
		metaCreatedAt:   a.CreatedAt.Format(time.RFC3339Nano),
		metaAccessCount: strconv.FormatInt(a.AccessCount, 10),
	}
	if a.ExpiresAt != nil {
		m[metaExpiresAt] = a.ExpiresAt.Format(time.RFC3339Nano)
	}
	if a.LastAccessedAt != nil {
		m[metaLastAccessed] = a.LastAccessedAt.Format(time.RFC3339Nano)
	}
	return m
}

func decodeMeta(bucket string, info *jetstream.ObjectInfo) (*Artifact, error) {
	a := &Artifact{
		Handle:      handleFor(natsScheme, info.Name),
		Name:        info.Name,
		Size:        int64(info.Size),
		Checksum:    info.Metadata[metaChecksum],
		ContentType: info.Metadata[metaContentType],
	}

	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, info.Metadata[metaCreatedAt]); err != nil {
		return nil, fmt.Errorf("object '%s' in bucket '%s' has bad %s: %w", info.Name, bucket, metaCreatedAt, err)
	}
	if v, ok := info.Metadata[metaExpiresAt]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("object '%s' in bucket '%s' has bad %s: %w", info.Name, bucket, metaExpiresAt, err)
		}
		a.ExpiresAt = &t
	}
	if v, ok := info.Metadata[metaLastAccessed]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			a.LastAccessedAt = &t
		}
	}
	if v, ok := info.Metadata[metaAccessCount]; ok {
		a.AccessCount, _ = strconv.ParseInt(v, 10, 64)
	}
	return a, nil
}
