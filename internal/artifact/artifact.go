// Package artifact persists the audio produced by completed synthesis jobs. A job records
// only the artifact handle; the bytes, checksum and access counters live in the store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/crc64nvme"
)

var (
	ErrNotFound         = errors.New("artifact not found")
	ErrExpired          = errors.New("artifact expired")
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
	ErrInvalidName      = errors.New("invalid artifact name")
)

const (
	encodingZstd = "zstd"
	maxNameLen   = 200
)

// Artifact describes one stored audio file.
type Artifact struct {
	Handle         string     `json:"handle"`
	Name           string     `json:"name"`
	Size           int64      `json:"size"`
	Checksum       string     `json:"checksum"` // crc64-nvme of the uncompressed bytes, hex
	ContentType    string     `json:"content_type"`
	Encoding       string     `json:"encoding,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// Expired reports whether the retention period has passed.
func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

func (a *Artifact) touch(now time.Time) {
	a.AccessCount++
	a.LastAccessedAt = &now
}

// Store persists artifacts. Handles returned by Put are what jobs record as their output
// reference.
type Store interface {
	// Put stores data under name, replacing any earlier artifact with the same name.
	Put(ctx context.Context, name, contentType string, data []byte) (*Artifact, error)

	// Open reads an artifact, verifies its checksum and counts the access.
	Open(ctx context.Context, handle string) (*Artifact, []byte, error)

	// Touch counts an access without reading the bytes. It fails with ErrExpired once the
	// retention period has passed.
	Touch(ctx context.Context, handle string) (*Artifact, error)

	Delete(ctx context.Context, handle string) error

	// Owns reports whether handle was issued by this store.
	Owns(handle string) bool
}

// Checksum returns the crc64-nvme checksum of data as fixed width hex.
func Checksum(data []byte) string {
	h := crc64nvme.New()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

func handleFor(scheme, name string) string {
	return scheme + "://" + name
}

func nameFromHandle(scheme, handle string) (string, error) {
	name, ok := strings.CutPrefix(handle, scheme+"://")
	if !ok {
		return "", fmt.Errorf("%w: %q is not a %s handle", ErrNotFound, handle, scheme)
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// validateName allows names that are safe as file names and object keys.
func validateName(name string) error {
	if name == "" || len(name) > maxNameLen || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if !(r == '-' || r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func newArtifact(scheme, name, contentType string, data []byte, now time.Time, retention time.Duration) *Artifact {
	a := &Artifact{
		Handle:      handleFor(scheme, name),
		Name:        name,
		Size:        int64(len(data)),
		Checksum:    Checksum(data),
		ContentType: contentType,
		CreatedAt:   now,
	}
	if retention > 0 {
		expires := now.Add(retention)
		a.ExpiresAt = &expires
	}
	return a
}

// ContentTypeFor maps an output format to its MIME type.
func ContentTypeFor(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
