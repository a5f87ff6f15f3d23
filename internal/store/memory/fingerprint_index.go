package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/ttsrunner/internal/store"
)

var _ store.FingerprintIndex = (*FingerprintIndex)(nil)

type fingerprintEntry struct {
	jobID       string
	completedAt time.Time
}

// FingerprintIndex implements store.FingerprintIndex using in-memory storage
type FingerprintIndex struct {
	mu       sync.RWMutex
	entries  map[string]fingerprintEntry // fingerprint -> canonical job
	tieBreak store.TieBreak
}

// NewFingerprintIndex creates an index resolving concurrent completions with tieBreak
func NewFingerprintIndex(tieBreak store.TieBreak) *FingerprintIndex {
	return &FingerprintIndex{
		entries:  make(map[string]fingerprintEntry),
		tieBreak: tieBreak,
	}
}

func (x *FingerprintIndex) Lookup(ctx context.Context, fingerprint string) (string, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entry, ok := x.entries[fingerprint]
	return entry.jobID, ok, nil
}

func (x *FingerprintIndex) Record(ctx context.Context, fingerprint, jobID string, completedAt time.Time) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	current, ok := x.entries[fingerprint]
	if !ok || current.jobID == jobID || x.tieBreak.Prefers(jobID, completedAt, current.jobID, current.completedAt) {
		x.entries[fingerprint] = fingerprintEntry{jobID: jobID, completedAt: completedAt}
		return jobID, nil
	}

	return current.jobID, nil
}

func (x *FingerprintIndex) Forget(ctx context.Context, fingerprint, jobID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if current, ok := x.entries[fingerprint]; ok && current.jobID == jobID {
		delete(x.entries, fingerprint)
	}
	return nil
}
