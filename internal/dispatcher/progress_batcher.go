package dispatcher

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// progressBatcher publishes every progress report as it arrives and persists only the
// latest one, at most once per flush interval.
type progressBatcher struct {
	mu sync.Mutex

	flushInterval time.Duration

	// Buffering state
	pending    float64
	hasPending bool
	lastFlush  time.Time
	stopped    bool

	// Timer management
	flushTimer *time.Timer

	onPublish func(progress float64)
	onFlush   func(progress float64) error
}

func newProgressBatcher(flushInterval time.Duration, onPublish func(float64), onFlush func(float64) error) *progressBatcher {
	return &progressBatcher{
		flushInterval: flushInterval,
		pending:       -1,
		onPublish:     onPublish,
		onFlush:       onFlush,
	}
}

// Add records a progress report.
func (pb *progressBatcher) Add(progress float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.stopped {
		return
	}

	pb.onPublish(progress)

	// persisted progress only moves forward
	if progress <= pb.pending {
		return
	}
	pb.pending = progress
	pb.hasPending = true

	if time.Since(pb.lastFlush) >= pb.flushInterval {
		pb.flushLocked("interval")
		return
	}
	pb.startFlushTimer()
}

// Stop flushes the last buffered report and ignores any later ones.
func (pb *progressBatcher) Stop() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.stopped {
		return
	}
	pb.stopped = true

	if pb.flushTimer != nil {
		pb.flushTimer.Stop()
		pb.flushTimer = nil
	}
	pb.flushLocked("stop")
}

// flushLocked persists the buffered report. Must be called with lock held.
func (pb *progressBatcher) flushLocked(reason string) {
	if !pb.hasPending {
		return
	}

	progress := pb.pending
	pb.hasPending = false
	pb.lastFlush = time.Now()

	log.Debug().Float64("progress", progress).Str("reason", reason).Msg("Persisting progress")

	if err := pb.onFlush(progress); err != nil {
		log.Debug().Err(err).Float64("progress", progress).Msg("Failed to persist progress")
	}
}

// startFlushTimer arms the timer unless it is already running. Must be called with lock
// held.
func (pb *progressBatcher) startFlushTimer() {
	if pb.flushTimer != nil {
		return
	}

	wait := pb.flushInterval - time.Since(pb.lastFlush)
	pb.flushTimer = time.AfterFunc(wait, func() {
		pb.mu.Lock()
		defer pb.mu.Unlock()

		pb.flushTimer = nil
		if pb.stopped {
			return
		}
		pb.flushLocked("timer")
	})
}
