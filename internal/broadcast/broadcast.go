// Package broadcast fans job progress out to any number of subscribers.
//
// Each job has a topic remembering the last event so a late subscriber first receives the
// current state. A topic closes exactly once, when a terminal event is published; every
// subscriber then receives the terminal event followed by a complete marker.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

// Event is one progress update for a job.
type Event struct {
	JobID           string        `json:"job_id"`
	Status          models.Status `json:"status"`
	Progress        float64       `json:"progress"`
	Message         string        `json:"message,omitempty"`
	OutputFilePath  string        `json:"output_file_path,omitempty"`
	DurationSeconds *float64      `json:"duration_seconds,omitempty"`
	CacheHit        bool          `json:"cache_hit,omitempty"`

	// Complete marks the end of the stream; it carries no state.
	Complete bool `json:"-"`
}

var completeMarker = []byte(`{"event":"complete"}`)

// MarshalJSON renders the complete marker as {"event":"complete"}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Complete {
		return completeMarker, nil
	}
	type plain Event
	return json.Marshal(plain(e))
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

func (e Event) sameState(o Event) bool {
	return e.Status == o.Status && e.Progress == o.Progress && e.Message == o.Message
}

// EventFromJob builds the event describing a job's current state.
func EventFromJob(job *models.Job) Event {
	ev := Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		CacheHit: job.CacheHit,
	}
	switch job.Status {
	case models.StatusCompleted:
		ev.OutputFilePath = job.OutputRef
		if job.DurationSeconds != nil {
			d := *job.DurationSeconds
			ev.DurationSeconds = &d
		}
	case models.StatusFailed:
		ev.Message = job.ErrorMessage
	case models.StatusProcessing:
		if job.CancelRequested {
			ev.Message = "cancel requested"
		}
	}
	return ev
}

type topic struct {
	last Event
	subs map[*Subscription]struct{}
}

// Hub owns every job topic.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Subscribe registers a reader for jobID. The first event received is the topic's last
// event, or snapshot when nothing has been published yet. A terminal snapshot with no live
// topic yields the snapshot and the complete marker, then the subscription ends.
func (h *Hub) Subscribe(jobID string, snapshot Event) *Subscription {
	sub := &Subscription{
		hub:    h,
		jobID:  jobID,
		notify: make(chan struct{}, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.finish()
		return sub
	}

	t, ok := h.topics[jobID]
	if !ok {
		snapshot.JobID = jobID
		if snapshot.Terminal() {
			sub.push(snapshot)
			sub.push(Event{JobID: jobID, Complete: true})
			sub.finish()
			return sub
		}
		t = &topic{last: snapshot, subs: make(map[*Subscription]struct{})}
		h.topics[jobID] = t
	}

	t.subs[sub] = struct{}{}
	sub.push(t.last)

	log.Debug().Str("job_id", jobID).Int("subscribers", len(t.subs)).Msg("Progress subscriber added")
	return sub
}

// Publish delivers ev to every subscriber of its job. Progress never goes backwards within
// a topic and repeated identical events are dropped. A terminal event closes the topic;
// anything published for a job without a topic is ignored.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	t, ok := h.topics[ev.JobID]
	if !ok {
		// nobody listening, new subscribers start from the stored snapshot
		return
	}

	ev.Progress = max(ev.Progress, t.last.Progress)
	if !ev.Terminal() && ev.sameState(t.last) {
		return
	}

	t.last = ev
	for sub := range t.subs {
		sub.push(ev)
	}

	if ev.Terminal() {
		for sub := range t.subs {
			sub.push(Event{JobID: ev.JobID, Complete: true})
			sub.finish()
		}
		delete(h.topics, ev.JobID)

		log.Debug().Str("job_id", ev.JobID).Str("status", string(ev.Status)).Msg("Progress topic closed")
	}
}

// Drop discards a job's topic without a terminal event, ending every subscription. Used
// when a job is deleted.
func (h *Hub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.finish()
	}
	delete(h.topics, jobID)
}

// Subscribers returns the number of open subscriptions for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close ends every subscription and rejects further use. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, t := range h.topics {
		for sub := range t.subs {
			sub.finish()
		}
		delete(h.topics, id)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[sub.jobID]; ok {
		delete(t.subs, sub)
	}
}

// Subscription is one reader's view of a topic. Events are queued without bound so a slow
// reader never causes an event to be lost; the queue is bounded in practice by the job
// reaching a terminal state.
type Subscription struct {
	hub   *Hub
	jobID string

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
}

// Next blocks until an event is available. It returns false once the subscription has
// ended and every queued event has been read, or when ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Close removes the reader from its topic without affecting the producer.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.finish()
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
