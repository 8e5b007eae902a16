package events

import (
	"sync"

	"github.com/google/uuid"
)

// Reporter turns pipeline milestones into events on a Broadcaster. Phase
// announcements are delivered at most once per run; repeated calls for the
// same phase are dropped. A nil *Reporter discards everything.
type Reporter struct {
	b *Broadcaster

	mu       sync.Mutex
	runID    string
	seen     map[string]bool
	finished bool
}

// NewReporter creates a reporter publishing to b.
func NewReporter(b *Broadcaster) *Reporter {
	return &Reporter{b: b}
}

// Begin starts a new run, assigns it a fresh RunID and publishes BuildStart.
func (r *Reporter) Begin() string {
	if r == nil {
		return uuid.NewString()
	}
	r.mu.Lock()
	r.runID = uuid.NewString()
	r.seen = make(map[string]bool)
	r.finished = false
	id := r.runID
	r.mu.Unlock()

	r.b.Publish(Event{Type: BuildStart, RunID: id})
	return id
}

// RunID returns the id of the current run.
func (r *Reporter) RunID() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Phase announces that a phase has started.
func (r *Reporter) Phase(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.seen == nil || r.seen[name] {
		r.mu.Unlock()
		return
	}
	r.seen[name] = true
	id := r.runID
	r.mu.Unlock()

	r.b.Publish(Event{Type: BuildProgress, RunID: id, Phase: name})
}

// Progress reports done/total completed units of a phase.
func (r *Reporter) Progress(phase string, done, total int) {
	if r == nil || total <= 0 {
		return
	}
	r.b.Publish(Event{
		Type:    BuildProgress,
		RunID:   r.RunID(),
		Phase:   phase,
		Percent: float64(done) / float64(total) * 100,
	})
}

// Success ends the run successfully.
func (r *Reporter) Success(message string) {
	r.finish(Event{Type: BuildSuccess, Message: message})
}

// Fail ends the run with an error.
func (r *Reporter) Fail(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.finish(Event{Type: BuildError, Message: msg})
}

func (r *Reporter) finish(ev Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.finished || r.seen == nil {
		r.mu.Unlock()
		return
	}
	r.finished = true
	ev.RunID = r.runID
	r.mu.Unlock()

	r.b.Publish(ev)
}
