package eventbus

import (
	"context"
	"sync"
	"time"
)

// Recorder is an in-memory Publisher that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from Publish without recording.
	Err error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the event.
func (r *Recorder) Publish(ctx context.Context, name string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	event, err := NewEvent(name, "", data, time.Now())
	if err != nil {
		return err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events, optionally filtered by name.
func (r *Recorder) Events(names ...string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		return append([]Event(nil), r.events...)
	}
	var out []Event
	for _, e := range r.events {
		for _, n := range names {
			if e.Name == n {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
