package worker

import (
	"sync"
	"time"
)

// A single diagnostic event.
type Event struct {
	// When the event was recorded.
	Time time.Time `json:"time"`

	// The stimulus that caused the event.
	StimulusID string `json:"stimulus_id"`

	// The keys the event touches.
	Keys []string `json:"keys"`

	// Free-form event fields, e.g. a state transition.
	Tuple []string `json:"tuple"`
}

// Story is an append-only, bounded, per-worker diagnostic trail.
// Consumed by operators and by the test suite.
type Story struct {
	sync.RWMutex

	events []Event
	limit  int
}

func NewStory(limit int) *Story {
	return &Story{
		limit: limit,
	}
}

// Append an event touching the given keys.
func (s *Story) Append(stimulusID string, keys []string, tuple ...string) {
	s.Lock()
	defer s.Unlock()

	s.events = append(s.events, Event{
		Time:       time.Now(),
		StimulusID: stimulusID,
		Keys:       keys,
		Tuple:      tuple,
	})

	if s.limit > 0 && len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
}

// Query returns the ordered events touching all of the given keys.
// With no keys, all events are returned.
func (s *Story) Query(keys ...string) []Event {
	s.RLock()
	defer s.RUnlock()

	matched := []Event{}
	for _, event := range s.events {
		if eventTouchesAll(&event, keys) {
			matched = append(matched, event)
		}
	}
	return matched
}

// QueryStimulus returns the ordered events caused by one stimulus.
func (s *Story) QueryStimulus(stimulusID string) []Event {
	s.RLock()
	defer s.RUnlock()

	matched := []Event{}
	for _, event := range s.events {
		if event.StimulusID == stimulusID {
			matched = append(matched, event)
		}
	}
	return matched
}

func eventTouchesAll(event *Event, keys []string) bool {
	for _, key := range keys {
		found := false
		for _, eventKey := range event.Keys {
			if eventKey == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
