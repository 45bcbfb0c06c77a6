package ingest

import "sync"

// messageRingSize bounds the retained status messages for UI display.
const messageRingSize = 64

// Tracker reports per-asset ingestion progress as a fraction and keeps a
// bounded ring of recent status messages. All methods are safe for
// concurrent use; workers publish, the UI polls.
type Tracker struct {
	mu        sync.Mutex
	fractions map[string]float64
	messages  []string
}

// NewTracker creates an empty progress tracker.
func NewTracker() *Tracker {
	return &Tracker{fractions: make(map[string]float64)}
}

// Update records the asset's progress fraction and appends a status message.
func (t *Tracker) Update(localIdentifier string, fraction float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fractions[localIdentifier] = fraction
	t.messages = append(t.messages, message)
	if len(t.messages) > messageRingSize {
		t.messages = t.messages[len(t.messages)-messageRingSize:]
	}
}

// Fraction returns the last reported fraction for the asset, zero if the
// asset has not been seen.
func (t *Tracker) Fraction(localIdentifier string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fractions[localIdentifier]
}

// Messages returns a copy of the retained status messages, oldest first.
func (t *Tracker) Messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.messages))
	copy(out, t.messages)
	return out
}

// Snapshot returns a copy of every tracked fraction.
func (t *Tracker) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.fractions))
	for k, v := range t.fractions {
		out[k] = v
	}
	return out
}
