// Package transcript persists the text form of a conversation: what the user
// said (speech recognition) and what the model replied.
package transcript

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Speaker identifies which side of the conversation produced an entry.
const (
	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// Entry is one transcript fragment.
type Entry struct {
	// SessionID ties the entry to one conversation session.
	SessionID string

	// Speaker is [SpeakerUser] or [SpeakerModel].
	Speaker string

	// Text is the transcript fragment.
	Text string

	// CreatedAt is when the fragment arrived.
	CreatedAt time.Time
}

// Store persists transcript entries.
type Store interface {
	// Append stores one entry.
	Append(ctx context.Context, entry Entry) error

	// BySession returns a session's entries in chronological order. A
	// non-positive limit returns all entries.
	BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// ── In-memory store ────────────────────────────────────────────────────────────

// MemoryStore is a Store kept entirely in process memory. It backs
// deployments that run without a database.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores the entry, stamping CreatedAt if unset.
func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// BySession returns the session's entries oldest first.
func (s *MemoryStore) BySession(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
