package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoDeadLetter is returned when a dead letter id is unknown.
var ErrNoDeadLetter = errors.New("queue: dead letter not found")

// DeadLetter is a task that ran out of attempts. Envelope holds the task exactly as it
// sat in the queue on its final attempt.
type DeadLetter struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	ParkedAt  time.Time       `json:"parkedAt"`
	Envelope  json.RawMessage `json:"envelope"`
}

// DeadLetters persists parked tasks. An empty kind matches every kind; lists are newest first.
type DeadLetters interface {
	Park(ctx context.Context, d DeadLetter) (DeadLetter, error)
	Get(ctx context.Context, id uuid.UUID) (DeadLetter, error)
	Remove(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error)
	Count(ctx context.Context, kind string) (int, error)
}

// MemoryDeadLetters keeps dead letters in process memory. It backs the memory store mode.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters map[uuid.UUID]DeadLetter
	now     func() time.Time
}

// NewMemoryDeadLetters returns an empty in-memory store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{letters: map[uuid.UUID]DeadLetter{}, now: time.Now}
}

func (m *MemoryDeadLetters) Park(_ context.Context, d DeadLetter) (DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ParkedAt.IsZero() {
		d.ParkedAt = m.now().UTC()
	}
	m.letters[d.ID] = d
	return d, nil
}

func (m *MemoryDeadLetters) Get(_ context.Context, id uuid.UUID) (DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.letters[id]
	if !ok {
		return DeadLetter{}, ErrNoDeadLetter
	}
	return d, nil
}

func (m *MemoryDeadLetters) Remove(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.letters[id]; !ok {
		return ErrNoDeadLetter
	}
	delete(m.letters, id)
	return nil
}

func (m *MemoryDeadLetters) List(_ context.Context, kind string, limit, offset int) ([]DeadLetter, error) {
	matched := m.matching(kind)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ParkedAt.Equal(matched[j].ParkedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].ParkedAt.After(matched[j].ParkedAt)
	})
	if offset >= len(matched) {
		return []DeadLetter{}, nil
	}
	matched = matched[max(offset, 0):]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryDeadLetters) Count(_ context.Context, kind string) (int, error) {
	return len(m.matching(kind)), nil
}

func (m *MemoryDeadLetters) matching(kind string) []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.letters))
	for _, d := range m.letters {
		if kind == "" || d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
