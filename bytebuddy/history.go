package bytebuddy

import (
	"fmt"
	"log/slog"
	"sync"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn. Messages are values and
// are never mutated once created.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func (m Message) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", string(m.Role)),
		slog.String("content", truncate(m.Content, 80)),
	)
}

// ConversationHistory is a bounded, FIFO-evicting buffer of one user's
// messages. The zero value is not usable, get one from [HistoryStore.Get].
type ConversationHistory struct {
	mu       sync.Mutex
	capacity int
	messages []Message

	// generation is incremented on every reset, so a request which
	// snapshotted the history before a reset can tell its result is stale
	generation uint64
}

func newConversationHistory(capacity int) *ConversationHistory {
	return &ConversationHistory{
		capacity: capacity,
		messages: make([]Message, 0, capacity),
	}
}

// appendLocked appends msgs, evicting from the front so that
// len(messages) <= capacity when it returns. h.mu must be held.
func (h *ConversationHistory) appendLocked(msgs ...Message) {
	for _, m := range msgs {
		if len(h.messages) == h.capacity {
			copy(h.messages, h.messages[1:])
			h.messages = h.messages[:len(h.messages)-1]
		}
		h.messages = append(h.messages, m)
	}
}

// Messages returns a copy of the current messages, oldest first.
func (h *ConversationHistory) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *ConversationHistory) snapshotLocked() []Message {
	rv := make([]Message, len(h.messages))
	copy(rv, h.messages)
	return rv
}

// Len returns the number of messages currently held.
func (h *ConversationHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Capacity returns the maximum number of messages held.
func (h *ConversationHistory) Capacity() int {
	return h.capacity
}

// HistoryStore owns one [ConversationHistory] per user ID.
//
// The map itself is only locked to look up or create a history. Each
// history has its own mutex, so appends for different users never
// wait on each other, and appends for the same user are serialized.
type HistoryStore struct {
	capacity  int
	mu        sync.RWMutex
	histories map[string]*ConversationHistory
}

// NewHistoryStore returns an empty store where each user's history
// holds at most capacity messages.
func NewHistoryStore(capacity int) (*HistoryStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf(
			"%w: history capacity must be > 0 (got %d)",
			ErrConfiguration,
			capacity,
		)
	}
	return &HistoryStore{
		capacity:  capacity,
		histories: map[string]*ConversationHistory{},
	}, nil
}

// Get returns the history for userID, creating an empty one on first
// access. Concurrent first calls for the same user get the same history.
func (s *HistoryStore) Get(userID string) *ConversationHistory {
	s.mu.RLock()
	h, ok := s.histories[userID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.histories[userID]; ok {
		return h
	}
	h = newConversationHistory(s.capacity)
	s.histories[userID] = h
	return h
}

// lookup returns the history for userID without creating one
func (s *HistoryStore) lookup(userID string) (*ConversationHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[userID]
	return h, ok
}

// Append adds msgs to the user's history, in order, as one operation.
func (s *HistoryStore) Append(userID string, msgs ...Message) {
	h := s.Get(userID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(msgs...)
}

// AppendIfCurrent appends msgs only if the user's history hasn't been
// reset since generation was observed (see [HistoryStore.SnapshotGeneration]).
// It reports whether the messages were appended.
func (s *HistoryStore) AppendIfCurrent(
	userID string,
	generation uint64,
	msgs ...Message,
) bool {
	h := s.Get(userID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generation != generation {
		return false
	}
	h.appendLocked(msgs...)
	return true
}

// Snapshot returns an independent copy of the user's messages.
func (s *HistoryStore) Snapshot(userID string) []Message {
	msgs, _ := s.SnapshotGeneration(userID)
	return msgs
}

// SnapshotGeneration returns a copy of the user's messages along with
// the history's current generation.
func (s *HistoryStore) SnapshotGeneration(userID string) ([]Message, uint64) {
	h := s.Get(userID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(), h.generation
}

// SnapshotIfExists is like [HistoryStore.Snapshot], but doesn't create
// a history for a user without one. It reports whether one existed.
func (s *HistoryStore) SnapshotIfExists(userID string) ([]Message, bool) {
	h, ok := s.lookup(userID)
	if !ok {
		return nil, false
	}
	return h.Messages(), true
}

// Reset clears the user's messages, keeping the (now empty) history.
// It returns false if the user has no history at all, so the caller
// can tell "nothing to clear" apart from "cleared".
func (s *HistoryStore) Reset(userID string) bool {
	h, ok := s.lookup(userID)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.messages)
	h.messages = h.messages[:0]
	h.generation++
	return true
}

// Users returns the number of users with a history.
func (s *HistoryStore) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

// Capacity returns the per-user message capacity.
func (s *HistoryStore) Capacity() int {
	return s.capacity
}
