package bytebuddy

import (
	"fmt"
	"sync"
	"time"
)

// rateLimitRecord tracks the last admitted action for one user.
type rateLimitRecord struct {
	// LastActionAt is the timestamp of the most recently admitted action
	LastActionAt time.Time

	// seen is false until the first admitted action, so a zero
	// LastActionAt is never mistaken for a real timestamp
	seen bool

	// pruned is set when the record has been removed from the map.
	// A caller holding a pruned record must look it up again.
	pruned bool

	mu sync.Mutex
}

// RateLimiter gates actions per user, admitting at most one action
// per cooldown period.
//
// Records for different users are locked independently. For the same
// user, the cooldown check and the timestamp update happen under one
// lock, so two concurrent calls inside the cooldown window can't both
// be admitted.
type RateLimiter struct {
	cooldown time.Duration
	mu       sync.RWMutex
	records  map[string]*rateLimitRecord
}

// NewRateLimiter returns a RateLimiter with the given cooldown. A zero
// cooldown admits everything.
func NewRateLimiter(cooldown time.Duration) (*RateLimiter, error) {
	if cooldown < 0 {
		return nil, fmt.Errorf(
			"%w: cooldown must be >= 0 (got %s)",
			ErrConfiguration,
			cooldown,
		)
	}
	return &RateLimiter{
		cooldown: cooldown,
		records:  map[string]*rateLimitRecord{},
	}, nil
}

func (r *RateLimiter) record(userID string) *rateLimitRecord {
	r.mu.RLock()
	rec, ok := r.records[userID]
	r.mu.RUnlock()
	if ok {
		return rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok = r.records[userID]; ok {
		return rec
	}
	rec = &rateLimitRecord{}
	r.records[userID] = rec
	return rec
}

// Admit returns true, and records now as the user's last action, if the
// user has no prior action or their cooldown has elapsed. Otherwise it
// returns false and leaves the record untouched.
func (r *RateLimiter) Admit(userID string, now time.Time) bool {
	for {
		rec := r.record(userID)
		rec.mu.Lock()
		if rec.pruned {
			rec.mu.Unlock()
			continue
		}
		admitted := !rec.seen || now.Sub(rec.LastActionAt) >= r.cooldown
		if admitted {
			rec.LastActionAt = now
			rec.seen = true
		}
		rec.mu.Unlock()
		return admitted
	}
}

// RetryAfter returns how long the user has to wait, as of now, before
// their next action would be admitted. Zero means it would be admitted.
func (r *RateLimiter) RetryAfter(userID string, now time.Time) time.Duration {
	r.mu.RLock()
	rec, ok := r.records[userID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.seen {
		return 0
	}
	remaining := r.cooldown - now.Sub(rec.LastActionAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Prune removes records whose cooldown has elapsed as of now. A pruned
// record behaves exactly like a missing one, so this only bounds memory.
// It returns the number of records removed.
func (r *RateLimiter) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for userID, rec := range r.records {
		rec.mu.Lock()
		expired := !rec.seen || now.Sub(rec.LastActionAt) >= r.cooldown
		if expired {
			rec.pruned = true
			delete(r.records, userID)
			removed++
		}
		rec.mu.Unlock()
	}
	return removed
}

// Len returns the number of users currently tracked.
func (r *RateLimiter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Cooldown returns the configured cooldown.
func (r *RateLimiter) Cooldown() time.Duration {
	return r.cooldown
}
