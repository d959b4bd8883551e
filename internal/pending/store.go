// Package pending holds staged rule operations awaiting explicit confirmation.
//
// Actions live only in process memory and expire after a fixed window.
// Expiry is checked lazily on every lookup and eagerly by an optional
// background sweeper. Tokens are lookup keys, not credentials: callers must
// authorize a confirmation against the stored owner and tenant.
package pending

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// DefaultTTL is how long a staged action stays confirmable.
const DefaultTTL = 5 * time.Minute

// Kind is the staged operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindModify Kind = "modify"
	KindDelete Kind = "delete"
)

// FieldChange is one line of a modification diff.
type FieldChange struct {
	Field    string `json:"field"`
	Label    string `json:"label"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// Action is an immutable staged rule operation.
type Action struct {
	Token    string `json:"token"`
	Kind     Kind   `json:"kind"`
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	// Rule is the fully resolved rule to create, the merged rule for a
	// modification, or the rule being deleted.
	Rule *repository.ApprovalRule `json:"rule"`
	// Original is the rule as it was when a modify/delete was prepared.
	Original *repository.ApprovalRule `json:"original,omitempty"`
	Changes  []FieldChange            `json:"changes,omitempty"`

	InProgressWorkflows int    `json:"inProgressWorkflows,omitempty"`
	OriginalText        string `json:"originalText,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the action is past its expiry at now.
func (a *Action) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// OwnedBy reports whether the action belongs to the user within the tenant.
func (a *Action) OwnedBy(userID, tenantID string) bool {
	return a.UserID == userID && a.TenantID == tenantID
}

// Clock returns the current time.
type Clock func() time.Time

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Store) { s.now = clock }
}

// WithTTL overrides the confirmation window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// Store is a concurrency-safe registry of staged actions keyed by token.
// The lock is never held across I/O.
type Store struct {
	mu      sync.RWMutex
	actions map[string]*Action
	ttl     time.Duration
	now     Clock
}

// NewStore creates an empty Store.
func NewStore(options ...Option) *Store {
	s := &Store{
		actions: make(map[string]*Action),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// TTL returns the configured confirmation window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put stages a copy of the action under a fresh token, stamping its creation
// and expiry times, and returns the stored copy.
func (s *Store) Put(a Action) *Action {
	now := s.now()
	a.CreatedAt = now
	a.ExpiresAt = now.Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		a.Token = newToken(now)
		if _, taken := s.actions[a.Token]; !taken {
			break
		}
	}
	stored := a
	s.actions[a.Token] = &stored
	return &stored
}

// Get returns the action for token. Expired actions are reported as absent.
func (s *Store) Get(token string) (*Action, bool) {
	s.mu.RLock()
	a, ok := s.actions[token]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if a.Expired(s.now()) {
		s.Delete(token)
		return nil, false
	}
	return a, true
}

// Take atomically removes and returns the action for token. At most one
// caller can take a given token; expired actions are reported as absent.
func (s *Store) Take(token string) (*Action, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[token]
	if !ok {
		return nil, false
	}
	delete(s.actions, token)
	if a.Expired(now) {
		return nil, false
	}
	return a, true
}

// Restore puts a previously taken action back under its original token,
// unless it has expired meanwhile or the token was reused.
func (s *Store) Restore(a *Action) bool {
	if a == nil || a.Expired(s.now()) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.actions[a.Token]; taken {
		return false
	}
	s.actions[a.Token] = a
	return true
}

// Delete removes the action for token, if any.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	delete(s.actions, token)
	s.mu.Unlock()
}

// ForUser returns a snapshot of the user's non-expired actions, oldest first.
func (s *Store) ForUser(userID string) []*Action {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Action
	for _, a := range s.actions {
		if a.UserID == userID && !a.Expired(now) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Token < result[j].Token
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Sweep removes every action expired at now and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, a := range s.actions {
		if a.Expired(now) {
			delete(s.actions, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored actions, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions)
}

// newToken combines a millisecond timestamp with a random suffix.
func newToken(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("pending_%d_%s", now.UnixMilli(), suffix)
}
