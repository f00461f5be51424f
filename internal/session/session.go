package session

import (
	"crypto/sha256"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNoSession indicates that no Main session has been stored yet.
	ErrNoSession = errors.New("no main session")
	// ErrStoreUnavailable wraps durability failures of a backing store.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Kind distinguishes the main datacenter session from CDN sessions.
type Kind int

const (
	KindMain Kind = iota
	KindCDN
)

func (k Kind) String() string {
	switch k {
	case KindMain:
		return "main"
	case KindCDN:
		return "cdn"
	default:
		return "unknown"
	}
}

// Session is the descriptor needed to resume a connection to a datacenter.
// Sessions are values: migration produces a new Session rather than
// mutating the old one.
type Session struct {
	DCID      int       `json:"dc_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	AuthKey   []byte    `json:"auth_key,omitempty"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Addr returns host:port.
func (s Session) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Expired reports whether the session has a deadline that has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AuthKeyID returns the short identifier the server uses to look up the
// auth key, or nil when the session has no key yet.
func (s Session) AuthKeyID() []byte {
	if len(s.AuthKey) == 0 {
		return nil
	}
	sum := sha256.Sum256(s.AuthKey)
	return sum[:8]
}

// WithAuthKey returns a copy of s bound to key.
func (s Session) WithAuthKey(key []byte) Session {
	out := s.clone()
	out.AuthKey = append([]byte(nil), key...)
	return out
}

func (s Session) clone() Session {
	if s.AuthKey != nil {
		s.AuthKey = append([]byte(nil), s.AuthKey...)
	}
	return s
}

// Store holds the active Main session and cached CDN sessions.
// Implementations must make Put atomic: readers never observe a partially
// written session.
type Store interface {
	// Get returns the current Main session.
	Get() (Session, error)
	// CDN returns the cached, unexpired session for a CDN datacenter.
	CDN(dcID int) (Session, bool)
	// Put replaces the Main session, or inserts/replaces the CDN session
	// for s.DCID, depending on s.Kind.
	Put(s Session) error
	// Delete removes a session. Deleting a missing session is not an error.
	Delete(kind Kind, dcID int) error
	// CleanupExpired removes expired CDN sessions and returns how many.
	CleanupExpired(now time.Time) int
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	main *Session
	cdn  map[int]Session // keyed by datacenter ID
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cdn: make(map[int]Session),
		now: time.Now,
	}
}

func (m *MemoryStore) Get() (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.main == nil {
		return Session{}, ErrNoSession
	}
	return m.main.clone(), nil
}

func (m *MemoryStore) CDN(dcID int) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.cdn[dcID]
	if !ok || s.Expired(m.now()) {
		return Session{}, false
	}
	return s.clone(), true
}

func (m *MemoryStore) Put(s Session) error {
	s = s.clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch s.Kind {
	case KindCDN:
		m.cdn[s.DCID] = s
	default:
		m.main = &s
	}
	return nil
}

func (m *MemoryStore) Delete(kind Kind, dcID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case KindCDN:
		delete(m.cdn, dcID)
	default:
		if m.main != nil && m.main.DCID == dcID {
			m.main = nil
		}
	}
	return nil
}

func (m *MemoryStore) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove []int
	for id, s := range m.cdn {
		if s.Expired(now) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(m.cdn, id)
	}
	return len(toRemove)
}
