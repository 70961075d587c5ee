package session

import (
	"sort"
	"sync"
	"time"

	"github.com/beam-cloud/vmr/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Session Affinity Store - Pins client keys to endpoints per VMR
// ============================================================================

const DefaultCleanupInterval = 60 * time.Second

type sessionEntry struct {
	mu         sync.Mutex
	endpointID string
	timeout    time.Duration
	created    time.Time
	lastAccess time.Time
}

// expired reports whether the pin outlived its timeout. Callers hold mu.
func (e *sessionEntry) expired(now time.Time) bool {
	return now.Sub(e.lastAccess) > e.timeout
}

func (e *sessionEntry) isExpired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expired(now)
}

type vmrSessions struct {
	entries *xsync.MapOf[string, *sessionEntry]
	// Serializes eviction passes; each pass re-reads the size under it
	evictMu sync.Mutex
}

// Session is a copy of one pin
type Session struct {
	ClientKey     string
	EndpointID    string
	CreatedUtc    time.Time
	LastAccessUtc time.Time
	Timeout       time.Duration
}

// AffinityStore maps (VMR id, client key) to a pinned endpoint id
type AffinityStore struct {
	vmrs    *xsync.MapOf[string, *vmrSessions]
	now     func() time.Time
	metrics *metrics.Metrics

	cleanupInterval time.Duration
	startOnce       sync.Once
	stopOnce        sync.Once
	stopCh          chan struct{}
	doneCh          chan struct{}
}

type Option func(*AffinityStore)

func WithClock(now func() time.Time) Option {
	return func(s *AffinityStore) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AffinityStore) { s.metrics = m }
}

// WithCleanupInterval sets how often StartCleanup sweeps expired pins
func WithCleanupInterval(d time.Duration) Option {
	return func(s *AffinityStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// NewAffinityStore creates an empty store
func NewAffinityStore(opts ...Option) *AffinityStore {
	s := &AffinityStore{
		vmrs:            xsync.NewMapOf[string, *vmrSessions](),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryGetPinnedEndpoint returns the pinned endpoint and refreshes its last access.
// An expired pin is removed and reported as a miss.
func (s *AffinityStore) TryGetPinnedEndpoint(vmrID, clientKey string) (string, bool) {
	if vmrID == "" || clientKey == "" {
		return "", false
	}

	sessions, ok := s.vmrs.Load(vmrID)
	if !ok {
		return "", false
	}
	entry, ok := sessions.entries.Load(clientKey)
	if !ok {
		return "", false
	}

	now := s.now()
	entry.mu.Lock()
	if entry.expired(now) {
		entry.mu.Unlock()
		s.removeIfExpired(sessions, clientKey, entry, now)
		return "", false
	}
	entry.lastAccess = now
	endpointID := entry.endpointID
	entry.mu.Unlock()

	return endpointID, true
}

// removeIfExpired deletes entry only if it is still mapped under key and still expired
func (s *AffinityStore) removeIfExpired(sessions *vmrSessions, key string, entry *sessionEntry, now time.Time) bool {
	removed := false
	sessions.entries.Compute(key, func(old *sessionEntry, loaded bool) (*sessionEntry, bool) {
		if !loaded || old != entry {
			return old, !loaded
		}
		removed = old.isExpired(now)
		return old, removed
	})
	return removed
}

// SetPinnedEndpoint creates or updates a pin. When the VMR exceeds maxEntries the least
// recently used pins are evicted.
func (s *AffinityStore) SetPinnedEndpoint(vmrID, clientKey, endpointID string, timeout time.Duration, maxEntries int) {
	if vmrID == "" || clientKey == "" || endpointID == "" {
		return
	}

	sessions, _ := s.vmrs.LoadOrCompute(vmrID, func() *vmrSessions {
		return &vmrSessions{entries: xsync.NewMapOf[string, *sessionEntry]()}
	})

	now := s.now()
	sessions.entries.Compute(clientKey, func(old *sessionEntry, loaded bool) (*sessionEntry, bool) {
		if loaded {
			old.mu.Lock()
			old.endpointID = endpointID
			old.timeout = timeout
			old.lastAccess = now
			old.mu.Unlock()
			return old, false
		}
		return &sessionEntry{
			endpointID: endpointID,
			timeout:    timeout,
			created:    now,
			lastAccess: now,
		}, false
	})

	if maxEntries > 0 && sessions.entries.Size() > maxEntries {
		s.evict(vmrID, sessions, maxEntries)
	}
}

type lruCandidate struct {
	key        string
	entry      *sessionEntry
	lastAccess time.Time
}

// evict removes the least recently used pins: at least the excess, and at least a tenth
// of maxEntries so a full store doesn't evict on every insert.
func (s *AffinityStore) evict(vmrID string, sessions *vmrSessions, maxEntries int) {
	sessions.evictMu.Lock()
	defer sessions.evictMu.Unlock()

	size := sessions.entries.Size()
	excess := size - maxEntries
	if excess <= 0 {
		return
	}
	count := max(excess, max(1, maxEntries/10))

	candidates := make([]lruCandidate, 0, size)
	sessions.entries.Range(func(key string, entry *sessionEntry) bool {
		entry.mu.Lock()
		candidates = append(candidates, lruCandidate{key: key, entry: entry, lastAccess: entry.lastAccess})
		entry.mu.Unlock()
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= count {
			break
		}
		if s.removeEntry(sessions, c.key, c.entry) {
			evicted++
		}
	}

	s.metrics.RecordSessionEvictions(vmrID, evicted)
	log.Debug().
		Str("vmr_id", vmrID).
		Int("evicted", evicted).
		Int("max_entries", maxEntries).
		Msg("Evicted session pins")
}

// removeEntry deletes entry only if it is still mapped under key
func (s *AffinityStore) removeEntry(sessions *vmrSessions, key string, entry *sessionEntry) bool {
	removed := false
	sessions.entries.Compute(key, func(old *sessionEntry, loaded bool) (*sessionEntry, bool) {
		removed = loaded && old == entry
		return old, removed || !loaded
	})
	return removed
}

// RemovePinnedEndpoint deletes one pin
func (s *AffinityStore) RemovePinnedEndpoint(vmrID, clientKey string) {
	if sessions, ok := s.vmrs.Load(vmrID); ok {
		sessions.entries.Delete(clientKey)
	}
}

// RemoveAllForVmr drops every pin of a VMR and returns how many were removed
func (s *AffinityStore) RemoveAllForVmr(vmrID string) int {
	sessions, ok := s.vmrs.LoadAndDelete(vmrID)
	if !ok {
		return 0
	}
	return sessions.entries.Size()
}

// RemoveAllForEndpoint drops every pin that targets endpointID, across all VMRs
func (s *AffinityStore) RemoveAllForEndpoint(endpointID string) int {
	removed := 0
	s.vmrs.Range(func(_ string, sessions *vmrSessions) bool {
		sessions.entries.Range(func(key string, entry *sessionEntry) bool {
			deleted := false
			sessions.entries.Compute(key, func(old *sessionEntry, loaded bool) (*sessionEntry, bool) {
				if !loaded {
					return old, true
				}
				old.mu.Lock()
				deleted = old.endpointID == endpointID
				old.mu.Unlock()
				return old, deleted
			})
			if deleted {
				removed++
			}
			return true
		})
		return true
	})
	return removed
}

// GetSessionCount counts the VMR's unexpired pins without removing anything
func (s *AffinityStore) GetSessionCount(vmrID string) int {
	sessions, ok := s.vmrs.Load(vmrID)
	if !ok {
		return 0
	}

	now := s.now()
	count := 0
	sessions.entries.Range(func(_ string, entry *sessionEntry) bool {
		if !entry.isExpired(now) {
			count++
		}
		return true
	})
	return count
}

// GetSessions returns copies of the VMR's unexpired pins
func (s *AffinityStore) GetSessions(vmrID string) []Session {
	sessions, ok := s.vmrs.Load(vmrID)
	if !ok {
		return nil
	}

	now := s.now()
	var out []Session
	sessions.entries.Range(func(key string, entry *sessionEntry) bool {
		entry.mu.Lock()
		if !entry.expired(now) {
			out = append(out, Session{
				ClientKey:     key,
				EndpointID:    entry.endpointID,
				CreatedUtc:    entry.created,
				LastAccessUtc: entry.lastAccess,
				Timeout:       entry.timeout,
			})
		}
		entry.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ClientKey < out[j].ClientKey })
	return out
}

// Cleanup removes expired pins and empty VMR maps, returning how many pins were removed
func (s *AffinityStore) Cleanup() int {
	now := s.now()
	removed := 0

	s.vmrs.Range(func(vmrID string, sessions *vmrSessions) bool {
		sessions.entries.Range(func(key string, entry *sessionEntry) bool {
			if entry.isExpired(now) && s.removeIfExpired(sessions, key, entry, now) {
				removed++
			}
			return true
		})

		s.vmrs.Compute(vmrID, func(old *vmrSessions, loaded bool) (*vmrSessions, bool) {
			if !loaded {
				return old, true
			}
			return old, old == sessions && old.entries.Size() == 0
		})
		return true
	})

	s.metrics.RecordSessionsExpired(removed)
	return removed
}
