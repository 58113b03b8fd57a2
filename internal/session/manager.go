package session

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ivory/internal/agent/ports"
	"ivory/internal/eventbus"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
)

const (
	DefaultMaxSessions     = 10
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Event topics emitted by the manager.
const (
	TopicDeleted = "session:deleted"
	TopicRemoved = "session:removed"
)

// RemovedPayload travels on TopicRemoved and TopicDeleted.
type RemovedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Config tunes capacity and idle cleanup.
type Config struct {
	MaxSessions     int
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	CleanupEnabled  bool
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Manager keeps at most MaxSessions resident sessions, evicting the least
// recently used one without a turn in flight when a new session would exceed
// the cap. A background sweeper drops sessions idle past SessionTimeout,
// skipping any with a turn in flight.
type Manager struct {
	cfg    Config
	bus    *eventbus.Bus
	logger logging.Logger
	clock  ports.Clock

	// IsProcessing lets eviction and the sweeper skip busy sessions. Nil
	// means nothing is ever busy.
	IsProcessing func(sessionID string) bool
	// OnRemove runs after a session leaves the table, regardless of cause.
	// Persist-on-evict hooks go here.
	OnRemove func(s *Session, reason string)

	mu    sync.Mutex
	cache *lru.Cache[string, *Session]
	// suppressEvict is set while the holder of mu removes entries itself,
	// so the cache callback only reports capacity evictions.
	suppressEvict bool
	evicted       []*Session

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager constructs the session table. The bus may be nil when no one
// listens for lifecycle topics.
func NewManager(cfg Config, bus *eventbus.Bus, logger logging.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logging.OrNop(logger),
		clock:  ports.SystemClock{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	cache, err := lru.NewWithEvict(cfg.MaxSessions, func(_ string, s *Session) {
		// Runs synchronously inside cache mutations while mu is held.
		if !m.suppressEvict {
			m.evicted = append(m.evicted, s)
		}
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache

	if cfg.CleanupEnabled {
		go m.sweep()
	} else {
		close(m.done)
	}
	return m, nil
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(clock ports.Clock) { m.clock = clock }

// Create makes a new resident session. When the table is full the least
// recently used session is pushed out first.
func (m *Manager) Create(name string) *Session {
	s := newSession("", name, m.clock.Now())
	m.insert(s)
	m.logger.Info("session %s created", s.ID)
	return s
}

// Adopt inserts a session restored from persistence under its original id.
func (m *Manager) Adopt(s *Session) {
	m.insert(s)
}

func (m *Manager) insert(s *Session) {
	m.mu.Lock()
	var pushed []*Session
	if !m.cache.Contains(s.ID) && m.cache.Len() >= m.cfg.MaxSessions {
		// Pick the oldest victim without a turn in flight. When every
		// resident session is busy the capacity cap still wins and the
		// plain LRU eviction below takes the oldest.
		for _, id := range m.cache.Keys() {
			if m.IsProcessing != nil && m.IsProcessing(id) {
				continue
			}
			if victim, ok := m.cache.Peek(id); ok {
				m.suppressEvict = true
				m.cache.Remove(id)
				m.suppressEvict = false
				pushed = append(pushed, victim)
			}
			break
		}
	}
	m.cache.Add(s.ID, s)
	pushed = append(pushed, m.takeEvictedLocked()...)
	m.mu.Unlock()
	m.reportRemoved(pushed, "evicted")
}

func (m *Manager) takeEvictedLocked() []*Session {
	out := m.evicted
	m.evicted = nil
	return out
}

// reportRemoved fires removal hooks and events outside the table lock.
func (m *Manager) reportRemoved(sessions []*Session, reason string) {
	for _, s := range sessions {
		m.logger.Info("session %s removed (%s)", s.ID, reason)
		if m.OnRemove != nil {
			m.OnRemove(s, reason)
		}
		if m.bus != nil {
			m.bus.Emit(TopicRemoved, RemovedPayload{SessionID: s.ID, Reason: reason})
		}
	}
}

// Get returns the session and marks it recently used.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.cache.Get(sessionID)
	m.mu.Unlock()
	if !ok {
		return nil, ierrors.SessionNotFound(sessionID)
	}
	return s, nil
}

// Peek returns the session without touching recency.
func (m *Manager) Peek(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.cache.Peek(sessionID)
	m.mu.Unlock()
	if !ok {
		return nil, ierrors.SessionNotFound(sessionID)
	}
	return s, nil
}

// Contains reports residency without touching recency.
func (m *Manager) Contains(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Contains(sessionID)
}

// Touch marks the session active now.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	s, ok := m.cache.Get(sessionID)
	m.mu.Unlock()
	if ok {
		s.Touch(m.clock.Now())
	}
}

// Delete removes the session on explicit request.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	s, ok := m.cache.Peek(sessionID)
	if ok {
		m.suppressEvict = true
		m.cache.Remove(sessionID)
		m.suppressEvict = false
	}
	m.mu.Unlock()
	if !ok {
		return ierrors.SessionNotFound(sessionID)
	}

	m.logger.Info("session %s deleted", sessionID)
	if m.OnRemove != nil {
		m.OnRemove(s, "deleted")
	}
	if m.bus != nil {
		m.bus.Emit(TopicDeleted, RemovedPayload{SessionID: sessionID, Reason: "deleted"})
	}
	return nil
}

// IDs returns resident session ids from least to most recently used.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Keys()
}

// All returns resident sessions from least to most recently used.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Values()
}

// Len returns the number of resident sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Stop shuts the sweeper down and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.CleanupIdle()
		}
	}
}

// CleanupIdle drops sessions idle past the timeout. Sessions with a turn in
// flight are skipped no matter how stale they look.
func (m *Manager) CleanupIdle() int {
	now := m.clock.Now()

	m.mu.Lock()
	var stale []*Session
	for _, s := range m.cache.Values() {
		if now.Sub(s.UpdatedAt()) < m.cfg.SessionTimeout {
			continue
		}
		if m.IsProcessing != nil && m.IsProcessing(s.ID) {
			continue
		}
		stale = append(stale, s)
	}
	m.mu.Unlock()

	removed := 0
	for _, s := range stale {
		m.mu.Lock()
		// Re-check: the session may have been touched or deleted while the
		// lock was released.
		current, ok := m.cache.Peek(s.ID)
		if !ok || m.clock.Now().Sub(current.UpdatedAt()) < m.cfg.SessionTimeout {
			m.mu.Unlock()
			continue
		}
		m.suppressEvict = true
		m.cache.Remove(s.ID)
		m.suppressEvict = false
		m.mu.Unlock()

		m.reportRemoved([]*Session{s}, "idle_timeout")
		removed++
	}
	return removed
}
