package session

import (
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/ayusman/drishti/internal/annotate"
	"github.com/ayusman/drishti/internal/detector"
	"github.com/ayusman/drishti/internal/labels"
	"github.com/google/uuid"
)

// Manager owns every live session.
type Manager struct {
	factory  detector.Factory
	workRoot string
	newRNG   func() *rand.Rand

	mu       sync.Mutex
	sessions map[string]*Session
	onChange func(count int)
}

// NewManager creates a Manager that builds detectors with factory and
// places session work directories under workRoot (the system temp dir if empty).
func NewManager(factory detector.Factory, workRoot string) *Manager {
	return &Manager{
		factory:  factory,
		workRoot: workRoot,
		sessions: make(map[string]*Session),
	}
}

// SetRNG sets the source of color generators. Each new session calls it once.
func (m *Manager) SetRNG(fn func() *rand.Rand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newRNG = fn
}

// OnChange registers a callback invoked with the session count after
// every create or release.
func (m *Manager) OnChange(fn func(count int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Create parses the class text and builds a ready session: the color map
// is assigned and the detector vocabulary set before it is returned.
func (m *Manager) Create(classText string) (*Session, error) {
	set := labels.Parse(classText)

	m.mu.Lock()
	newRNG := m.newRNG
	m.mu.Unlock()

	var rng *rand.Rand
	if newRNG != nil {
		rng = newRNG()
	}
	colors := labels.AssignColors(set, rng)

	det, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}
	if len(set) > 0 {
		if err := det.SetClasses(set); err != nil {
			det.Close()
			return nil, fmt.Errorf("set classes: %w", err)
		}
	}

	if m.workRoot != "" {
		if err := os.MkdirAll(m.workRoot, 0755); err != nil {
			det.Close()
			return nil, fmt.Errorf("create work root: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(m.workRoot, "session-*")
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		Labels:    set,
		Colors:    colors,
		detector:  det,
		annotator: annotate.New(colors),
		workDir:   workDir,
		createdAt: now,
		lastUsed:  now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count, notify := len(m.sessions), m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify(count)
	}
	log.Printf("Session %s created with %d classes", s.ID, len(set))
	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	s.Touch()
	return s, nil
}

// Delete releases and forgets a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count, notify := len(m.sessions), m.onChange
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if notify != nil {
		notify(count)
	}
	return s.Close()
}

// Reap releases sessions idle for longer than ttl and returns their IDs.
// Busy sessions are never reaped.
func (m *Manager) Reap(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-ttl)
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Busy() || s.LastUsed().After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, s)
	}
	count, notify := len(m.sessions), m.onChange
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		if err := s.Close(); err != nil {
			log.Printf("Error closing session %s: %v", s.ID, err)
		}
		ids = append(ids, s.ID)
	}
	if len(expired) > 0 && notify != nil {
		notify(count)
	}
	return ids
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll releases every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	notify := m.onChange
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Printf("Error closing session %s: %v", s.ID, err)
		}
	}
	if len(sessions) > 0 && notify != nil {
		notify(0)
	}
}
