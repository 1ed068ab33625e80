package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-io/megaphototool/pipeline"
	"github.com/segmentio/ksuid"
)

// Session owns one pipeline and the websocket clients watching it.
type Session struct {
	ID       string
	Pipeline *pipeline.Pipeline

	hub         *hub
	unsubscribe func()

	mu         sync.Mutex
	lastAccess time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) close() {
	s.unsubscribe()
	s.hub.close()
}

// Store keeps the live sessions keyed by ksuid.
type Store struct {
	newPipeline func() *pipeline.Pipeline
	ttl         time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(newPipeline func() *pipeline.Pipeline, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		newPipeline: newPipeline,
		ttl:         ttl,
		now:         time.Now,
		log:         logger,
		sessions:    make(map[string]*Session),
	}
}

func (st *Store) Create() *Session {
	p := st.newPipeline()
	h := newHub(st.log)
	s := &Session{
		ID:          ksuid.New().String(),
		Pipeline:    p,
		hub:         h,
		unsubscribe: p.Subscribe(h.broadcast),
		lastAccess:  st.now(),
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	st.log.Debug("session created", "session", s.ID)
	return s
}

// Get returns the session and marks it as used.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		s.touch(st.now())
	}
	return s, ok
}

func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok {
		s.close()
		st.log.Debug("session deleted", "session", id)
	}
	return ok
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep drops sessions unused for longer than the ttl. Sessions in the middle of a run are kept.
func (st *Store) Sweep() int {
	cutoff := st.now().Add(-st.ttl)

	var expired []*Session
	st.mu.Lock()
	for id, s := range st.sessions {
		if !s.idleSince().Before(cutoff) {
			continue
		}
		if state := s.Pipeline.State(); state != pipeline.Idle && state != pipeline.Ready {
			continue
		}
		expired = append(expired, s)
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.close()
	}
	if len(expired) > 0 {
		st.log.Info("expired sessions removed", "count", len(expired), "remaining", st.Len())
	}
	return len(expired)
}

// CloseAll drops every session.
func (st *Store) CloseAll() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
