package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrCapacityExceeded = errors.New("server at capacity")
	ErrSessionNotFound  = errors.New("session not found")
)

const DefaultMaxSessions = 100

// Registry is the thread-safe directory of live sessions. Its mutex is
// scoped strictly to the internal map; it is never held while calling into
// Buffer or Bridge, which can block on I/O. Removal hands ownership of the
// session back to the caller so that explicit end, idle reaping and shutdown
// all drive the same finalization path.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	log         *logrus.Logger
}

func NewRegistry(maxSessions int, log *logrus.Logger) *Registry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		log:         log,
	}
}

func (r *Registry) Create(id, userID, transportID string, q Quality) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, ErrDuplicateSession
	}
	if len(r.sessions) >= r.maxSessions {
		r.log.WithFields(logrus.Fields{
			"active": len(r.sessions),
			"max":    r.maxSessions,
		}).Warn("session limit reached")
		return nil, ErrCapacityExceeded
	}

	s := newSession(id, userID, transportID, q)
	r.sessions[id] = s

	r.log.WithFields(logrus.Fields{
		"session_id": id,
		"user_id":    userID,
		"quality":    q,
		"active":     len(r.sessions),
	}).Info("session created")
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session and returns it, or nil if it was already gone.
// Idempotent: explicit end and the idle reaper can race on the same id.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	r.log.WithFields(logrus.Fields{
		"session_id": id,
		"active":     len(r.sessions),
	}).Info("session removed")
	return s
}

// SweepIdle removes every session idle longer than timeout and returns the
// removed sessions so the caller can finalize them outside the lock.
func (r *Registry) SweepIdle(timeout time.Duration) []*Session {
	now := time.Now().UTC()

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.IdleFor(now) > timeout {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	for _, s := range idle {
		r.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"idle":       s.IdleFor(now).Seconds(),
			"active":     remaining,
		}).Info("idle session swept")
	}
	return idle
}

// Snapshot returns all live sessions without removing them.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
