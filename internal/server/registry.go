package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/metrics"
	"github.com/vigil-hq/vigil/internal/protocol"
)

type sessionKey struct {
	username string
	nodeType protocol.NodeType
}

// Registry tracks active sessions. At most one session exists per
// (username, nodeType); a newer registration supersedes the older session,
// which is force closed.
type Registry struct {
	logger *zap.Logger

	mu    sync.Mutex
	byID  map[string]*Session
	byKey map[sessionKey]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		byID:   make(map[string]*Session),
		byKey:  make(map[sessionKey]*Session),
	}
}

// register installs a session after a completed handshake, superseding any
// previous session of the same identity.
func (r *Registry) register(s *Session) {
	key := sessionKey{username: s.username, nodeType: s.nodeType}

	r.mu.Lock()
	old := r.byKey[key]
	if old != nil {
		delete(r.byID, old.id)
	}
	r.byKey[key] = s
	r.byID[s.id] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("superseding session",
			zap.String("username", s.username),
			zap.String("nodeType", string(s.nodeType)))
		old.Close()
	}
	metrics.ConnectedSessions.WithLabelValues(string(s.nodeType)).Inc()
}

// unregister removes a session on close. It is a no-op when the session was
// already superseded by a newer one.
func (r *Registry) unregister(s *Session) bool {
	key := sessionKey{username: s.username, nodeType: s.nodeType}

	r.mu.Lock()
	registered := r.byID[s.id] == s
	if registered {
		delete(r.byID, s.id)
		if r.byKey[key] == s {
			delete(r.byKey, key)
		}
	}
	r.mu.Unlock()

	if registered {
		metrics.ConnectedSessions.WithLabelValues(string(s.nodeType)).Dec()
	}
	return registered
}

// Lookup returns the active session for an identity, or nil.
func (r *Registry) Lookup(username string, nodeType protocol.NodeType) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[sessionKey{username: username, nodeType: nodeType}]
}

// Sessions returns a snapshot of all active sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// HasAlertSessions reports whether any connected alert node subscribes to
// the given alert level.
func (r *Registry) HasAlertSessions(level int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.nodeType == protocol.NodeAlert && s.hasAlertLevel(level) {
			return true
		}
	}
	return false
}

// PushSensorAlert enqueues a sensor alert push on every connected alert
// session subscribed to the level. Returns the number of targeted sessions.
func (r *Registry) PushSensorAlert(level int, push *protocol.SensorAlertPush) int {
	targets := r.alertSessions(level)
	for _, s := range targets {
		s.Push(protocol.MsgSensorAlert, push, true)
	}
	return len(targets)
}

// PushStatusToManagers enqueues a status snapshot on every connected
// manager session. Returns the number of targeted sessions.
func (r *Registry) PushStatusToManagers(status *protocol.StatusPush) int {
	r.mu.Lock()
	managers := make([]*Session, 0)
	for _, s := range r.byID {
		if s.nodeType == protocol.NodeManager {
			managers = append(managers, s)
		}
	}
	r.mu.Unlock()

	for _, s := range managers {
		s.Push(protocol.MsgStatus, status, false)
	}
	return len(managers)
}

// PushSensorAlertsOff notifies every connected alert session that the alarm
// system was deactivated.
func (r *Registry) PushSensorAlertsOff() {
	r.mu.Lock()
	targets := make([]*Session, 0)
	for _, s := range r.byID {
		if s.nodeType == protocol.NodeAlert {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Push(protocol.MsgSensorAlertsOff, struct{}{}, true)
	}
}

// CloseAll force closes every session, used during shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.Sessions() {
		s.Close()
	}
}

func (r *Registry) alertSessions(level int) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0)
	for _, s := range r.byID {
		if s.nodeType == protocol.NodeAlert && s.hasAlertLevel(level) {
			out = append(out, s)
		}
	}
	return out
}
