package tls

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Session is the outcome of one client handshake. It lives as long as the
// connection and is never shared between connections.
type Session struct {
	ID                 string
	State              ConnState
	ServerName         string
	RemoteAddr         string
	Policy             Policy
	Identity           *trust.ClientIdentity
	VerifyError        *trust.VerificationError
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	EstablishedAt      time.Time

	conn *tls.Conn
}

func newSession(remoteAddr string) *Session {
	return &Session{
		ID:         uuid.New().String(),
		State:      ConnListening,
		RemoteAddr: remoteAddr,
	}
}

// transition moves the session to next if the state machine allows it.
func (s *Session) transition(next ConnState) bool {
	if !s.State.CanTransition(next) {
		return false
	}
	s.State = next
	return true
}

// Conn returns the established TLS connection.
func (s *Session) Conn() *tls.Conn {
	return s.conn
}

// Verified reports whether the client presented a certificate that passed
// trust store verification.
func (s *Session) Verified() bool {
	return s != nil && s.Identity != nil
}

// PresentedInvalid reports whether the client presented a certificate that
// failed verification.
func (s *Session) PresentedInvalid() bool {
	return s != nil && s.VerifyError != nil
}

type sessionContextKey struct{}

// ContextWithSession stores session in ctx.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the session stored in ctx, or nil.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey{}).(*Session)
	return session
}

// SessionRegistry maps live connections to their sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[net.Conn]*Session
	metrics  *Metrics
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(metrics *Metrics) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[net.Conn]*Session),
		metrics:  metrics,
	}
}

// Add registers the session for conn.
func (r *SessionRegistry) Add(conn net.Conn, session *Session) {
	r.mu.Lock()
	_, exists := r.sessions[conn]
	r.sessions[conn] = session
	r.mu.Unlock()

	if !exists {
		r.metrics.SessionOpened()
	}
}

// Lookup returns the session registered for conn.
func (r *SessionRegistry) Lookup(conn net.Conn) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[conn]
	return session, ok
}

// Remove drops the session for conn.
func (r *SessionRegistry) Remove(conn net.Conn) {
	r.mu.Lock()
	_, exists := r.sessions[conn]
	delete(r.sessions, conn)
	r.mu.Unlock()

	if exists {
		r.metrics.SessionClosed()
	}
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnContext is an http.Server ConnContext hook that attaches the session
// of c to every request served on it.
func (r *SessionRegistry) ConnContext(ctx context.Context, c net.Conn) context.Context {
	if session, ok := r.Lookup(c); ok {
		return ContextWithSession(ctx, session)
	}
	return ctx
}

// ConnState is an http.Server ConnState hook that forgets sessions of
// closed or hijacked connections.
func (r *SessionRegistry) ConnState(c net.Conn, state http.ConnState) {
	if state == http.StateClosed || state == http.StateHijacked {
		r.Remove(c)
	}
}
