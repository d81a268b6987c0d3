package tls

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener accepts raw connections, runs each handshake in its own
// goroutine and yields only established *tls.Conn values from Accept.
// A failed handshake closes that connection and nothing else.
type Listener struct {
	inner      net.Listener
	terminator *Terminator
	registry   *SessionRegistry
	logger     observability.Logger

	maxConnections int

	ready  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// ListenerOption is a functional option for configuring Listener.
type ListenerOption func(*Listener)

// WithMaxConnections caps concurrently open raw connections. Zero means
// unlimited.
func WithMaxConnections(n int) ListenerOption {
	return func(l *Listener) {
		l.maxConnections = n
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithRegistry sets the registry that established sessions are added to.
func WithRegistry(registry *SessionRegistry) ListenerOption {
	return func(l *Listener) {
		l.registry = registry
	}
}

// Listen opens a TCP socket on addr and wraps it in a Listener.
func Listen(ctx context.Context, addr string, terminator *Terminator, opts ...ListenerOption) (*Listener, error) {
	var lc net.ListenConfig
	inner, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ctx, inner, terminator, opts...), nil
}

// NewListener wraps inner and starts accepting. Cancelling ctx or calling
// Close stops the accept loop and aborts pending handshakes.
func NewListener(ctx context.Context, inner net.Listener, terminator *Terminator, opts ...ListenerOption) *Listener {
	l := &Listener{
		terminator: terminator,
		logger:     observability.NopLogger(),
		ready:      make(chan net.Conn),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registry == nil {
		l.registry = NewSessionRegistry(terminator.metrics)
	}

	if l.maxConnections > 0 {
		inner = netutil.LimitListener(inner, l.maxConnections)
	}
	l.inner = inner
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.acceptLoop()

	return l
}

// Registry returns the session registry fed by this listener.
func (l *Listener) Registry() *SessionRegistry {
	return l.registry
}

// Accept returns the next established connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ready:
		return conn, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

// Close stops accepting, aborts pending handshakes and closes the socket.
// Established connections already returned by Accept stay open.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.inner.Close()
		l.wg.Wait()
	})
	return l.closeErr
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff = nextBackoff(backoff)
			l.logger.Warn("accept error, retrying",
				observability.Error(err),
				observability.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
				continue
			case <-l.ctx.Done():
				return
			}
		}
		backoff = 0

		l.wg.Add(1)
		go l.handshake(conn)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}

func (l *Listener) handshake(conn net.Conn) {
	defer l.wg.Done()

	session, err := l.terminator.Handshake(l.ctx, conn)
	if err != nil {
		return
	}

	tlsConn := session.Conn()
	l.registry.Add(tlsConn, session)

	select {
	case l.ready <- tlsConn:
	case <-l.ctx.Done():
		l.registry.Remove(tlsConn)
		_ = tlsConn.Close()
	}
}
