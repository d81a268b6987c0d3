package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

// Config configures the client-facing server.
type Config struct {
	Address         string
	MaxConnections  int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ConfigFromListener converts listener configuration.
func ConfigFromListener(cfg config.ListenerConfig) Config {
	return Config{
		Address:         cfg.Address(),
		MaxConnections:  cfg.MaxConnections,
		IdleTimeout:     cfg.KeepaliveTimeout.Duration(),
		ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
	}
}

// Gateway serves HTTP over mTLS connections accepted by a tls.Listener.
type Gateway struct {
	config     Config
	terminator *tlspkg.Terminator
	handler    http.Handler
	logger     observability.Logger
	registry   *tlspkg.SessionRegistry

	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
	listener  *tlspkg.Listener
	server    *http.Server
	done      chan struct{}
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRegistry sets the session registry shared with the listener.
func WithRegistry(registry *tlspkg.SessionRegistry) Option {
	return func(g *Gateway) {
		g.registry = registry
	}
}

// New creates a gateway that terminates TLS with terminator and serves
// handler.
func New(cfg Config, terminator *tlspkg.Terminator, handler http.Handler, opts ...Option) (*Gateway, error) {
	if terminator == nil {
		return nil, ErrMissingTerminator
	}
	if handler == nil {
		return nil, ErrMissingHandler
	}
	if cfg.Address == "" {
		return nil, ErrMissingAddress
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	g := &Gateway{
		config:     cfg,
		terminator: terminator,
		handler:    handler,
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start binds the socket and begins serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyStarted
	}

	listenerOpts := []tlspkg.ListenerOption{
		tlspkg.WithListenerLogger(g.logger),
		tlspkg.WithMaxConnections(g.config.MaxConnections),
	}
	if g.registry != nil {
		listenerOpts = append(listenerOpts, tlspkg.WithRegistry(g.registry))
	}

	ln, err := tlspkg.Listen(context.WithoutCancel(ctx), g.config.Address, g.terminator, listenerOpts...)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return &ListenError{Address: g.config.Address, Cause: err}
	}
	registry := ln.Registry()

	server := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       g.config.IdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		ConnContext:       registry.ConnContext,
		ConnState:         registry.ConnState,
	}

	g.mu.Lock()
	g.listener = ln
	g.server = server
	g.registry = registry
	g.done = make(chan struct{})
	g.startTime = time.Now()
	g.mu.Unlock()

	go g.serve(server, ln, g.done)

	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", ln.Addr().String()),
		observability.Int("max_connections", g.config.MaxConnections),
	)

	return nil
}

func (g *Gateway) serve(server *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	err := server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, tlspkg.ErrListenerClosed) {
		g.logger.Error("gateway serve error", observability.Error(err))
	}
}

// Stop stops accepting, waits for in-flight requests up to the shutdown
// timeout, then closes the remaining connections.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrNotRunning
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.ShutdownTimeout)
		defer cancel()
	}

	g.mu.RLock()
	server, done := g.server, g.done
	g.mu.RUnlock()

	err := server.Shutdown(ctx)
	if err != nil {
		g.logger.Warn("graceful shutdown timed out, closing connections", observability.Error(err))
		_ = server.Close()
	}
	<-done

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")

	if err != nil {
		return fmt.Errorf("failed to shutdown gracefully: %w", err)
	}
	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.startTime.IsZero() || !g.IsRunning() {
		return 0
	}
	return time.Since(g.startTime)
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Registry returns the session registry of established connections.
func (g *Gateway) Registry() *tlspkg.SessionRegistry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.registry
}
