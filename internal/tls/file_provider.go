package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// FileProvider serves a certificate loaded from PEM files and reloads it
// when the files change.
type FileProvider struct {
	certFile string
	keyFile  string
	logger   observability.Logger
	metrics  *Metrics

	certificate atomic.Pointer[tls.Certificate]

	watcher   *fsnotify.Watcher
	eventCh   chan CertificateEvent
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu       sync.RWMutex
	closed   bool
	started  bool
	watching bool

	// Zero disables hot reload.
	debounceDelay time.Duration
}

// FileProviderOption is a functional option for configuring FileProvider.
type FileProviderOption func(*FileProvider)

// WithFileProviderLogger sets the logger for the file provider.
func WithFileProviderLogger(logger observability.Logger) FileProviderOption {
	return func(p *FileProvider) {
		p.logger = logger
	}
}

// WithDebounceDelay sets the delay between the last file change and the
// reload. Zero disables watching.
func WithDebounceDelay(delay time.Duration) FileProviderOption {
	return func(p *FileProvider) {
		p.debounceDelay = delay
	}
}

// WithFileProviderMetrics sets the metrics recorder.
func WithFileProviderMetrics(metrics *Metrics) FileProviderOption {
	return func(p *FileProvider) {
		p.metrics = metrics
	}
}

// NewFileProvider loads the key pair and returns a provider serving it.
func NewFileProvider(certFile, keyFile string, opts ...FileProviderOption) (*FileProvider, error) {
	if certFile == "" || keyFile == "" {
		return nil, NewCertificateError(certFile, "certificate and key files are required")
	}

	p := &FileProvider{
		certFile:  certFile,
		keyFile:   keyFile,
		logger:    observability.NopLogger(),
		eventCh:   make(chan CertificateEvent, 10),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.loadCertificate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Start begins watching the certificate files.
func (p *FileProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if p.debounceDelay <= 0 {
		p.logger.Debug("certificate hot-reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	for _, dir := range p.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return NewCertificateErrorWithCause(dir, "failed to watch certificate directory", err)
		}
	}

	p.mu.Lock()
	p.watcher = watcher
	p.watching = true
	p.mu.Unlock()

	p.logger.Info("watching server certificate",
		observability.String("cert_file", p.certFile),
		observability.String("key_file", p.keyFile),
		observability.Duration("debounce", p.debounceDelay),
	)

	go p.watchLoop(ctx)

	p.sendEvent(CertificateEvent{
		Type:        CertificateEventLoaded,
		Certificate: p.certificate.Load(),
		Message:     "certificate loaded",
	})

	return nil
}

func (p *FileProvider) watchDirs() []string {
	certDir := filepath.Dir(p.certFile)
	keyDir := filepath.Dir(p.keyFile)
	if certDir == keyDir {
		return []string{certDir}
	}
	return []string{certDir, keyDir}
}

// GetCertificate returns the current certificate.
func (p *FileProvider) GetCertificate(_ context.Context, _ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrProviderClosed
	}

	cert := p.certificate.Load()
	if cert == nil {
		return nil, ErrCertificateNotFound
	}
	return cert, nil
}

// Watch returns a channel that receives certificate events.
func (p *FileProvider) Watch(_ context.Context) <-chan CertificateEvent {
	return p.eventCh
}

// Reload loads the key pair again. A failed reload keeps the previous
// certificate.
func (p *FileProvider) Reload() error {
	if err := p.loadCertificate(); err != nil {
		p.metrics.RecordReload(err)
		p.logger.Error("failed to reload certificate", observability.Error(err))
		p.sendEvent(CertificateEvent{
			Type:    CertificateEventError,
			Error:   err,
			Message: "failed to reload certificate",
		})
		return err
	}

	p.metrics.RecordReload(nil)
	p.sendEvent(CertificateEvent{
		Type:        CertificateEventReloaded,
		Certificate: p.certificate.Load(),
		Message:     "certificate reloaded",
	})
	return nil
}

// Close stops the file watcher and releases resources.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	watching := p.watching
	p.mu.Unlock()

	close(p.stopCh)

	var err error
	if watching {
		<-p.stoppedCh
		if cerr := p.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close file watcher: %w", cerr)
		}
	}

	close(p.eventCh)
	return err
}

func (p *FileProvider) loadCertificate() error {
	cert, err := LoadCertificateFromFile(p.certFile, p.keyFile)
	if err != nil {
		return err
	}

	p.certificate.Store(cert)
	p.metrics.RecordCertificate(cert)

	if cert.Leaf != nil {
		p.logger.Info("server certificate loaded",
			observability.String("subject", cert.Leaf.Subject.String()),
			observability.Time("not_before", cert.Leaf.NotBefore),
			observability.Time("not_after", cert.Leaf.NotAfter),
		)
	}
	return nil
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("certificate watcher stopped due to context cancellation")
			return

		case <-p.stopCh:
			p.logger.Debug("certificate watcher stopped")
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = p.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			_ = p.Reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("file watcher error", observability.Error(err))
			p.sendEvent(CertificateEvent{
				Type:    CertificateEventError,
				Error:   err,
				Message: "file watcher error",
			})
		}
	}
}

func (p *FileProvider) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	if !p.isRelevantFile(filepath.Clean(event.Name)) {
		return debounceTimer, debounceCh
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return debounceTimer, debounceCh
	}

	p.logger.Debug("certificate file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(p.debounceDelay)
	return debounceTimer, debounceTimer.C
}

func (p *FileProvider) isRelevantFile(cleanPath string) bool {
	return cleanPath == filepath.Clean(p.certFile) || cleanPath == filepath.Clean(p.keyFile)
}

func (p *FileProvider) sendEvent(event CertificateEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.eventCh <- event:
	default:
		p.logger.Warn("certificate event channel full, dropping event",
			observability.String("type", event.Type.String()),
		)
	}
}

var _ CertificateProvider = (*FileProvider)(nil)

// LoadCertificateFromFile loads a key pair from PEM files and parses its leaf.
func LoadCertificateFromFile(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, NewCertificateErrorWithCause(certFile, "failed to load certificate", err)
	}

	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, NewCertificateErrorWithCause(certFile, "failed to parse leaf certificate", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}
