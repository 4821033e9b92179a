package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/httpsconn/pkg/connection"
)

const defaultReloadDebounce = 100 * time.Millisecond

type certificateEntry struct {
	certFile string
	keyFile  string
	cert     *tls.Certificate
}

// FileCertificateStore holds server certificates loaded from PEM files,
// keyed by server name. The empty name is the default certificate. It can
// serve as a ServerCertificateSelector and reload itself when the files
// change.
type FileCertificateStore struct {
	mu      sync.RWMutex
	entries map[string]*certificateEntry
	closed  bool
	watcher *fsnotify.Watcher
	done    chan struct{}

	debounce time.Duration
	now      func() time.Time
	logger   *TLSLogger
	metrics  *TLSMetricsCollector
}

// NewFileCertificateStore creates an empty store. metrics may be nil.
func NewFileCertificateStore(logger *slog.Logger, metrics *TLSMetricsCollector) *FileCertificateStore {
	return &FileCertificateStore{
		entries:  make(map[string]*certificateEntry),
		debounce: defaultReloadDebounce,
		now:      time.Now,
		logger:   NewTLSLogger(logger),
		metrics:  metrics,
	}
}

// LoadCertificate loads a key pair and checks that it can act as a server
// identity and has not expired.
func (s *FileCertificateStore) LoadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	if strings.TrimSpace(certFile) == "" {
		return nil, NewConfigMissingError("cert_file")
	}
	if strings.TrimSpace(keyFile) == "" {
		return nil, NewConfigMissingError("key_file")
	}

	certPath := filepath.Clean(certFile)
	keyPath := filepath.Clean(keyFile)
	for _, path := range []string{certPath, keyPath} {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, NewFileNotFoundError(path)
			}
			return nil, NewCertificateLoadError(certPath, keyPath, err)
		}
		if info.IsDir() {
			return nil, NewTLSError(ErrorTypeCertificateLoad, "path is a directory, not a file").
				WithContext("file_path", path)
		}
	}

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, NewCertificateLoadError(certPath, keyPath, err)
	}

	leaf, err := LeafCertificate(&pair)
	if err != nil {
		return nil, err
	}
	pair.Leaf = leaf

	if err := ValidateServerCertificate(&pair); err != nil {
		return nil, err
	}
	if s.now().After(leaf.NotAfter) {
		return nil, NewCertificateExpiredError(leaf.Subject.String(), leaf.NotAfter.Format(time.RFC3339))
	}

	return &pair, nil
}

// AddCertificate loads a key pair and serves it for serverName. Names may
// start with "*." to match one label. The empty name sets the default.
func (s *FileCertificateStore) AddCertificate(serverName, certFile, keyFile string) error {
	cert, err := s.LoadCertificate(certFile, keyFile)
	s.logger.LogCertificateLoad(context.Background(), serverName, certFile, keyFile, leafOrNil(cert), err)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("certificate store is closed")
	}
	s.entries[normalizeServerName(serverName)] = &certificateEntry{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		cert:     cert,
	}
	if s.metrics != nil {
		s.metrics.RecordCertificateExpiry(context.Background(), serverName, cert.Leaf.Subject.String(), cert.Leaf.NotAfter)
	}
	return nil
}

// GetCertificate returns the certificate for serverName: an exact match, then
// a wildcard match, then the default.
func (s *FileCertificateStore) GetCertificate(serverName string) (*tls.Certificate, error) {
	name := normalizeServerName(serverName)

	s.mu.RLock()
	entry, found := s.lookupLocked(name)
	s.mu.RUnlock()

	ctx := context.Background()
	if s.metrics != nil && name != "" {
		s.metrics.RecordSNIRequest(ctx, found)
	}

	if !found {
		s.mu.RLock()
		entry = s.entries[""]
		s.mu.RUnlock()
	}
	if entry == nil {
		s.logger.LogSNIRequest(ctx, serverName, false, "")
		return nil, NewSNISelectionError(serverName, nil).
			WithContext("reason", "no matching or default certificate")
	}

	s.logger.LogSNIRequest(ctx, serverName, found, entry.cert.Leaf.Subject.String())
	return entry.cert, nil
}

func (s *FileCertificateStore) lookupLocked(name string) (*certificateEntry, bool) {
	if name == "" {
		return nil, false
	}
	if entry, ok := s.entries[name]; ok {
		return entry, true
	}
	if _, rest, ok := strings.Cut(name, "."); ok && rest != "" {
		if entry, ok := s.entries["*."+rest]; ok {
			return entry, true
		}
	}
	return nil, false
}

// Selector adapts the store to HTTPSConnectionOptions.LocalServerCertificateSelector.
func (s *FileCertificateStore) Selector() ServerCertificateSelector {
	return func(_ *connection.Context, serverName string) (*tls.Certificate, error) {
		return s.GetCertificate(serverName)
	}
}

// ServerNames lists the configured names in sorted order. The default
// certificate appears as "".
func (s *FileCertificateStore) ServerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Certificates describes every loaded certificate.
func (s *FileCertificateStore) Certificates() []*CertificateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]*CertificateInfo, 0, len(s.entries))
	for name, entry := range s.entries {
		info := NewCertificateInfo(entry.cert.Leaf)
		info.ServerName = name
		info.CertFile = entry.certFile
		info.KeyFile = entry.keyFile
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b *CertificateInfo) int {
		return strings.Compare(a.ServerName, b.ServerName)
	})
	return infos
}

// Reload reads every certificate again. An entry that fails to load keeps
// serving its previous certificate.
func (s *FileCertificateStore) Reload() error {
	s.mu.RLock()
	snapshot := make(map[string]certificateEntry, len(s.entries))
	for name, entry := range s.entries {
		snapshot[name] = *entry
	}
	s.mu.RUnlock()

	var errs []error
	reloaded := make(map[string]*tls.Certificate, len(snapshot))
	for name, entry := range snapshot {
		cert, err := s.LoadCertificate(entry.certFile, entry.keyFile)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", name, err))
			continue
		}
		reloaded[name] = cert
	}

	s.mu.Lock()
	for name, cert := range reloaded {
		if entry, ok := s.entries[name]; ok {
			s.entries[name] = &certificateEntry{certFile: entry.certFile, keyFile: entry.keyFile, cert: cert}
		}
	}
	s.mu.Unlock()

	err := errors.Join(errs...)
	ctx := context.Background()
	s.logger.LogCertificateReload(ctx, len(reloaded), len(errs), err)
	if s.metrics != nil {
		s.metrics.RecordCertificateReload(ctx, err == nil)
	}
	return err
}

// Watch reloads the store when a certificate or key file changes. Events are
// debounced so a rewrite of a pair triggers one reload. onReload, if set,
// runs after each successful reload. Watching stops when ctx is done or the
// store is closed.
func (s *FileCertificateStore) Watch(ctx context.Context, onReload func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("certificate store is closed")
	}
	if s.watcher != nil {
		return NewTLSError(ErrorTypeFileWatching, "certificate files are already watched")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewTLSErrorWithCause(ErrorTypeFileWatching, "failed to create file watcher", err)
	}

	// Directories are watched so atomic replacements (rename over the old
	// file, symlink swaps) are seen.
	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, entry := range s.entries {
		for _, path := range []string{entry.certFile, entry.keyFile} {
			files[path] = true
			dirs[filepath.Dir(path)] = true
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return NewTLSErrorWithCause(ErrorTypeFileWatching, "failed to watch certificate directory", err).
				WithContext("directory", dir)
		}
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchFiles(ctx, watcher, files, onReload)

	s.logger.Logger().Info("Started watching certificate files", "file_count", len(files))
	return nil
}

func (s *FileCertificateStore) watchFiles(ctx context.Context, watcher *fsnotify.Watcher, files map[string]bool, onReload func()) {
	defer close(s.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := func() {
		if err := s.Reload(); err == nil && onReload != nil {
			onReload()
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Logger().Debug("Certificate file changed", "file", event.Name, "operation", event.Op.String())
			if timer == nil {
				timer = time.AfterFunc(s.debounce, reload)
			} else {
				timer.Reset(s.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Logger().Error("Certificate file watcher error", "error", err)
		}
	}
}

// Close stops watching. Loaded certificates stay usable.
func (s *FileCertificateStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher, done := s.watcher, s.done
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

func normalizeServerName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

func leafOrNil(cert *tls.Certificate) *x509.Certificate {
	if cert == nil {
		return nil
	}
	return cert.Leaf
}
