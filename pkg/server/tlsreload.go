package server

import (
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tuic-go/tuicd/pkg/logger"
)

// certResolver serves the current certificate/key pair and reloads it
// whenever the certificate file changes on disk, without a restart.
// Grounded on original_source/tuic-server/src/tls.rs's CertResolver:
// that type wraps an RwLock<Arc<CertifiedKey>> and a notify watcher on
// the certificate path; here an atomic.Pointer stands in for the
// RwLock<Arc<_>> and fsnotify stands in for the notify crate.
type certResolver struct {
	certPath string
	keyPath  string
	current  atomic.Pointer[tls.Certificate]
	watcher  *fsnotify.Watcher
}

// newCertResolver loads the initial pair and starts watching certPath
// for changes. The returned resolver's GetCertificate method is wired
// into a *tls.Config.
func newCertResolver(certPath, keyPath string) (*certResolver, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tls watcher: %w", err)
	}
	if err := watcher.Add(certPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch certificate path: %w", err)
	}

	r := &certResolver{certPath: certPath, keyPath: keyPath, watcher: watcher}
	r.current.Store(&cert)
	go r.watch()
	return r, nil
}

func (r *certResolver) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Warn("tls cert-key reload", "path", r.certPath)
			cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
			if err != nil {
				logger.Warn("tls cert-key reload failed", "path", r.certPath, "err", err)
				continue
			}
			r.current.Store(&cert)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("tls watcher error", "err", err)
		}
	}
}

// GetCertificate implements the tls.Config.GetCertificate hook.
func (r *certResolver) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.current.Load(), nil
}

func (r *certResolver) Close() error {
	return r.watcher.Close()
}
