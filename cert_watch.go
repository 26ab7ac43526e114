package meridian

import (
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// certWatcher loads a cert/key pair from a directory and keeps it current
// by watching the directory for writes, so rotating a certificate on disk
// (e.g. a renewal from an external agent) never requires restarting the
// quic backend. There is deliberately no compiled-in fallback certificate:
// a missing or unparsable pair at Start time is an error.
type certWatcher struct {
	dir string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	logger  *slog.Logger

	reloads atomic.Uint64
	stopCh  chan struct{}
}

const (
	certFileName = "tls.crt"
	keyFileName  = "tls.key"
)

func newCertWatcher(dir string, logger *slog.Logger) (*certWatcher, error) {
	cw := &certWatcher{dir: dir, logger: logger, stopCh: make(chan struct{})}

	if err := cw.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, wrapf(ErrRuntimeError, "cert watcher: %v", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, wrapf(ErrRuntimeError, "cert watcher: watch %s: %v", dir, err)
	}
	cw.watcher = w

	go cw.watch()
	return cw, nil
}

func (cw *certWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(cw.dir, certFileName),
		filepath.Join(cw.dir, keyFileName),
	)
	if err != nil {
		return wrapf(ErrRuntimeError, "cert watcher: load %s: %v", cw.dir, err)
	}
	cw.mu.Lock()
	cw.cert = &cert
	cw.mu.Unlock()
	cw.reloads.Add(1)
	return nil
}

func (cw *certWatcher) watch() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(ev.Name)
			if base != certFileName && base != keyFileName {
				continue
			}
			if err := cw.reload(); err != nil {
				cw.logger.Warn("cert watcher: reload failed, keeping previous cert", LabelError.L(err))
				continue
			}
			cw.logger.Info("cert watcher: reloaded certificate", "dir", cw.dir)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("cert watcher: watch error", LabelError.L(err))
		case <-cw.stopCh:
			return
		}
	}
}

// GetCertificate satisfies tls.Config.GetCertificate, handing back
// whichever cert is current at TLS handshake time.
func (cw *certWatcher) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.cert, nil
}

func (cw *certWatcher) Close() error {
	close(cw.stopCh)
	if cw.watcher != nil {
		return cw.watcher.Close()
	}
	return nil
}
