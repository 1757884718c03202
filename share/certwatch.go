package swshare

import (
	"crypto/tls"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertWatcher serves a TLS certificate loaded from disk and reloads it
// when the files change, so the shore can pick up renewed certificates
// without a restart.
type CertWatcher struct {
	ShutdownHelper
	certFile string
	keyFile  string
	cert     atomic.Value // *tls.Certificate
	watcher  *fsnotify.Watcher
}

// NewCertWatcher loads the certificate pair and begins watching both
// files for changes.
func NewCertWatcher(logger Logger, certFile, keyFile string) (*CertWatcher, error) {
	w := &CertWatcher{
		certFile: certFile,
		keyFile:  keyFile,
	}
	w.InitShutdownHelper(logger.Fork("certs"), w)
	if err := w.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, w.Errorf("fsnotify init failed: %s", err)
	}
	w.watcher = watcher
	// Watch the parent directories; editors and cert managers typically
	// replace the files by rename, which drops a watch on the file itself.
	for _, dir := range watchDirs(certFile, keyFile) {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, w.Errorf("cannot watch %s: %s", dir, err)
		}
	}
	if err := w.DoOnceActivate(
		func() error {
			go w.watchLoop()
			return nil
		},
		false,
	); err != nil {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

func watchDirs(files ...string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, f := range files {
		dir := filepath.Dir(f)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (w *CertWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return w.Errorf("cannot load certificate pair (%s, %s): %s", w.certFile, w.keyFile, err)
	}
	w.cert.Store(&cert)
	return nil
}

func (w *CertWatcher) watchLoop() {
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.certFile && ev.Name != w.keyFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// debounce; the key and cert are usually rewritten together
			pending = time.After(500 * time.Millisecond)
		case <-pending:
			pending = nil
			if err := w.reload(); err != nil {
				w.WLogf("certificate reload failed, keeping previous: %s", err)
			} else {
				w.ILogf("certificate reloaded from %s", w.certFile)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.WLogf("certificate watch error: %s", err)
		case <-w.ShutdownStartedChan():
			return
		}
	}
}

// GetCertificate is suitable for tls.Config.GetCertificate.
func (w *CertWatcher) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return w.cert.Load().(*tls.Certificate), nil
}

// HandleOnceShutdown closes the filesystem watcher.
func (w *CertWatcher) HandleOnceShutdown(completionErr error) error {
	if w.watcher != nil {
		w.watcher.Close()
	}
	return completionErr
}
