package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

const defaultDebounce = 200 * time.Millisecond

// fileDocument is the on-disk layout:
//
//	tenants:
//	  alice:
//	    - name: search
//	      url: https://search.example.com
//	      token: ${SEARCH_TOKEN}
type fileDocument struct {
	Tenants map[string][]mcpmgr.ServerCredential `yaml:"tenants"`
}

// FileSource serves credentials from a YAML file. Watch keeps it in sync
// with the file; a reload that fails keeps the previous snapshot.
type FileSource struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.RWMutex
	tenants   map[string][]mcpmgr.ServerCredential
	lastErr   error
	onChange  []func()
	watching  bool
	stopWatch context.CancelFunc
	done      chan struct{}
}

// FileOption customizes a FileSource.
type FileOption func(*FileSource)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(logger *slog.Logger) FileOption {
	return func(s *FileSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce sets how long Watch waits for a burst of file events to
// settle before reloading.
func WithDebounce(d time.Duration) FileOption {
	return func(s *FileSource) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// OpenFile loads path and returns a source serving its contents.
func OpenFile(path string, opts ...FileOption) (*FileSource, error) {
	s := &FileSource{path: path, logger: slog.Default(), debounce: defaultDebounce}
	for _, opt := range opts {
		opt(s)
	}
	tenants, err := readFile(path)
	if err != nil {
		return nil, err
	}
	s.tenants = tenants
	return s, nil
}

func readFile(path string) (map[string][]mcpmgr.ServerCredential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}
	expanded := ExpandEnv(string(data))
	var doc fileDocument
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("credstore: parse %s: %w", path, err)
	}
	if err := validate(doc.Tenants); err != nil {
		return nil, fmt.Errorf("credstore: %s: %w", path, err)
	}
	if doc.Tenants == nil {
		doc.Tenants = map[string][]mcpmgr.ServerCredential{}
	}
	return doc.Tenants, nil
}

func validate(tenants map[string][]mcpmgr.ServerCredential) error {
	for tenant, creds := range tenants {
		seen := make(map[string]bool, len(creds))
		for i, cred := range creds {
			if cred.Name == "" {
				return fmt.Errorf("tenant %q entry %d: name is required", tenant, i)
			}
			if cred.URL == "" {
				return fmt.Errorf("tenant %q server %q: url is required", tenant, cred.Name)
			}
			if seen[cred.Name] {
				return fmt.Errorf("tenant %q: duplicate server %q", tenant, cred.Name)
			}
			seen[cred.Name] = true
		}
	}
	return nil
}

// Path returns the file backing the source.
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) ServerCredentials(_ context.Context, tenant string) ([]mcpmgr.ServerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mcpmgr.ServerCredential(nil), s.tenants[tenant]...), nil
}

// Tenants lists the tenants present in the current snapshot.
func (s *FileSource) Tenants(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for tenant := range s.tenants {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

// LastReloadError returns the error of the most recent reload, or nil if it
// succeeded.
func (s *FileSource) LastReloadError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// OnChange registers a callback run after every successful reload.
func (s *FileSource) OnChange(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Reload re-reads the file. On error the previous snapshot is kept.
func (s *FileSource) Reload() error {
	tenants, err := readFile(s.path)
	s.mu.Lock()
	s.lastErr = err
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("credential reload failed, keeping previous snapshot", "path", s.path, "error", err)
		return err
	}
	s.tenants = tenants
	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info("credentials reloaded", "path", s.path, "tenants", len(tenants))
	for _, fn := range handlers {
		func() {
			defer func() { _ = recover() }()
			fn()
		}()
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done or Close is
// called. The parent directory is watched so editors that replace the file
// through a rename are followed.
func (s *FileSource) Watch(ctx context.Context) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("credstore: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.mu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("credstore: watch %s: %w", s.path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.watching = true
	s.stopWatch = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, watcher, done)
	return nil
}

func (s *FileSource) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	target := filepath.Clean(s.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				if ctx.Err() == nil {
					_ = s.Reload()
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("credential watcher error", "path", s.path, "error", err)
		}
	}
}

// Close stops Watch and waits for the watcher goroutine to exit.
func (s *FileSource) Close() error {
	s.mu.Lock()
	cancel, done := s.stopWatch, s.done
	s.watching, s.stopWatch, s.done = false, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

var _ mcpmgr.CredentialSource = (*FileSource)(nil)

// ErrUnsupportedSource is returned by Open for a location it cannot serve.
var ErrUnsupportedSource = errors.New("credstore: unsupported credential source")
