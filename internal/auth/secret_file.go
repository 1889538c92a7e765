package auth

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SecretFile authorizes against a shared secret kept in a file on disk. The
// secret is the first non-empty trimmed line. The file is watched and reloaded
// after changes; while it is missing or empty every request is denied.
type SecretFile struct {
	file         string
	logger       *log.Logger
	watcher      *fsnotify.Watcher
	refreshDelay time.Duration

	mu     sync.RWMutex
	secret string

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
	done         chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	closeErr     error
}

// NewSecretFile loads the secret from filePath and starts watching it.
func NewSecretFile(filePath string, debounce time.Duration, logger *log.Logger) (*SecretFile, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}

	s := &SecretFile{
		file:         filepath.Clean(filePath),
		logger:       logger,
		watcher:      watcher,
		refreshDelay: debounce,
		done:         make(chan struct{}),
	}

	if err := s.refresh(); err != nil {
		watcher.Close()
		return nil, err
	}

	// Watching the directory catches editors that replace the file by rename.
	if err := watcher.Add(filepath.Dir(s.file)); err != nil {
		watcher.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Close stops the file watcher and releases resources.
func (s *SecretFile) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.refreshMu.Lock()
		if s.refreshTimer != nil {
			s.refreshTimer.Stop()
			s.refreshTimer = nil
		}
		s.refreshMu.Unlock()

		s.closeErr = s.watcher.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

// Authorize implements the request gate.
func (s *SecretFile) Authorize(presented string) error {
	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()

	if !Match(secret, presented) {
		return ErrUnauthorized
	}
	return nil
}

func (s *SecretFile) run() {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("secret watcher error: %v", err)
		case <-s.done:
			return
		}
	}
}

func (s *SecretFile) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != s.file {
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		s.scheduleRefresh()
	}
}

func (s *SecretFile) scheduleRefresh() {
	select {
	case <-s.done:
		return
	default:
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.refreshDelay, func() {
		if err := s.refresh(); err != nil {
			s.logger.Printf("secret refresh error: %v", err)
		}

		s.refreshMu.Lock()
		if s.refreshTimer == timer {
			s.refreshTimer = nil
		}
		s.refreshMu.Unlock()
	})
	s.refreshTimer = timer
}

func (s *SecretFile) refresh() error {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.set("")
			s.logger.Printf("secret file %s missing; all requests will be denied", s.file)
			return nil
		}
		return err
	}

	secret := FirstLine(string(data))
	s.set(secret)
	if secret == "" {
		s.logger.Printf("secret file %s is empty; all requests will be denied", s.file)
		return nil
	}
	s.logger.Printf("loaded shared secret from %s", s.file)
	return nil
}

func (s *SecretFile) set(secret string) {
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
}

// FirstLine returns the first non-empty line of data with surrounding
// whitespace removed.
func FirstLine(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
