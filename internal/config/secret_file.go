package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/webhook"
)

// SecretFile holds the trimmed contents of a file and reloads them when the
// file is written or replaced. The parent directory is watched so atomic
// rename-into-place rotations are seen too.
type SecretFile struct {
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	value   string
	version int

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func OpenSecretFile(path string, logger *logging.Logger) (*SecretFile, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &SecretFile{path: filepath.Clean(abs), logger: logger, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch secret file: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch secret file: %w", err)
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Secret returns webhook.ErrMissingSecret while the file is empty.
func (s *SecretFile) Secret() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == "" {
		return "", webhook.ErrMissingSecret
	}
	return s.value, nil
}

func (s *SecretFile) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *SecretFile) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *SecretFile) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("secret file reload failed; keeping previous value", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("webhook secret reloaded", "path", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("secret file watcher error", "path", s.path, "error", err)
		}
	}
}

func (s *SecretFile) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	s.mu.Lock()
	s.value = value
	s.version++
	s.mu.Unlock()
	return nil
}
