package tasksync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)

type schemeRegistry struct {
	mu     sync.RWMutex
	custom map[string]BackendFactory
}

var backends = &schemeRegistry{custom: map[string]BackendFactory{}}

// builtinBackends maps every accepted scheme spelling to its constructor.
var builtinBackends = map[string]func(parsed *url.URL, dsn string) (Backend, error){
	"":           fileBackend,
	"file":       fileBackend,
	"memory":     memoryBackend,
	"mem":        memoryBackend,
	"inmem":      memoryBackend,
	"sqlite":     sqliteBackend,
	"sqlite3":    sqliteBackend,
	"postgres":   postgresBackend,
	"postgresql": postgresBackend,
}

// RegisterBackendFactory makes BuildBackendFromDSN route scheme to factory.
// Registered schemes take precedence over the built-in ones.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backends.mu.Lock()
	backends.custom[scheme] = factory
	backends.mu.Unlock()
}

func (r *schemeRegistry) lookup(scheme string) (BackendFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.custom[scheme]
	return factory, ok
}

// BuildBackendFromDSN picks a backend from the DSN scheme. An empty DSN means
// memory only; a bare path means a JSON snapshot file.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: store dsn: %v", ErrInvalidInput, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if factory, ok := backends.lookup(scheme); ok {
		return factory(dsn)
	}
	if build, ok := builtinBackends[scheme]; ok {
		return build(parsed, dsn)
	}
	if scheme == "mysql" {
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	}
	return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
}

func fileBackend(parsed *url.URL, dsn string) (Backend, error) {
	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	return NewJSONFileBackend(path), nil
}

func memoryBackend(*url.URL, string) (Backend, error) {
	return NewInMemoryBackend(), nil
}

func sqliteBackend(parsed *url.URL, dsn string) (Backend, error) {
	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLiteBackend(path)
}

func postgresBackend(_ *url.URL, dsn string) (Backend, error) {
	return NewPostgresBackend(dsn)
}

// dsnPath returns the filesystem path a file-like DSN points at. Host-only
// forms such as sqlite://tasksync.db count as relative paths.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	for _, candidate := range []string{parsed.Host + parsed.Path, parsed.Opaque} {
		if path := strings.TrimSpace(candidate); path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: store dsn %q has no path", ErrInvalidInput, raw)
}
