package backup

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Factory func(dsn string, policy Policy) (Cache, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes an extra DSN scheme available to Open. Registered
// factories take precedence over the built-in schemes.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// Open builds a cache from a DSN. An empty DSN yields an in-memory cache.
//
//	memory://                     in-process only
//	file:///var/lib/bookchat.json JSON file, shared between processes
//	sqlite:///var/lib/bookchat.db SQLite database file
//	postgres://user@host/db       Postgres table
//	redis://host:6379/0           Redis keys with expiry
func Open(dsn string, policy Policy, logger *zerolog.Logger) (Cache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCache(policy), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, policy)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCache(policy), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCache(path, policy, logger)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCache(path, policy)
	case "postgres", "postgresql":
		return NewPostgresCache(dsn, policy)
	case "redis", "rediss":
		return NewRedisCache(dsn, policy)
	case "mysql":
		return nil, fmt.Errorf("%w: backup cache %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backup cache scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
