package kvstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Open builds a Store from a DSN. A bare path or file:// selects the file
// backend, memory:// an in-process map, sqlite:// an embedded database and
// postgres:// a shared table.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss", "mysql":
		return nil, fmt.Errorf("%w: kv backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv backend scheme: %s", scheme)
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
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://data/state is a relative path, not a host.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
