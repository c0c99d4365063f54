package store

import (
	"github.com/pkg/errors"
)

const (
	DriverMemory = "memory"
	DriverYAML   = "yaml"
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Open returns the backend named by driver. path is a file for yaml and
// sqlite and a directory for pebble; memory ignores it.
func Open(driver string, path string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewInMemoryStore(), nil
	case DriverYAML:
		return NewYAMLFileStore(path)
	case DriverSQLite:
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case DriverPebble:
		if path == "" {
			return nil, errors.New("pebble store: empty path")
		}
		return NewPebbleStore(path)
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}
}
