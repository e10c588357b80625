package storage

import "fmt"

// Options selects the storage driver for the primary document store.
type Options struct {
	Driver string
	DSN    string
}

// New creates a Database based on the configured storage driver.
func New(opts Options) (Database, error) {
	switch opts.Driver {
	case "postgres":
		return NewPostgres(opts.DSN)
	case "sqlite", "":
		return NewSQLite(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", opts.Driver)
	}
}
