package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Options select and tune a backend.
type Options struct {
	Backend string
	// Path is a directory for leveldb and a file for bolt.
	Path            string
	Sync            bool
	CacheMB         int
	BoltMmapSize    int
	BoltOpenTimeout time.Duration
}

// Open returns the Database described by opts.
func Open(opts Options) (Database, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryDB(), nil
	case BackendLevelDB:
		return NewLevelDB(opts.Path, &LevelDBOptions{CacheMB: opts.CacheMB, Sync: opts.Sync})
	case BackendBolt:
		if dir := filepath.Dir(opts.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, NewError(KindIO, "mkdir "+dir, err)
			}
		}
		return NewBoltDB(opts.Path, &BoltOptions{
			InitialMmapSize: opts.BoltMmapSize,
			Timeout:         opts.BoltOpenTimeout,
			NoSync:          !opts.Sync,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
