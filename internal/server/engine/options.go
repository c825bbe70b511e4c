package engine

import "time"

// Options tunes the sync engine.
type Options struct {
	// OperationTimeout bounds the processing of a single offline operation.
	OperationTimeout time.Duration
	// Workers bounds how many entities are written concurrently per batch and
	// how many entity types are pulled concurrently.
	Workers int
	// MaxBatchOperations caps the operations accepted in one request.
	MaxBatchOperations int
	// DefaultPullLimit and MaxPullLimit bound a delta pull page.
	DefaultPullLimit int
	MaxPullLimit     int
	// MaxStreamItems caps the entities returned per type by one stream sync.
	MaxStreamItems int
	// MaxWriteAttempts bounds re-evaluation after a concurrent write.
	MaxWriteAttempts int
	// MaxConflicts caps the conflict audit listing.
	MaxConflicts int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		OperationTimeout:   5 * time.Second,
		Workers:            8,
		MaxBatchOperations: 500,
		DefaultPullLimit:   100,
		MaxPullLimit:       1000,
		MaxStreamItems:     1000,
		MaxWriteAttempts:   3,
		MaxConflicts:       100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.MaxBatchOperations <= 0 {
		o.MaxBatchOperations = d.MaxBatchOperations
	}
	if o.DefaultPullLimit <= 0 {
		o.DefaultPullLimit = d.DefaultPullLimit
	}
	if o.MaxPullLimit <= 0 {
		o.MaxPullLimit = d.MaxPullLimit
	}
	if o.DefaultPullLimit > o.MaxPullLimit {
		o.DefaultPullLimit = o.MaxPullLimit
	}
	if o.MaxStreamItems <= 0 {
		o.MaxStreamItems = d.MaxStreamItems
	}
	if o.MaxWriteAttempts <= 0 {
		o.MaxWriteAttempts = d.MaxWriteAttempts
	}
	if o.MaxConflicts <= 0 {
		o.MaxConflicts = d.MaxConflicts
	}
	return o
}
