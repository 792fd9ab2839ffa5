// Package store persists job records in a hash-based key-value store.
//
// KV is the storage capability (Redis, SQLite or in-process memory). Jobs
// builds the job repository on top of it using three keys per job:
//
//	job:{id}          submission fields and the current status
//	job-result:{id}   the final translation and performance summary
//	job-partial:{id}  one field per translated batch
//
// Every write refreshes the key's TTL, so idle jobs are reclaimed and
// active jobs never expire mid-flight.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a key holds no fields.
var ErrNotFound = errors.New("not found")

// KV is a hash key-value store with per-key expiry.
type KV interface {
	// SetHash merges fields into the hash at key.
	SetHash(ctx context.Context, key string, fields map[string]string) error
	// GetHash returns all fields at key, or an empty map if key is absent.
	GetHash(ctx context.Context, key string) (map[string]string, error)
	// Expire sets the time to live of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the SQLite database file.
	Path  string
	Redis RedisOptions
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendRedis:
		return NewRedis(ctx, opts.Redis)
	case BackendSQLite:
		return OpenSQLite(opts.Path)
	case BackendMemory, "":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q (expected redis, sqlite or memory)", opts.Backend)
}
