package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Store holds a JSON document describing the live gateway sessions. The
// dispatcher writes to it as sessions change state, the admin HTTP endpoints
// read from it.
type Store interface {
	Set(ctx context.Context, key []byte, value interface{}) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error

	Backup() ([]byte, error)

	Close() error
}
