package storage

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type InmemoryStore struct {
	mu     sync.RWMutex
	values []byte

	// stop willl be closed when Close() is called
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: []byte("{}"),
		stop:   make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	i.stopOnce.Do(func() {
		close(i.stop)
	})

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key []byte, value interface{}) error {
	if !i.isRunning() {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	values, err := sjson.SetBytes(i.values, escapeKey(key), value)
	if err != nil {
		return err
	}

	i.values = values

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := gjson.GetBytes(i.values, escapeKey(key))
	if !result.Exists() {
		return nil, ErrNotFound
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) Delete(ctx context.Context, key []byte) error {
	if !i.isRunning() {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	values, err := sjson.DeleteBytes(i.values, escapeKey(key))
	if err != nil {
		return err
	}

	i.values = values

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	out := make([]byte, len(i.values))
	copy(out, i.values)

	return out, nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

// escapeKey stops gjson/sjson treating characters in the key as path syntax.
func escapeKey(key []byte) string {
	out := make([]byte, 0, len(key))

	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '!', '\\':
			out = append(out, '\\')
		}

		out = append(out, c)
	}

	return string(out)
}

var _ Store = (*InmemoryStore)(nil)
