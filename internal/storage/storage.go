// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("key not found")

// ErrEmptyKey is returned when trying to store a value under an empty key.
var ErrEmptyKey = errors.New("empty key")

// KV определяет интерфейс для работы с хранилищем
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Scan returns every value whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([][]byte, error)
	Close() error
}
