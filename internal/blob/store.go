// Package blob stores message image bytes outside the database.
package blob

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Store is a flat name-addressed object store.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (*Info, error)
	Get(ctx context.Context, name string) ([]byte, *Info, error)
	Delete(ctx context.Context, name string) error
}

// Info is the metadata kept alongside a stored object.
type Info struct {
	Name        string
	Size        uint64
	ContentType string
	ModTime     time.Time
}
