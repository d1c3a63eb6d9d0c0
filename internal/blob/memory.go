package blob

import (
	"context"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	info Info
}

// MemoryStore is a process-local Store used when no NATS server is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Put(ctx context.Context, name string, data []byte, contentType string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obj := memoryObject{
		data: append([]byte(nil), data...),
		info: Info{
			Name:        name,
			Size:        uint64(len(data)),
			ContentType: contentType,
			ModTime:     time.Now().UTC(),
		},
	}

	s.mu.Lock()
	s.objects[name] = obj
	s.mu.Unlock()

	info := obj.info
	return &info, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) ([]byte, *Info, error) {
	s.mu.RLock()
	obj, ok := s.objects[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	info := obj.info
	return append([]byte(nil), obj.data...), &info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.objects, name)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
