package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

const memoryURLPrefix = "memory://receipts/"

// MemoryObject is a receipt held by MemoryReceiptStore.
type MemoryObject struct {
	ContentType string
	Data        []byte
}

// MemoryReceiptStore keeps receipts in memory for local runs and tests.
type MemoryReceiptStore struct {
	mu      sync.RWMutex
	objects map[string]MemoryObject
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{objects: make(map[string]MemoryObject)}
}

func (s *MemoryReceiptStore) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = MemoryObject{ContentType: contentType, Data: buf.Bytes()}
	s.mu.Unlock()
	return memoryURLPrefix + key, nil
}

func (s *MemoryReceiptStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// SignedURL returns the memory URL unchanged; there is nothing to sign.
func (s *MemoryReceiptStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return memoryURLPrefix + key, time.Now().Add(ttl), nil
}

// Object returns the stored receipt for key.
func (s *MemoryReceiptStore) Object(key string) (MemoryObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Len reports how many receipts are stored.
func (s *MemoryReceiptStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
