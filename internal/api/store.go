package api

import (
	"sync"
)

const DefaultStoreCapacity = 256

// EncodingStore keeps the most recent encodings for later retrieval.  Once
// full, the oldest entry is evicted.
type EncodingStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]EncodeResponse
	order    []string
}

func NewEncodingStore(capacity int) *EncodingStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &EncodingStore{
		capacity: capacity,
		items:    make(map[string]EncodeResponse),
	}
}

func (s *EncodingStore) Put(resp EncodeResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.items[resp.ID] = resp
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
}

func (s *EncodingStore) Get(id string) (EncodeResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.items[id]
	return resp, ok
}

func (s *EncodingStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *EncodingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
