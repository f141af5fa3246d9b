package api

import (
	"container/list"
	"sync"
)

const defaultStoreCapacity = 256

// ResultStore keeps the most recent operation results by id. The oldest
// entry is evicted once capacity is reached.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	results  map[string]*list.Element
}

func NewResultStore(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	return &ResultStore{
		capacity: capacity,
		order:    list.New(),
		results:  make(map[string]*list.Element),
	}
}

func (s *ResultStore) Put(resp OpResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.results[resp.ID]; ok {
		el.Value = resp
		s.order.MoveToBack(el)
		return
	}
	s.results[resp.ID] = s.order.PushBack(resp)
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.results, oldest.Value.(OpResponse).ID)
	}
}

func (s *ResultStore) Get(id string) (OpResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.results[id]
	if !ok {
		return OpResponse{}, false
	}
	return el.Value.(OpResponse), true
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.results[id]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.results, id)
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
