package pool

import "container/list"

// removedSet remembers the most recently removed node URLs, evicting the
// oldest once full. It is guarded by the manager mutex.
type removedSet struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newRemovedSet(capacity int) *removedSet {
	if capacity <= 0 {
		capacity = 128
	}
	return &removedSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (s *removedSet) add(url string) {
	if el, ok := s.index[url]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.index[url] = s.order.PushFront(url)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
}

func (s *removedSet) contains(url string) bool {
	_, ok := s.index[url]
	return ok
}

func (s *removedSet) forget(url string) {
	if el, ok := s.index[url]; ok {
		s.order.Remove(el)
		delete(s.index, url)
	}
}

func (s *removedSet) len() int {
	return s.order.Len()
}
