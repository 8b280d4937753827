package orchestrator

import (
	"cmp"
	"slices"
	"sync"
)

// syncMap is a typed sync.Map for the append-rare, read-many entity maps
type syncMap[K cmp.Ordered, V any] struct {
	m sync.Map
}

func (s *syncMap[K, V]) Load(key K) (V, bool) {
	v, ok := s.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (s *syncMap[K, V]) Store(key K, value V) {
	s.m.Store(key, value)
}

func (s *syncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	v, loaded := s.m.LoadOrStore(key, value)
	return v.(V), loaded
}

func (s *syncMap[K, V]) Delete(key K) {
	s.m.Delete(key)
}

func (s *syncMap[K, V]) Range(fn func(K, V) bool) {
	s.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}

// Keys returns every key in ascending order
func (s *syncMap[K, V]) Keys() []K {
	var keys []K
	s.m.Range(func(k, _ any) bool {
		keys = append(keys, k.(K))
		return true
	})
	slices.Sort(keys)
	return keys
}

// Values returns every value ordered by key
func (s *syncMap[K, V]) Values() []V {
	keys := s.Keys()
	values := make([]V, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.Load(k); ok {
			values = append(values, v)
		}
	}
	return values
}

func (s *syncMap[K, V]) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
