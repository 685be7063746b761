package concurrent

import (
	"iter"
	"sync"
	"sync/atomic"
)

// Map 基于 sync.Map 的泛型封装，额外维护元素数量
type Map[K comparable, V any] struct {
	size atomic.Int64
	m    sync.Map
}

func (m *Map[K, V]) Len() int64 {
	return m.size.Load()
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Store 覆盖写入
func (m *Map[K, V]) Store(key K, value V) {
	if _, loaded := m.m.Swap(key, value); !loaded {
		m.size.Add(1)
	}
}

// LoadOrStore 已存在时返回旧值，loaded=true
func (m *Map[K, V]) LoadOrStore(key K, value V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(key, value)
	if !loaded {
		m.size.Add(1)
	}
	return actual.(V), loaded
}

func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		var zero V
		return zero, false
	}
	m.size.Add(-1)
	return v.(V), true
}

func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// Clear 清空（热切换时重置会话级状态）
func (m *Map[K, V]) Clear() {
	m.m.Clear()
	m.size.Store(0)
}

// Range f 返回 false 时停止
func (m *Map[K, V]) Range(f func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// All 迭代器形式
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.Range(yield)
	}
}

// Keys 快照当前所有 key
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Set 并发安全的集合
type Set[K comparable] struct {
	m Map[K, struct{}]
}

// Add 返回 true 表示新加入
func (s *Set[K]) Add(key K) bool {
	_, loaded := s.m.LoadOrStore(key, struct{}{})
	return !loaded
}

func (s *Set[K]) Has(key K) bool {
	_, ok := s.m.Load(key)
	return ok
}

func (s *Set[K]) Remove(key K) {
	s.m.Delete(key)
}

func (s *Set[K]) Len() int64 {
	return s.m.Len()
}

func (s *Set[K]) Clear() {
	s.m.Clear()
}
