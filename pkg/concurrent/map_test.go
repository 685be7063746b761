package concurrent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_StoreKeepsLength(t *testing.T) {
	var m Map[string, int]

	m.Store("BTCUSDT", 1)
	m.Store("BTCUSDT", 2)
	m.Store("ETHUSDT", 3)

	assert.Equal(t, int64(2), m.Len())
	v, ok := m.Load("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	m.Delete("BTCUSDT")
	m.Delete("BTCUSDT")
	assert.Equal(t, int64(1), m.Len())
	assert.ElementsMatch(t, []string{"ETHUSDT"}, m.Keys())

	m.Clear()
	assert.Equal(t, int64(0), m.Len())
}

func TestSet_ConcurrentAdd(t *testing.T) {
	var s Set[string]
	var wg sync.WaitGroup
	var added sync.Map

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Add("SOLUSDT") {
				added.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	added.Range(func(_, _ any) bool {
		count++
		return true
	})
	// 只有一个 goroutine 首次加入成功
	assert.Equal(t, 1, count)
	assert.True(t, s.Has("SOLUSDT"))
	assert.Equal(t, int64(1), s.Len())
}
