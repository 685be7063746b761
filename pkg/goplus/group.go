package goplus

import (
	"sync"
	"sync/atomic"
)

var defaultGroup = NewWaitGroup()

// Go 在默认组中启动带 panic 恢复的 goroutine
func Go(fn func()) {
	defaultGroup.Go(fn)
}

// Wait 等待默认组中的 goroutine 结束
func Wait() {
	defaultGroup.Wait()
}

// Running 默认组当前运行数量
func Running() int64 {
	return defaultGroup.Running()
}

// WaitGroup 带计数的 WaitGroup
type WaitGroup struct {
	wg      sync.WaitGroup
	running atomic.Int64
}

func NewWaitGroup() *WaitGroup {
	return &WaitGroup{}
}

func (g *WaitGroup) Go(fn func()) {
	g.wg.Add(1)
	g.running.Add(1)
	go func() {
		defer func() {
			g.running.Add(-1)
			g.wg.Done()
		}()
		defer Recover()
		fn()
	}()
}

func (g *WaitGroup) Wait() {
	g.wg.Wait()
}

func (g *WaitGroup) Running() int64 {
	return g.running.Load()
}
