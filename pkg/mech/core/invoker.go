package core

import "sync"

// Invoker spawns and tracks the goroutines a host component starts,
// so shutdown can wait for all of them.
type Invoker interface {
	Spawn(f func())
	Stop()
}

type waitGroupInvoker struct {
	group *sync.WaitGroup
}

func NewInvoker() Invoker {
	return &waitGroupInvoker{group: &sync.WaitGroup{}}
}

func (i *waitGroupInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

// Stop waits until every spawned goroutine returned.
func (i *waitGroupInvoker) Stop() {
	i.group.Wait()
}
