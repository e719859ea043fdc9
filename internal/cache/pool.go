package cache

import "sync"

// rebuildPool 固定数量的后台 worker 执行缓存重建任务。
// 队列满时 submit 返回 false，由调用方决定放弃本次重建。
type rebuildPool struct {
	q  chan func()
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newRebuildPool(workers, qlen int) *rebuildPool {
	p := &rebuildPool{q: make(chan func(), qlen)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for f := range p.q {
				f()
			}
		}()
	}
	return p
}

func (p *rebuildPool) submit(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.q <- f:
		return true
	default:
		return false
	}
}

// close 停止接收新任务，并等待已入队的任务执行完。
func (p *rebuildPool) close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.q)
		p.mu.Unlock()
		p.wg.Wait()
	})
}
