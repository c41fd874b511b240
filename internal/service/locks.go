package service

import "sync"

// lockRegistry 按 key 惰性创建互斥锁。
// registry 的 mu 只在创建/回收锁对象时持有，临界区内不持有。
// 引用计数归零时锁对象被回收，房间或玩家移除后不会残留。
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*refLock)}
}

// lock 获取 key 对应的锁，返回释放函数
func (r *lockRegistry) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &refLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// size 返回当前存活的锁对象数量
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
