// Package lockpool provides per-key reader/writer locks that are reference
// counted and recycled, plus a pool-wide drain barrier for operations that
// need every key to be idle.
package lockpool

import (
	"fmt"
	"sync"
)

// freeListSize is the number of idle locks kept for reuse.
const freeListSize = 10

type state int

const (
	stateIdle state = iota
	stateInUse
	stateDrained
)

// Lock is a reader/writer lock bound to one key while it is referenced.
type Lock struct {
	sync.RWMutex
	refs int
}

// Pool hands out one Lock per key. A Lock stays bound to its key while at
// least one caller holds a reference and returns to the free list after the
// last Release.
type Pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[string]*Lock
	free  []*Lock
	state state
}

// New creates an empty pool.
func New() *Pool {
	p := &Pool{
		locks: make(map[string]*Lock),
		free:  make([]*Lock, 0, freeListSize),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns the lock for key with its reference count incremented.
// It blocks while the pool is drained. The caller must lock the returned
// Lock itself and pass it back to Release when done.
func (p *Pool) Acquire(key string) *Lock {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.state == stateDrained {
		p.cond.Wait()
	}
	p.state = stateInUse

	l, ok := p.locks[key]
	if !ok {
		if n := len(p.free); n > 0 {
			l = p.free[n-1]
			p.free = p.free[:n-1]
		} else {
			l = &Lock{}
		}
		p.locks[key] = l
	}
	l.refs++
	return l
}

// Release drops one reference to the lock for key. Releasing a lock that is
// not bound to key, or releasing more times than acquired, panics.
func (p *Pool) Release(key string, l *Lock) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound, ok := p.locks[key]
	if !ok || bound != l {
		panic(fmt.Sprintf("lockpool: release of unacquired lock for key %q", key))
	}
	l.refs--
	if l.refs < 0 {
		panic(fmt.Sprintf("lockpool: lock for key %q released more than acquired", key))
	}
	if l.refs > 0 {
		return
	}

	delete(p.locks, key)
	if len(p.free) < freeListSize {
		p.free = append(p.free, l)
	}
	if len(p.locks) == 0 && p.state == stateInUse {
		p.state = stateIdle
		p.cond.Broadcast()
	}
}

// Drain blocks until no key is referenced, then blocks every new Acquire
// until Undrain is called. Concurrent drains are serialised.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.state != stateIdle {
		p.cond.Wait()
	}
	p.state = stateDrained
}

// Undrain lifts the barrier set by Drain.
func (p *Pool) Undrain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateDrained {
		panic("lockpool: undrain without drain")
	}
	p.state = stateIdle
	p.cond.Broadcast()
}

// Exclusive runs fn while the pool is drained.
func (p *Pool) Exclusive(fn func()) {
	p.Drain()
	defer p.Undrain()
	fn()
}

// Active returns the number of keys currently referenced.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

// Idle returns the number of recycled locks on the free list.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
