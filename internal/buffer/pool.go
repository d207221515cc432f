package buffer

import (
	"context"
	"sync"
	"time"
)

// A Pool is a bounded FIFO of descriptors. Descriptors are identified by
// pointer and carry a back reference to the pool holding them, so a
// descriptor can sit in at most one pool at a time. All operations are safe
// for concurrent use.
type Pool struct {
	name string
	set  *Set // nil for pools accepting any descriptor

	mu   sync.Mutex
	ring []*Descriptor
	head int
	n    int

	// Signalled (non-blocking) on every insert, to wake AcquireWait.
	avail chan struct{}
}

// NewPool returns an empty pool holding at most capacity descriptors.
func NewPool(name string, capacity int) *Pool {
	if capacity < 1 {
		panic("buffer.Pool: capacity must be positive")
	}
	return &Pool{
		name:  name,
		ring:  make([]*Descriptor, capacity),
		avail: make(chan struct{}, 1),
	}
}

// NewPoolFromSet returns a pool sized to s and holding all of its descriptors.
func NewPoolFromSet(s *Set) *Pool {
	p := NewPool(s.Name(), s.Len())
	p.set = s
	for _, d := range s.Descriptors() {
		if err := p.Release(d); err != nil {
			panic(err)
		}
	}
	return p
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Capacity() int { return len(p.ring) }

// Count returns the number of queued descriptors.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Acquire removes the oldest descriptor. It never blocks.
func (p *Pool) Acquire() (*Descriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		return nil, false
	}
	d := p.ring[p.head]
	p.ring[p.head] = nil
	p.head = (p.head + 1) % len(p.ring)
	p.n--
	d.pool.Store(nil)
	d.SetOwner(OwnerClient)
	return d, true
}

// AcquireWait is like Acquire but waits up to timeout for a descriptor to be
// released. A zero timeout does not wait.
func (p *Pool) AcquireWait(ctx context.Context, timeout time.Duration) (*Descriptor, error) {
	if d, ok := p.Acquire(); ok {
		return d, nil
	}
	if timeout <= 0 {
		return nil, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-p.avail:
			if d, ok := p.Acquire(); ok {
				return d, nil
			}
		case <-timer.C:
			if d, ok := p.Acquire(); ok {
				return d, nil
			}
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release appends d to the pool.
func (p *Pool) Release(d *Descriptor) error {
	if p.set != nil && !p.set.Contains(d) {
		return ErrForeign
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == len(p.ring) {
		return ErrFull
	}
	if !d.pool.CompareAndSwap(nil, p) {
		return ErrDuplicate
	}
	p.ring[(p.head+p.n)%len(p.ring)] = d
	p.n++
	d.SetOwner(OwnerFree)

	select {
	case p.avail <- struct{}{}:
	default:
	}
	return nil
}

// Remove takes d out of the pool wherever it is queued. Order of the
// remaining descriptors is preserved.
func (p *Pool) Remove(d *Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == nil || d.pool.Load() != p {
		return ErrNotFound
	}
	size := len(p.ring)
	for i := 0; i < p.n; i++ {
		if p.ring[(p.head+i)%size] != d {
			continue
		}
		// Shift the tail down by one.
		for j := i; j < p.n-1; j++ {
			p.ring[(p.head+j)%size] = p.ring[(p.head+j+1)%size]
		}
		p.ring[(p.head+p.n-1)%size] = nil
		p.n--
		d.pool.Store(nil)
		d.SetOwner(OwnerClient)
		return nil
	}
	return ErrNotFound
}

// Drain removes and returns every queued descriptor, oldest first.
func (p *Pool) Drain() []*Descriptor {
	var out []*Descriptor
	for {
		d, ok := p.Acquire()
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// Contains reports whether d is queued in this pool.
func (p *Pool) Contains(d *Descriptor) bool {
	return d.pool.Load() == p
}
