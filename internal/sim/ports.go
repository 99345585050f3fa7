package sim

import (
	"fmt"
	"math/rand"
	"sync"
)

const (
	EphemeralFirst = 49152
	EphemeralLast  = 65535
)

// PortAllocator hands out ephemeral source ports for one host.
type PortAllocator struct {
	strategy string
	first    int
	last     int
	next     int
	used     map[uint16]bool
	rnd      *rand.Rand
	mu       sync.Mutex
}

// NewPortAllocator creates an allocator over [first, last] using the
// "sequential" or "random" strategy.
func NewPortAllocator(strategy string, first, last uint16, seed int64) (*PortAllocator, error) {
	if first == 0 || last < first {
		return nil, fmt.Errorf("invalid port range %d-%d", first, last)
	}
	switch strategy {
	case "sequential", "random":
	default:
		return nil, fmt.Errorf("unknown port strategy: %s", strategy)
	}
	return &PortAllocator{
		strategy: strategy,
		first:    int(first),
		last:     int(last),
		next:     int(first),
		used:     make(map[uint16]bool),
		rnd:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Allocate returns a port not currently in use.
func (a *PortAllocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.last - a.first + 1
	if len(a.used) >= size {
		return 0, fmt.Errorf("port range %d-%d exhausted", a.first, a.last)
	}

	switch a.strategy {
	case "sequential":
		for i := 0; i < size; i++ {
			port := uint16(a.next)
			a.next++
			if a.next > a.last {
				a.next = a.first
			}
			if !a.used[port] {
				a.used[port] = true
				return port, nil
			}
		}
	case "random":
		for attempts := 0; attempts < 10000; attempts++ {
			port := uint16(a.first + a.rnd.Intn(size))
			if a.used[port] {
				continue
			}
			a.used[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate %s port", a.strategy)
}

// Release frees a port for reuse.
func (a *PortAllocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// AllocatedCount returns the number of ports in use.
func (a *PortAllocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
