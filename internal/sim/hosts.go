package sim

import (
	"fmt"
	"net"
	"sync"
)

// HostPool hands out host addresses for simulated nodes from a CIDR range.
type HostPool struct {
	cidr      *net.IPNet
	nextIP    net.IP
	allocated map[string]bool
	mu        sync.Mutex
}

// NewHostPool creates a pool from a CIDR string (e.g., "10.1.0.0/16").
func NewHostPool(cidr string) (*HostPool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}

	// Start from the first address after the network address
	firstIP := make(net.IP, len(ipnet.IP))
	copy(firstIP, ipnet.IP)
	incrementIP(firstIP)

	return &HostPool{
		cidr:      ipnet,
		nextIP:    firstIP,
		allocated: make(map[string]bool),
	}, nil
}

// Allocate returns the next free address, wrapping around the range.
func (p *HostPool) Allocate() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ones, bits := p.cidr.Mask.Size()
	usable := (1 << (bits - ones)) - 1

	for checked := 0; checked < usable; checked++ {
		if !p.cidr.Contains(p.nextIP) {
			p.rewind()
		}
		key := p.nextIP.String()
		if p.allocated[key] {
			incrementIP(p.nextIP)
			continue
		}

		p.allocated[key] = true
		result := make(net.IP, len(p.nextIP))
		copy(result, p.nextIP)
		incrementIP(p.nextIP)
		return result, nil
	}
	return nil, fmt.Errorf("host pool %s exhausted (all %d addresses allocated)", p.cidr, len(p.allocated))
}

// Release returns an address to the pool.
func (p *HostPool) Release(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, ip.String())
}

// AllocatedCount returns the number of addresses in use.
func (p *HostPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

func (p *HostPool) rewind() {
	copy(p.nextIP, p.cidr.IP)
	incrementIP(p.nextIP)
}

func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] > 0 {
			break
		}
	}
}
