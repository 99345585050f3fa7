package stats

import (
	"net"
	"sort"
	"sync"
	"time"

	"webtraffic-generator/pkg/types"
)

// RoleStats holds per-role fetch statistics.
type RoleStats struct {
	RequestsSent  uint64
	RequestBytes  uint64
	ResponseBytes uint64 // bytes asked for
	BytesReceived uint64
	Completed     uint64
	Failed        uint64
	FetchTimes    []time.Duration
}

// Collector aggregates client and server events. It satisfies both the
// client and server session observers.
type Collector struct {
	StartTime time.Time

	Roles map[string]*RoleStats

	SessionsStarted  uint64
	SessionsFinished uint64

	Pages       uint64
	PageObjects uint64
	Records     []types.RequestRecord

	ServerAccepted       uint64
	ServerRx             uint64
	ServerResponses      uint64
	ServerProtocolErrors uint64

	clock    func() time.Duration
	started  time.Duration
	ended    time.Duration
	finished bool

	mu sync.Mutex
}

// NewCollector creates a collector timed by the wall clock.
func NewCollector() *Collector {
	epoch := time.Now()
	return NewCollectorWithClock(func() time.Duration { return time.Since(epoch) })
}

// NewCollectorWithClock creates a collector timed by now, for runs in
// virtual time.
func NewCollectorWithClock(now func() time.Duration) *Collector {
	return &Collector{
		StartTime: time.Now(),
		Roles:     make(map[string]*RoleStats),
		clock:     now,
		started:   now(),
	}
}

func (c *Collector) role(r types.Role) *RoleStats {
	name := r.String()
	if _, ok := c.Roles[name]; !ok {
		c.Roles[name] = &RoleStats{}
	}
	return c.Roles[name]
}

// RequestSent records a request frame handed to the transport.
func (c *Collector) RequestSent(r types.Role, requestSize, responseSize uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.role(r)
	s.RequestsSent++
	s.RequestBytes += uint64(requestSize)
	s.ResponseBytes += uint64(responseSize)
}

// BytesReceived records response bytes arriving at a client.
func (c *Collector) BytesReceived(r types.Role, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role(r).BytesReceived += uint64(n)
}

// FetchCompleted records a fully received response.
func (c *Collector) FetchCompleted(r types.Role, _ uint32, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.role(r)
	s.Completed++
	s.FetchTimes = append(s.FetchTimes, elapsed)
}

// FetchFailed records a connect or send failure.
func (c *Collector) FetchFailed(r types.Role, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role(r).Failed++
}

// PageCompleted records a finished page.
func (c *Collector) PageCompleted(rec types.RequestRecord, objects uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pages++
	c.PageObjects += uint64(objects)
	c.Records = append(c.Records, rec)
}

// RecordSessionStarted increments the started session count.
func (c *Collector) RecordSessionStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionsStarted++
}

// RecordSessionFinished increments the count of sessions that fetched
// every page.
func (c *Collector) RecordSessionFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionsFinished++
}

// Accepted records a server accepting a connection.
func (c *Collector) Accepted(net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerAccepted++
}

// Received records request bytes arriving at a server.
func (c *Collector) Received(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerRx += uint64(n)
}

// Responded records a server response.
func (c *Collector) Responded(uint32, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerResponses++
}

// ProtocolError records a malformed or overlong request.
func (c *Collector) ProtocolError(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerProtocolErrors++
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = c.clock()
	c.finished = true
}

// Duration returns the elapsed time.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return c.clock() - c.started
	}
	return c.ended - c.started
}

// TotalRequests returns the number of requests sent over all roles.
func (c *Collector) TotalRequests() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.Roles {
		total += s.RequestsSent
	}
	return total
}

// TotalBytesReceived returns the response bytes received over all roles.
func (c *Collector) TotalBytesReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.Roles {
		total += s.BytesReceived
	}
	return total
}

// PageTimeStats returns min, avg, max and p99 page execution times.
func (c *Collector) PageTimeStats() (min, avg, max, p99 time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	times := make([]time.Duration, len(c.Records))
	for i, r := range c.Records {
		times[i] = time.Duration(r.RequestExecutionTime * float64(time.Second))
	}
	return durationStats(times)
}

// FetchTimeStats returns min, avg, max and p99 fetch times for a role.
func (c *Collector) FetchTimeStats(r types.Role) (min, avg, max, p99 time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.Roles[r.String()]
	if !ok {
		return 0, 0, 0, 0
	}
	return durationStats(s.FetchTimes)
}

func durationStats(values []time.Duration) (min, avg, max, p99 time.Duration) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	avg = total / time.Duration(len(sorted))

	p99Idx := int(float64(len(sorted)) * 0.99)
	if p99Idx >= len(sorted) {
		p99Idx = len(sorted) - 1
	}
	p99 = sorted[p99Idx]

	return
}

// Snapshot returns a copy of the current statistics (thread-safe).
func (c *Collector) Snapshot() *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Collector{
		StartTime:            c.StartTime,
		Roles:                make(map[string]*RoleStats),
		SessionsStarted:      c.SessionsStarted,
		SessionsFinished:     c.SessionsFinished,
		Pages:                c.Pages,
		PageObjects:          c.PageObjects,
		Records:              make([]types.RequestRecord, len(c.Records)),
		ServerAccepted:       c.ServerAccepted,
		ServerRx:             c.ServerRx,
		ServerResponses:      c.ServerResponses,
		ServerProtocolErrors: c.ServerProtocolErrors,
		clock:                c.clock,
		started:              c.started,
		ended:                c.ended,
		finished:             c.finished,
	}
	copy(snap.Records, c.Records)

	for k, v := range c.Roles {
		cp := *v
		cp.FetchTimes = make([]time.Duration, len(v.FetchTimes))
		copy(cp.FetchTimes, v.FetchTimes)
		snap.Roles[k] = &cp
	}

	return snap
}
