// Package client implements the browsing side of the traffic model: a
// session fetches a primary object per page, then the page's embedded
// objects over a bounded pool of concurrent secondary connections, then
// waits a think time before the next page.
package client

import (
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/frame"
	"webtraffic-generator/internal/sampler"
	"webtraffic-generator/internal/transport"
	"webtraffic-generator/pkg/types"
)

const (
	DefaultMaxConcurrentSecondary = 4

	// Measured think times are divided by this before use.
	thinkTimeScale = 10

	// bytesRemaining before the response size is known.
	pendingBytes = math.MaxUint32
)

var ErrSizeOverflow = errors.New("sampled size does not fit the frame header")

// ZeroObjectPolicy decides what happens to a page whose files-per-page
// sample is zero.
type ZeroObjectPolicy string

const (
	// ZeroObjectStall leaves the session waiting; no secondary ever
	// completes, so the page never does.
	ZeroObjectStall ZeroObjectPolicy = "stall"
	// ZeroObjectComplete records the page as soon as the primary arrives.
	ZeroObjectComplete ZeroObjectPolicy = "complete"
)

// State is the session's position in the page cycle.
type State int

const (
	StateIdle State = iota
	StatePrimaryConnecting
	StatePrimaryAwaitingResponse
	StateSecondaryBurstActive
	StateThinkTimeWait
	StateDone
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrimaryConnecting:
		return "primary_connecting"
	case StatePrimaryAwaitingResponse:
		return "primary_awaiting_response"
	case StateSecondaryBurstActive:
		return "secondary_burst_active"
	case StateThinkTimeWait:
		return "think_time_wait"
	case StateDone:
		return "done"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is the per-session configuration.
type Config struct {
	Name                   string
	Remote                 string
	MaxConcurrentSecondary uint32
	ZeroObjectPages        ZeroObjectPolicy
}

// Hooks are optional instrumentation callbacks, all run on the loop.
type Hooks struct {
	Observer Observer
	// Tx fires for every request frame handed to the transport.
	Tx func(types.FrameTrace)
	// Finished fires once the last page completes.
	Finished func(s *Session)
}

type fetch struct {
	conn         transport.Conn
	role         types.Role
	remaining    uint32
	requestSize  uint32
	responseSize uint32
	sentAt       time.Duration
	connected    bool
	failed       bool
	done         bool
}

// Session is one browsing client. Every method must be called on the
// session's loop, and the transport delivers every callback there too.
type Session struct {
	cfg      Config
	samplers *sampler.Set
	loop     transport.Loop
	network  transport.Network
	hooks    Hooks
	logger   *log.Entry

	state          State
	pagesRemaining uint32
	filesRemaining uint32
	primary        *fetch
	secondaries    []*fetch
	pageStart      time.Duration
	pageObjects    uint32
	thinkTimer     transport.Timer
	records        []types.RequestRecord
}

// NewSession validates the configuration and samples the session's page
// budget. network must be stream oriented.
func NewSession(cfg Config, samplers *sampler.Set, loop transport.Loop, network transport.Network, hooks Hooks) (*Session, error) {
	if err := transport.RequireStream(network); err != nil {
		return nil, fmt.Errorf("failed to create client session: %w", err)
	}
	if samplers == nil {
		return nil, fmt.Errorf("failed to create client session: no samplers")
	}
	if loop == nil {
		return nil, fmt.Errorf("failed to create client session: no loop")
	}
	if cfg.Remote == "" {
		return nil, fmt.Errorf("failed to create client session: empty remote address")
	}
	if cfg.MaxConcurrentSecondary == 0 {
		cfg.MaxConcurrentSecondary = DefaultMaxConcurrentSecondary
	}
	switch cfg.ZeroObjectPages {
	case "":
		cfg.ZeroObjectPages = ZeroObjectStall
	case ZeroObjectStall, ZeroObjectComplete:
	default:
		return nil, fmt.Errorf("failed to create client session: unknown zero-object policy %q", cfg.ZeroObjectPages)
	}
	if hooks.Observer == nil {
		hooks.Observer = NopObserver{}
	}

	s := &Session{
		cfg:      cfg,
		samplers: samplers,
		loop:     loop,
		network:  network,
		hooks:    hooks,
		logger: log.WithFields(log.Fields{
			"session": cfg.Name,
			"remote":  cfg.Remote,
		}),
	}

	s.pagesRemaining = toCount(samplers.Pages.Sample())
	if s.pagesRemaining < 1 {
		s.logger.Debug("Sampled page budget below one, fetching a single page")
		s.pagesRemaining = 1
	}
	return s, nil
}

// Start opens the first primary connection.
func (s *Session) Start() error {
	if s.state != StateIdle {
		return fmt.Errorf("session %s already started (state %s)", s.cfg.Name, s.state)
	}
	s.logger.WithField("pages", s.pagesRemaining).Info("Client session started")
	s.openPrimary()
	return nil
}

// Stop closes every connection and cancels the think-time timer. Receive
// callbacks are detached before each close. Calling Stop again does nothing.
func (s *Session) Stop() {
	if s.state == StateStopped {
		return
	}
	prev := s.state
	s.state = StateStopped

	closed := 0
	release := func(f *fetch) {
		if f == nil || f.conn == nil || f.done {
			return
		}
		f.conn.SetReceive(nil)
		f.conn.Close()
		closed++
	}
	release(s.primary)
	for _, f := range s.secondaries {
		release(f)
	}
	s.primary = nil
	s.secondaries = nil

	if s.thinkTimer != nil {
		s.thinkTimer.Stop()
		s.thinkTimer = nil
	}

	s.logger.WithFields(log.Fields{
		"previous_state": prev.String(),
		"pages":          len(s.records),
		"closed_conns":   closed,
	}).Info("Client session stopped")
}

func (s *Session) openPrimary() {
	s.state = StatePrimaryConnecting
	s.pageObjects = 0
	s.primary = s.open(types.RolePrimary)
}

func (s *Session) open(role types.Role) *fetch {
	f := &fetch{role: role, remaining: pendingBytes}
	conn, err := s.network.Dial(s.cfg.Remote, transport.Handlers{
		Connected: func(transport.Conn) { s.onConnected(f) },
		Failed:    func(_ transport.Conn, err error) { s.onFailed(f, err) },
		Received:  func(_ transport.Conn, p []byte) { s.onReceive(f, p) },
	})
	if err != nil {
		s.onFailed(f, fmt.Errorf("failed to dial %s: %w", s.cfg.Remote, err))
		return f
	}
	f.conn = conn
	s.logger.WithFields(log.Fields{
		"role": role.String(),
		"conn": conn.ID(),
	}).Debug("Connecting")
	return f
}

func (s *Session) onConnected(f *fetch) {
	if s.state == StateStopped || f.done {
		return
	}
	f.connected = true

	reqDist, respDist := s.samplers.SecondaryRequest, s.samplers.SecondaryResponse
	if f.role == types.RolePrimary {
		reqDist, respDist = s.samplers.PrimaryRequest, s.samplers.PrimaryResponse
	}
	requestSize, err := withHeader(reqDist.Sample())
	if err != nil {
		s.abort(f, fmt.Errorf("request size: %w", err))
		return
	}
	responseSize, err := withHeader(respDist.Sample())
	if err != nil {
		s.abort(f, fmt.Errorf("response size: %w", err))
		return
	}
	if f.role == types.RolePrimary {
		s.filesRemaining = toCount(s.samplers.FilesPerPage.Sample())
	}

	payload, err := frame.Encode(requestSize, responseSize)
	if err != nil {
		s.abort(f, err)
		return
	}

	f.requestSize = requestSize
	f.responseSize = responseSize
	f.remaining = responseSize
	f.sentAt = s.loop.Now()
	if f.role == types.RolePrimary {
		s.pageStart = f.sentAt
		s.state = StatePrimaryAwaitingResponse
	}

	if err := f.conn.Send(payload); err != nil {
		s.abort(f, fmt.Errorf("failed to send request: %w", err))
		return
	}

	s.hooks.Observer.RequestSent(f.role, requestSize, responseSize)
	if s.hooks.Tx != nil {
		s.hooks.Tx(types.FrameTrace{
			At:           f.sentAt,
			ConnID:       f.conn.ID(),
			Role:         f.role,
			Local:        f.conn.LocalAddr(),
			Remote:       f.conn.RemoteAddr(),
			RequestSize:  requestSize,
			ResponseSize: responseSize,
			Data:         payload,
		})
	}

	fields := log.Fields{
		"role":          f.role.String(),
		"conn":          f.conn.ID(),
		"request_size":  requestSize,
		"response_size": responseSize,
	}
	if f.role == types.RolePrimary {
		fields["files"] = s.filesRemaining
	}
	s.logger.WithFields(fields).Debug("Request sent")
}

// onFailed marks the fetch failed. The fetch keeps its place: a failed
// primary stalls the page and a failed secondary holds its pool slot.
func (s *Session) onFailed(f *fetch, err error) {
	if s.state == StateStopped || f.done {
		return
	}
	f.failed = true
	s.logger.WithError(err).WithField("role", f.role.String()).Warn("Connection failed")
	s.hooks.Observer.FetchFailed(f.role, err)
}

// abort handles a fetch that cannot proceed after connecting. It is closed
// but, like a failed connect, keeps its place.
func (s *Session) abort(f *fetch, err error) {
	s.logger.WithError(err).WithFields(log.Fields{
		"role": f.role.String(),
		"conn": f.conn.ID(),
	}).Error("Fetch aborted")
	f.conn.SetReceive(nil)
	f.conn.Close()
	f.failed = true
	s.hooks.Observer.FetchFailed(f.role, err)
}

func (s *Session) onReceive(f *fetch, p []byte) {
	if s.state == StateStopped || f.done {
		return
	}
	s.hooks.Observer.BytesReceived(f.role, len(p))

	if uint64(len(p)) > uint64(f.remaining) {
		s.logger.WithFields(log.Fields{
			"role":      f.role.String(),
			"conn":      f.conn.ID(),
			"received":  len(p),
			"remaining": f.remaining,
		}).Warn("Received more than the requested response size")
		f.remaining = 0
	} else {
		f.remaining -= uint32(len(p))
	}
	if f.remaining != 0 {
		return
	}

	f.done = true
	f.conn.SetReceive(nil)
	f.conn.Close()
	s.hooks.Observer.FetchCompleted(f.role, f.responseSize, s.loop.Now()-f.sentAt)

	if f.role == types.RolePrimary {
		s.primaryCompleted()
		return
	}
	s.secondaryCompleted(f)
}

func (s *Session) primaryCompleted() {
	s.primary = nil

	burst := s.filesRemaining
	if burst > s.cfg.MaxConcurrentSecondary {
		burst = s.cfg.MaxConcurrentSecondary
	}

	if burst == 0 {
		if s.cfg.ZeroObjectPages == ZeroObjectComplete {
			s.completePage()
			return
		}
		s.state = StateSecondaryBurstActive
		s.logger.Warn("Page has no embedded objects, session stalls")
		return
	}

	s.state = StateSecondaryBurstActive
	for i := uint32(len(s.secondaries)); i < burst; i++ {
		s.secondaries = append(s.secondaries, s.open(types.RoleSecondary))
	}
}

func (s *Session) secondaryCompleted(f *fetch) {
	for i, sf := range s.secondaries {
		if sf == f {
			s.secondaries = append(s.secondaries[:i], s.secondaries[i+1:]...)
			break
		}
	}
	if s.filesRemaining > 0 {
		s.filesRemaining--
	}
	s.pageObjects++

	open := uint32(len(s.secondaries))
	switch {
	case s.filesRemaining > open && open < s.cfg.MaxConcurrentSecondary:
		s.secondaries = append(s.secondaries, s.open(types.RoleSecondary))
	case s.filesRemaining == 0:
		s.completePage()
	}
}

func (s *Session) completePage() {
	now := s.loop.Now()
	rec := types.RequestRecord{
		RequestStart:         s.pageStart.Seconds(),
		RequestExecutionTime: (now - s.pageStart).Seconds(),
	}
	s.records = append(s.records, rec)
	s.hooks.Observer.PageCompleted(rec, s.pageObjects)

	think := s.samplers.ThinkTime.Sample() / thinkTimeScale
	if think < 0 || math.IsNaN(think) {
		think = 0
	}
	s.pagesRemaining--

	entry := s.logger.WithFields(log.Fields{
		"page":            len(s.records),
		"objects":         s.pageObjects,
		"execution_time":  rec.RequestExecutionTime,
		"pages_remaining": s.pagesRemaining,
	})

	if s.pagesRemaining == 0 {
		s.state = StateDone
		entry.Info("Page complete, session finished")
		if s.hooks.Finished != nil {
			s.hooks.Finished(s)
		}
		return
	}

	s.state = StateThinkTimeWait
	delay := time.Duration(think * float64(time.Second))
	entry.WithField("think_time", delay.String()).Info("Page complete")
	s.thinkTimer = s.loop.AfterFunc(delay, s.nextPage)
}

func (s *Session) nextPage() {
	s.thinkTimer = nil
	if s.state != StateThinkTimeWait {
		return
	}
	s.openPrimary()
}

// Name returns the configured session name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Records returns a copy of the completed-page log.
func (s *Session) Records() []types.RequestRecord {
	out := make([]types.RequestRecord, len(s.records))
	copy(out, s.records)
	return out
}

// PagesRemaining is the number of pages not yet completed.
func (s *Session) PagesRemaining() uint32 {
	return s.pagesRemaining
}

// FilesRemaining is the number of embedded objects of the current page not
// yet fetched.
func (s *Session) FilesRemaining() uint32 {
	return s.filesRemaining
}

// OpenSecondaries is the size of the secondary pool, failed entries included.
func (s *Session) OpenSecondaries() int {
	return len(s.secondaries)
}

// HasPrimary reports whether a primary fetch is in progress.
func (s *Session) HasPrimary() bool {
	return s.primary != nil
}

// ThinkTimerPending reports whether the next page is scheduled.
func (s *Session) ThinkTimerPending() bool {
	return s.thinkTimer != nil
}

// toCount truncates a sampled value to an unsigned count.
func toCount(v float64) uint32 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

// withHeader adds the frame header to a sampled size.
func withHeader(v float64) (uint32, error) {
	n := toCount(v)
	if n > math.MaxUint32-frame.HeaderLen {
		return 0, fmt.Errorf("%w: %v", ErrSizeOverflow, v)
	}
	return n + frame.HeaderLen, nil
}
