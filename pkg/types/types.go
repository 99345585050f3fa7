package types

import (
	"net"
	"time"
)

// Role tags a client connection as the page's primary fetch or one of its
// embedded-object fetches.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// RequestRecord holds the timing of one completed page.
type RequestRecord struct {
	RequestStart         float64 `json:"request_start"`          // seconds, when the primary request was sent
	RequestExecutionTime float64 `json:"request_execution_time"` // seconds, primary send until last object arrived
}

// FrameTrace describes a request frame handed to the transport.
type FrameTrace struct {
	At           time.Duration // loop time since the run started
	ConnID       uint64
	Role         Role
	Local        net.Addr
	Remote       net.Addr
	RequestSize  uint32
	ResponseSize uint32
	Data         []byte
}
