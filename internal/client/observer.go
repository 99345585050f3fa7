package client

import (
	"time"

	"webtraffic-generator/pkg/types"
)

// Observer receives session events on the session's loop.
type Observer interface {
	RequestSent(role types.Role, requestSize, responseSize uint32)
	BytesReceived(role types.Role, n int)
	FetchCompleted(role types.Role, responseSize uint32, elapsed time.Duration)
	FetchFailed(role types.Role, err error)
	PageCompleted(rec types.RequestRecord, objects uint32)
}

// NopObserver ignores every event. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) RequestSent(types.Role, uint32, uint32)           {}
func (NopObserver) BytesReceived(types.Role, int)                    {}
func (NopObserver) FetchCompleted(types.Role, uint32, time.Duration) {}
func (NopObserver) FetchFailed(types.Role, error)                    {}
func (NopObserver) PageCompleted(types.RequestRecord, uint32)        {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) RequestSent(role types.Role, requestSize, responseSize uint32) {
	for _, ob := range o {
		ob.RequestSent(role, requestSize, responseSize)
	}
}

func (o Observers) BytesReceived(role types.Role, n int) {
	for _, ob := range o {
		ob.BytesReceived(role, n)
	}
}

func (o Observers) FetchCompleted(role types.Role, responseSize uint32, elapsed time.Duration) {
	for _, ob := range o {
		ob.FetchCompleted(role, responseSize, elapsed)
	}
}

func (o Observers) FetchFailed(role types.Role, err error) {
	for _, ob := range o {
		ob.FetchFailed(role, err)
	}
}

func (o Observers) PageCompleted(rec types.RequestRecord, objects uint32) {
	for _, ob := range o {
		ob.PageCompleted(rec, objects)
	}
}
