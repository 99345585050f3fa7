package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"webtraffic-generator/internal/frame"
	"webtraffic-generator/internal/transport"
	"webtraffic-generator/internal/transport/transporttest"
)

const listenAddr = "10.0.0.1:80"

type countingObserver struct {
	accepted, responded, protocolErrors, rx int
}

func (o *countingObserver) Accepted(net.Addr)        { o.accepted++ }
func (o *countingObserver) Received(n int)           { o.rx += n }
func (o *countingObserver) Responded(uint32, uint32) { o.responded++ }
func (o *countingObserver) ProtocolError(error)      { o.protocolErrors++ }

func newServer(t require.TestingT) (*Session, *transporttest.Network, *countingObserver) {
	nw := transporttest.NewNetwork()
	obs := &countingObserver{}
	s, err := NewSession(Config{Name: "test", Listen: listenAddr}, transporttest.NewLoop(), nw, Hooks{Observer: obs})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	return s, nw, obs
}

func TestNewSession_RejectsNonStreamTransport(t *testing.T) {
	_, err := NewSession(Config{Listen: listenAddr}, transporttest.NewLoop(),
		transporttest.NewNetworkOfKind(transport.Datagram), Hooks{})
	assert.ErrorIs(t, err, transport.ErrNotStream)
}

func TestNewSession_EmptyListen(t *testing.T) {
	_, err := NewSession(Config{}, transporttest.NewLoop(), transporttest.NewNetwork(), Hooks{})
	assert.Error(t, err)
}

func TestSession_StartTwice(t *testing.T) {
	s, _, _ := newServer(t)
	assert.Error(t, s.Start())
	assert.Equal(t, listenAddr, s.Addr().String())
}

func TestSession_RespondsWithRequestedSize(t *testing.T) {
	s, nw, obs := newServer(t)

	c, err := nw.Accept(listenAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenConnections())

	req, err := frame.Encode(40, 1234)
	require.NoError(t, err)
	c.Deliver(req)

	require.Len(t, c.Sent, 1)
	assert.Len(t, c.Sent[0], 1234)
	assert.Equal(t, 1, c.CloseCalls)
	assert.Equal(t, 0, s.OpenConnections())
	assert.Equal(t, uint64(40), s.TotalRx())
	assert.Equal(t, uint64(1), s.Responses())
	assert.Equal(t, 1, obs.accepted)
	assert.Equal(t, 1, obs.responded)
}

func TestSession_PartialRequestKeepsConnection(t *testing.T) {
	s, nw, _ := newServer(t)
	c, err := nw.Accept(listenAddr)
	require.NoError(t, err)

	req, err := frame.Encode(100, 10)
	require.NoError(t, err)
	c.Deliver(req[:5])
	c.Deliver(req[5:99])

	assert.Empty(t, c.Sent)
	assert.False(t, c.Closed())
	assert.Equal(t, 1, s.OpenConnections())

	c.Deliver(req[99:])
	assert.Len(t, c.Sent, 1)
	assert.True(t, c.Closed())
}

func TestSession_ZeroResponseClosesWithoutSend(t *testing.T) {
	s, nw, _ := newServer(t)
	c, err := nw.Accept(listenAddr)
	require.NoError(t, err)

	req, err := frame.Encode(8, 0)
	require.NoError(t, err)
	c.Deliver(req)

	assert.Empty(t, c.Sent)
	assert.True(t, c.Closed())
	assert.Equal(t, uint64(1), s.Responses())
}

func TestSession_MalformedHeaderDropsConnection(t *testing.T) {
	s, nw, obs := newServer(t)
	c, err := nw.Accept(listenAddr)
	require.NoError(t, err)

	bad := make([]byte, frame.HeaderLen)
	frame.PutHeader(bad, frame.Header{RequestSize: 3, ResponseSize: 10})
	c.Deliver(bad)

	assert.Empty(t, c.Sent)
	assert.True(t, c.Closed())
	assert.Equal(t, 0, s.OpenConnections())
	assert.Equal(t, 1, obs.protocolErrors)
}

func TestSession_OverrunDropsConnection(t *testing.T) {
	s, nw, obs := newServer(t)
	c, err := nw.Accept(listenAddr)
	require.NoError(t, err)

	req, err := frame.Encode(16, 10)
	require.NoError(t, err)
	c.Deliver(append(req, 1, 2, 3))

	assert.Empty(t, c.Sent)
	assert.Equal(t, 0, s.OpenConnections())
	assert.Equal(t, 1, obs.protocolErrors)
}

func TestSession_PeerCloseRemovesState(t *testing.T) {
	s, nw, _ := newServer(t)
	c, err := nw.Accept(listenAddr)
	require.NoError(t, err)

	c.Deliver([]byte{0, 0})
	c.PeerClose()

	assert.Equal(t, 0, s.OpenConnections())
	assert.True(t, c.Closed())
}

func TestSession_ConnectionsAreIndependent(t *testing.T) {
	s, nw, _ := newServer(t)
	a, err := nw.Accept(listenAddr)
	require.NoError(t, err)
	b, err := nw.Accept(listenAddr)
	require.NoError(t, err)

	reqA, _ := frame.Encode(20, 5)
	reqB, _ := frame.Encode(30, 7)

	a.Deliver(reqA[:10])
	b.Deliver(reqB[:10])
	a.Deliver(reqA[10:])
	assert.Equal(t, 1, s.OpenConnections())
	b.Deliver(reqB[10:])

	require.Len(t, a.Sent, 1)
	require.Len(t, b.Sent, 1)
	assert.Len(t, a.Sent[0], 5)
	assert.Len(t, b.Sent[0], 7)
	assert.Equal(t, uint64(50), s.TotalRx())
}

func TestSession_StopClosesEverything(t *testing.T) {
	s, nw, _ := newServer(t)
	a, _ := nw.Accept(listenAddr)
	b, _ := nw.Accept(listenAddr)
	a.Deliver([]byte{1})

	s.Stop()
	s.Stop()

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 1, a.CloseCalls)
	assert.Equal(t, 0, s.OpenConnections())
	assert.Empty(t, nw.Listeners)
}

func TestSession_RxHook(t *testing.T) {
	nw := transporttest.NewNetwork()
	var chunks []int
	s, err := NewSession(Config{Listen: listenAddr}, transporttest.NewLoop(), nw, Hooks{
		Rx: func(_ transport.Conn, p []byte) { chunks = append(chunks, len(p)) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	c, _ := nw.Accept(listenAddr)
	req, _ := frame.Encode(12, 1)
	c.Deliver(req[:4])
	c.Deliver(req[4:])

	assert.Equal(t, []int{4, 8}, chunks)
}

func TestSession_ArbitrarySplitsRespondOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reqSize := rapid.Uint32Range(frame.HeaderLen, 2048).Draw(rt, "requestSize")
		respSize := rapid.Uint32Range(1, 4096).Draw(rt, "responseSize")

		s, nw, _ := newServer(rt)
		c, err := nw.Accept(listenAddr)
		require.NoError(rt, err)

		req, err := frame.Encode(reqSize, respSize)
		require.NoError(rt, err)

		for off := 0; off < len(req); {
			n := rapid.IntRange(1, len(req)-off).Draw(rt, "chunk")
			c.Deliver(req[off : off+n])
			off += n
		}

		if len(c.Sent) != 1 || uint32(len(c.Sent[0])) != respSize {
			rt.Fatalf("sent %d responses (%v), want one of %d bytes", len(c.Sent), c.SentBytes(), respSize)
		}
		if c.CloseCalls != 1 {
			rt.Fatalf("closed %d times, want 1", c.CloseCalls)
		}
		if s.OpenConnections() != 0 {
			rt.Fatalf("%d connections still buffered", s.OpenConnections())
		}
	})
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	obs := Observers{a, b}

	obs.Accepted(nil)
	obs.Received(10)
	obs.Responded(10, 5)
	obs.ProtocolError(frame.ErrMalformed)

	for _, o := range []*countingObserver{a, b} {
		assert.Equal(t, 1, o.accepted)
		assert.Equal(t, 10, o.rx)
		assert.Equal(t, 1, o.responded)
		assert.Equal(t, 1, o.protocolErrors)
	}
}
