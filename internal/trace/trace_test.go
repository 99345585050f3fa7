package trace

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic-generator/internal/frame"
	"webtraffic-generator/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func tcpAddr(s string) *net.TCPAddr {
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func frameTrace(t *testing.T, conn uint64, at time.Duration, req, resp uint32) types.FrameTrace {
	data, err := frame.Encode(req, resp)
	require.NoError(t, err)
	return types.FrameTrace{
		At:           at,
		ConnID:       conn,
		Role:         types.RolePrimary,
		Local:        tcpAddr("10.1.0.1:49152"),
		Remote:       tcpAddr("10.2.0.1:80"),
		RequestSize:  req,
		ResponseSize: resp,
		Data:         data,
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0, epoch)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(frameTrace(t, 1, time.Second, 200, 92)))
	second := frameTrace(t, 2, 1500*time.Millisecond, 20, 42)
	second.Local = tcpAddr("10.1.0.1:49153")
	require.NoError(t, w.WriteFrame(second))

	assert.Equal(t, 2, w.Frames())
	assert.Equal(t, 2, w.Packets())

	res, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, res.Requests, 2)
	assert.Equal(t, 2, res.TotalPackets)
	assert.Equal(t, uint64(220), res.PayloadBytes)
	assert.Equal(t, uint64(134), res.TotalRequested())

	r := res.Requests[0]
	assert.Equal(t, uint32(200), r.RequestSize)
	assert.Equal(t, uint32(92), r.ResponseSize)
	assert.Equal(t, "10.1.0.1", r.SrcIP.String())
	assert.Equal(t, "10.2.0.1", r.DstIP.String())
	assert.Equal(t, uint16(49152), r.SrcPort)
	assert.Equal(t, uint16(80), r.DstPort)
	assert.True(t, r.Timestamp.Equal(epoch.Add(time.Second)))

	assert.Equal(t, uint16(49153), res.Requests[1].SrcPort)
}

func TestWriter_SplitsLargeFrames(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultSnapLen, epoch)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(frameTrace(t, 7, 0, 3000, 10)))
	assert.Equal(t, 3, w.Packets())

	res, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TCPPackets)
	assert.Equal(t, uint64(3000), res.PayloadBytes)
	require.Len(t, res.Requests, 1)
	assert.Equal(t, uint32(3000), res.Requests[0].RequestSize)
}

func TestWriter_IPv6(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0, epoch)
	require.NoError(t, err)

	ft := frameTrace(t, 1, 0, 16, 5)
	ft.Local = tcpAddr("[::1]:50000")
	ft.Remote = tcpAddr("[::1]:8080")
	require.NoError(t, w.WriteFrame(ft))

	res, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, res.Requests, 1)
	assert.Equal(t, "::1", res.Requests[0].DstIP.String())
	assert.Equal(t, uint16(8080), res.Requests[0].DstPort)
}

func TestWriter_MissingAddress(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0, epoch)
	require.NoError(t, err)

	ft := frameTrace(t, 1, 0, 16, 5)
	ft.Local = nil
	assert.Error(t, w.WriteFrame(ft))

	w.Hook()(ft)
	assert.Zero(t, w.Frames())
}

func TestCreateAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	w, err := Create(path, 0, epoch)
	require.NoError(t, err)

	hook := w.Hook()
	hook(frameTrace(t, 1, 0, 100, 1000))
	hook(frameTrace(t, 2, time.Millisecond, 50, 0))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	res, err := Inspect(path)
	require.NoError(t, err)
	require.Len(t, res.Requests, 2)
	assert.Equal(t, uint32(0), res.Requests[1].ResponseSize)
}

func TestInspect_MissingFile(t *testing.T) {
	_, err := Inspect(filepath.Join(t.TempDir(), "absent.pcap"))
	assert.Error(t, err)
}

func TestRead_NotPcap(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("definitely not a capture")))
	assert.Error(t, err)
}
