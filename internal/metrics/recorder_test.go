package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic-generator/internal/client"
	"webtraffic-generator/internal/server"
	"webtraffic-generator/pkg/types"
)

var (
	_ client.Observer = (*Recorder)(nil)
	_ server.Observer = (*Recorder)(nil)
)

func TestRecorder_ClientCounters(t *testing.T) {
	r := NewRecorder()

	r.RequestSent(types.RolePrimary, 200, 92)
	r.RequestSent(types.RoleSecondary, 20, 42)
	r.RequestSent(types.RoleSecondary, 20, 42)
	r.BytesReceived(types.RoleSecondary, 84)
	r.FetchCompleted(types.RoleSecondary, 42, 5*time.Millisecond)
	r.FetchFailed(types.RolePrimary, errors.New("refused"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("primary")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("secondary")))
	assert.Equal(t, 40.0, testutil.ToFloat64(r.requestBytes.WithLabelValues("secondary")))
	assert.Equal(t, 92.0, testutil.ToFloat64(r.requestedBytes.WithLabelValues("primary")))
	assert.Equal(t, 84.0, testutil.ToFloat64(r.receivedBytes.WithLabelValues("secondary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.completed.WithLabelValues("secondary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failed.WithLabelValues("primary")))
}

func TestRecorder_Pages(t *testing.T) {
	r := NewRecorder()
	r.PageCompleted(types.RequestRecord{RequestStart: 1, RequestExecutionTime: 0.5}, 3)
	r.PageCompleted(types.RequestRecord{RequestStart: 2, RequestExecutionTime: 0.1}, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.pages))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.pageObjects))
	assert.Equal(t, 1, testutil.CollectAndCount(r.pageSeconds))
}

func TestRecorder_ServerCounters(t *testing.T) {
	r := NewRecorder()
	r.Accepted(nil)
	r.Received(48)
	r.Responded(48, 10)
	r.ProtocolError(errors.New("bad"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.accepted))
	assert.Equal(t, 48.0, testutil.ToFloat64(r.serverRx))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.responses))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.protocolErrors))
}

func TestRecorder_Serve(t *testing.T) {
	r := NewRecorder()
	r.RequestSent(types.RolePrimary, 100, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := r.Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `webtraffic_client_requests_total{role="primary"} 1`)
}

func TestRecorder_ServeBadAddress(t *testing.T) {
	_, err := NewRecorder().Serve(context.Background(), "256.0.0.1:-1")
	assert.Error(t, err)
}
