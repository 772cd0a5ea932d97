package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestContainerSpecPublishesCDPOnLoopback(t *testing.T) {
	t.Parallel()

	cfg, host := containerSpec("browserless/chrome:latest", "worker-2")

	assert.Equal(t, "browserless/chrome:latest", cfg.Image)
	assert.Equal(t, "worker-2", cfg.Labels["worker-id"])
	assert.Contains(t, cfg.ExposedPorts, nat.Port(cdpPort))

	bindings := host.PortBindings[cdpPort]
	require.Len(t, bindings, 1)
	assert.Equal(t, "127.0.0.1", bindings[0].HostIP)
	assert.Equal(t, "0", bindings[0].HostPort)
}

func TestBoundPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ports   nat.PortMap
		want    string
		wantErr bool
	}{
		{name: "published", ports: nat.PortMap{cdpPort: {{HostIP: "127.0.0.1", HostPort: "49153"}}}, want: "49153"},
		{name: "skips unassigned", ports: nat.PortMap{cdpPort: {{HostPort: "0"}, {HostPort: "49154"}}}, want: "49154"},
		{name: "other port only", ports: nat.PortMap{"9222/tcp": {{HostPort: "9222"}}}, wantErr: true},
		{name: "nothing", ports: nil, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := boundPort(tc.ports)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func testProvider(attempts int) *DockerProvider {
	return &DockerProvider{log: zap.NewNop(), readyInterval: 5 * time.Millisecond, readyAttempts: attempts}
}

func TestWaitForBrowserReady(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"Browser":"HeadlessChrome"}`))
	}))
	defer ts.Close()

	require.NoError(t, testProvider(10).waitForBrowserReady(context.Background(), ts.URL))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitForBrowserReadyGivesUp(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := testProvider(3).waitForBrowserReady(context.Background(), ts.URL)
	assert.ErrorContains(t, err, "after 3 attempts")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = testProvider(100).waitForBrowserReady(ctx, ts.URL)
	assert.ErrorIs(t, err, context.Canceled)
}
