package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabsync/internal/app"
	"collabsync/internal/config"
	"collabsync/internal/testutil/testlog"
	"collabsync/pkg/coordinator"
	"collabsync/pkg/wsclient"
)

// startBroker runs a complete broker on an ephemeral port backed by a
// temporary SQLite file.
func startBroker(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "integration.db")
	cfg.HTTP.Host = "127.0.0.1"

	application, err := app.NewApplication(cfg, testlog.Logger(t))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, application.Serve(context.Background(), ln))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application.GetAddr()
}

// editor is a recording diagram engine. Like a real editor it raises a local
// change for everything it applies, which the coordinator must suppress.
type editor struct {
	mu        sync.Mutex
	coord     *coordinator.Coordinator
	snapshots []string
	deltas    []string
}

func (e *editor) ApplySnapshot(snapshot json.RawMessage) error {
	e.mu.Lock()
	e.snapshots = append(e.snapshots, string(snapshot))
	coord := e.coord
	e.mu.Unlock()
	if coord != nil {
		_, _ = coord.Publish(nil, snapshot)
	}
	return nil
}

func (e *editor) ApplyDelta(delta json.RawMessage) error {
	e.mu.Lock()
	e.deltas = append(e.deltas, string(delta))
	coord := e.coord
	e.mu.Unlock()
	if coord != nil {
		_, _ = coord.Publish(delta, nil)
	}
	return nil
}

func (e *editor) applied() (snapshots, deltas []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.snapshots...), append([]string(nil), e.deltas...)
}

type participant struct {
	*coordinator.Coordinator
	engine *editor
}

func newParticipant(t *testing.T, addr string) *participant {
	t.Helper()
	log := testlog.Logger(t)
	engine := &editor{}
	opts := coordinator.DefaultOptions()
	opts.RequestTimeout = 3 * time.Second
	opts.Logger = log
	coord := coordinator.New(wsclient.New("ws://"+addr+"/ws", nil, log), engine, opts)
	engine.mu.Lock()
	engine.coord = coord
	engine.mu.Unlock()
	t.Cleanup(func() { _ = coord.Close() })
	return &participant{Coordinator: coord, engine: engine}
}

func (p *participant) isActive(email string) bool {
	got, ok := p.Participant(email)
	return ok && got.IsActive
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)
