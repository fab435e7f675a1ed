package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"zeddring/internal/domain"
	"zeddring/internal/driver"
	"zeddring/internal/infra/config"
	"zeddring/internal/store"
	"zeddring/internal/usecase/eventbus"
	"zeddring/internal/usecase/fleet"
	"zeddring/internal/usecase/registry"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

type testStack struct {
	srv      *Server
	http     *httptest.Server
	registry *registry.Registry
	store    *store.Store
	mock     *driver.Mock
	bus      *eventbus.Bus
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(filepath.Join(t.TempDir(), "test.sqlite"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(logger)
	reg, err := registry.New(context.Background(), st, bus, logger)
	require.NoError(t, err)

	cfg := config.Defaults()
	mock := driver.NewMock()
	fl := fleet.NewManager(cfg, reg, mock, st, bus, logger)

	srv := NewServer(reg, fl, st, bus, "127.0.0.1:0", logger)
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	return &testStack{srv: srv, http: ts, registry: reg, store: st, mock: mock, bus: bus}
}

func (s *testStack) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.http.URL+path, buf)
	require.NoError(t, err)
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (s *testStack) registerRing(t *testing.T) domain.Ring {
	t.Helper()
	s.mock.SetDevice(testAddr, driver.MockDevice{Battery: 75, Steps: 900, HeartRate: 66})
	resp, raw := s.do(t, http.MethodPost, "/api/v1/rings", map[string]string{
		"address": testAddr, "name": "Colmi R02",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var ring domain.Ring
	require.NoError(t, json.Unmarshal(raw, &ring))
	return ring
}

func errorKind(t *testing.T, raw []byte) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Error
}

func TestRegisterAndListRings(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)
	assert.NotEmpty(t, ring.ID)
	assert.Equal(t, domain.StateDisconnected, ring.State)

	resp, raw := s.do(t, http.MethodGet, "/api/v1/rings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rings []domain.Ring
	require.NoError(t, json.Unmarshal(raw, &rings))
	require.Len(t, rings, 1)
	assert.Equal(t, ring.ID, rings[0].ID)
}

func TestRegisterDuplicateAddressConflicts(t *testing.T) {
	s := newTestStack(t)
	s.registerRing(t)

	resp, raw := s.do(t, http.MethodPost, "/api/v1/rings", map[string]string{"address": testAddr})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_address", errorKind(t, raw))
}

func TestRegisterWithoutAddress(t *testing.T) {
	s := newTestStack(t)
	resp, raw := s.do(t, http.MethodPost, "/api/v1/rings", map[string]string{"name": "nameless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(t, raw))
}

func TestGetUnknownRing(t *testing.T) {
	s := newTestStack(t)
	resp, raw := s.do(t, http.MethodGet, "/api/v1/rings/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorKind(t, raw))
}

func TestRenameRing(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)

	resp, raw := s.do(t, http.MethodPatch, "/api/v1/rings/"+ring.ID, map[string]string{"name": "bedroom"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated domain.Ring
	require.NoError(t, json.Unmarshal(raw, &updated))
	assert.Equal(t, "bedroom", updated.Name)
}

func TestConnectCommand(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)

	resp, raw := s.do(t, http.MethodPost, "/api/v1/rings/"+ring.ID+"/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var got domain.Ring
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, domain.StateConnected, got.State)
	assert.True(t, s.mock.Connected(testAddr))
}

func TestRebootRequiresConnection(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)

	resp, raw := s.do(t, http.MethodPost, "/api/v1/rings/"+ring.ID+"/reboot", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "device_unavailable", errorKind(t, raw))
}

func TestRemoveRing(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)

	resp, _ := s.do(t, http.MethodDelete, "/api/v1/rings/"+ring.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/rings/"+ring.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSamplesQuery(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	for i, v := range []int{61, 63, 60} {
		require.NoError(t, s.store.Append(ctx, domain.Sample{
			RingID: ring.ID, Metric: domain.MetricHeartRate,
			Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v,
		}))
	}

	resp, raw := s.do(t, http.MethodGet, "/api/v1/rings/"+ring.ID+"/samples?metric=heart_rate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var samples []domain.Sample
	require.NoError(t, json.Unmarshal(raw, &samples))
	require.Len(t, samples, 3)
	assert.Equal(t, 61, samples[0].Value)
	assert.Equal(t, 60, samples[2].Value)
}

func TestSamplesRejectUnknownMetric(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)

	resp, raw := s.do(t, http.MethodGet, "/api/v1/rings/"+ring.ID+"/samples?metric=mood", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(t, raw))
}

func TestDailyStats(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)
	ctx := context.Background()

	day := time.Now().UTC().Add(-2 * time.Hour)
	for _, v := range []int{58, 91, 70} {
		require.NoError(t, s.store.Append(ctx, domain.Sample{
			RingID: ring.ID, Metric: domain.MetricHeartRate, Timestamp: day, Value: v,
		}))
	}

	resp, raw := s.do(t, http.MethodGet, "/api/v1/rings/"+ring.ID+"/stats/daily?metric=heart_rate&days=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var stats []domain.DailyStat
	require.NoError(t, json.Unmarshal(raw, &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 58, stats[0].Min)
	assert.Equal(t, 91, stats[0].Max)
	assert.Equal(t, 3, stats[0].Count)
}

func TestSyncCommand(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)
	yesterday := time.Now().Add(-24 * time.Hour)
	s.mock.UpdateDevice(testAddr, func(d *driver.MockDevice) {
		d.History = domain.History{
			Steps:     []domain.HistoryPoint{{Timestamp: yesterday, Value: 5400}},
			HeartRate: []domain.HistoryPoint{{Timestamp: yesterday, Value: 62}},
		}
	})

	resp, _ := s.do(t, http.MethodPost, "/api/v1/rings/"+ring.ID+"/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := s.do(t, http.MethodPost, "/api/v1/rings/"+ring.ID+"/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var res fleet.SyncResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Steps)
}

func TestStatusOverview(t *testing.T) {
	s := newTestStack(t)
	ring := s.registerRing(t)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/rings/"+ring.ID+"/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := s.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, "zeddring", status.Name)
	assert.Equal(t, 1, status.Rings.Total)
	assert.Equal(t, 1, status.Rings.Connected)
}

func TestBoundAddrSafeDuringStartup(t *testing.T) {
	s := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = s.srv.Start(ctx) }()

	// Poll from several goroutines while Start is binding; the race
	// detector flags any unguarded access to the bound address.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for s.srv.BoundAddr() == "" && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, s.srv.BoundAddr())
	require.NoError(t, s.srv.Stop(context.Background()))
}

func TestWebSocketEventStream(t *testing.T) {
	s := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = s.srv.Start(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for s.srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("gateway never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.srv.BoundAddr()), nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Give the connection time to land in the client table before
	// publishing.
	time.Sleep(50 * time.Millisecond)
	s.bus.RingEvent(ctx, domain.EventRingState, "ring-1", map[string]string{"state": "connected"})

	var event domain.Event
	require.NoError(t, wsjson.Read(ctx, ws, &event))
	assert.Equal(t, domain.EventRingState, event.Type)
	assert.Equal(t, "ring-1", event.RingID)
}
