package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wavechat/backend/internal/crossinstance"
	"github.com/wavechat/backend/internal/hottier"
)

type stubHot struct {
	pingErr  error
	degraded bool
}

func (s *stubHot) Ping(context.Context) error { return s.pingErr }
func (s *stubHot) Status() hottier.ClientStatus {
	return hottier.ClientStatus{Degraded: s.degraded}
}

type stubDurable struct{ pingErr error }

func (s *stubDurable) Ping(context.Context) error { return s.pingErr }

type stubLocks struct{ locks []string }

func (s *stubLocks) ActiveLocks() []string { return s.locks }

type stubBus struct {
	peers       []crossinstance.PeerInfo
	initialised bool
}

func (s *stubBus) Peers() []crossinstance.PeerInfo { return s.peers }
func (s *stubBus) Initialised() bool               { return s.initialised }

type stubHub struct {
	sessions int
	draining bool
}

func (s *stubHub) ActiveSessions() int { return s.sessions }
func (s *stubHub) SetDraining(v bool)  { s.draining = v }
func (s *stubHub) Draining() bool      { return s.draining }

func newTestRouter(t *testing.T, cfg HandlerConfig) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler := NewHandler(cfg)
	router := gin.New()
	handler.Register(router.Group("/"))
	return router, handler
}

func TestAvailabilityScore(t *testing.T) {
	tests := []struct {
		name           string
		memory         float64
		uptime         time.Duration
		locks          int
		busInitialised bool
		want           float64
	}{
		{name: "healthy-long-uptime", memory: 50, uptime: 2 * time.Hour, locks: 0, busInitialised: true, want: 100},
		{name: "fresh-instance-no-bonus", memory: 50, uptime: 10 * time.Minute, locks: 0, busInitialised: true, want: 90},
		{name: "high-memory", memory: 90, uptime: 2 * time.Hour, locks: 0, busInitialised: true, want: 80},
		{name: "many-locks", memory: 50, uptime: 2 * time.Hour, locks: 15, busInitialised: true, want: 95},
		{name: "bus-down", memory: 50, uptime: 2 * time.Hour, locks: 0, busInitialised: false, want: 80},
		{name: "floor-at-zero", memory: 200, uptime: 0, locks: 100, busInitialised: false, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AvailabilityScore(tt.memory, tt.uptime, tt.locks, tt.busInitialised)
			if got != tt.want {
				t.Fatalf("AvailabilityScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLivenessEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, HandlerConfig{Environment: "test"})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["status"] != "ok" || body["env"] != "test" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAggregateHealthReports503WhenTierDown(t *testing.T) {
	router, _ := newTestRouter(t, HandlerConfig{
		Hot:     &stubHot{},
		Durable: &stubDurable{pingErr: errors.New("down")},
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/instance-status/health", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestAggregateHealthHealthy(t *testing.T) {
	router, _ := newTestRouter(t, HandlerConfig{
		Hot:     &stubHot{},
		Durable: &stubDurable{},
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/instance-status/health", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestDrainTogglesHub(t *testing.T) {
	hubStub := &stubHub{sessions: 42}
	router, _ := newTestRouter(t, HandlerConfig{Hub: hubStub})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/instance-status/drain", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !hubStub.draining {
		t.Fatalf("drain endpoint must enable drain mode")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["estimatedDrainTimeMs"].(float64) != 4200 {
		t.Fatalf("unexpected estimate %v", body["estimatedDrainTimeMs"])
	}
}

func TestPeersEndpointProbesPeers(t *testing.T) {
	peerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer peerServer.Close()

	router, _ := newTestRouter(t, HandlerConfig{
		Bus: &stubBus{peers: []crossinstance.PeerInfo{
			{InstanceID: "instance-b", Endpoint: "10.0.0.2:6379", HTTPURL: peerServer.URL},
		}},
		HTTPClient: peerServer.Client(),
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/instance-status/peers", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var body struct {
		Peers []peerProbe `json:"peers"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body.Peers) != 1 || !body.Peers[0].Healthy {
		t.Fatalf("unexpected probes %+v", body.Peers)
	}
}

func TestMetricsEndpointExposesGauges(t *testing.T) {
	router, _ := newTestRouter(t, HandlerConfig{
		Hub:   &stubHub{sessions: 3},
		Locks: &stubLocks{locks: []string{"a", "b"}},
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	output := recorder.Body.String()
	for _, metric := range []string{"wavechat_active_sessions 3", "wavechat_active_locks 2", "wavechat_uptime_seconds"} {
		if !strings.Contains(output, metric) {
			t.Fatalf("metrics output missing %q:\n%s", metric, output)
		}
	}
}
