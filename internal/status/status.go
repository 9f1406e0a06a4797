package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/crossinstance"
	"github.com/wavechat/backend/internal/hottier"
	"github.com/wavechat/backend/internal/replication"
	"github.com/wavechat/backend/internal/syncworker"
)

const peerProbeTimeout = 5 * time.Second

// hotTier is the hot-tier status slice.
type hotTier interface {
	Ping(ctx context.Context) error
	Status() hottier.ClientStatus
}

// durableTier is the durable-tier status slice.
type durableTier interface {
	Ping(ctx context.Context) error
}

// lockService exposes held locks.
type lockService interface {
	ActiveLocks() []string
}

// peerBus exposes the peer pool.
type peerBus interface {
	Peers() []crossinstance.PeerInfo
	Initialised() bool
}

// sessionHub exposes connection counts and drain mode.
type sessionHub interface {
	ActiveSessions() int
	SetDraining(bool)
	Draining() bool
}

// replicationStats exposes replication counters.
type replicationStats interface {
	Stats() replication.Stats
}

// workerStats exposes sync-worker counters.
type workerStats interface {
	Stats() syncworker.Stats
}

// Handler serves the per-instance health and load surface.
type Handler struct {
	hot         hotTier
	durable     durableTier
	locks       lockService
	bus         peerBus
	hub         sessionHub
	replication replicationStats
	worker      workerStats
	environment string
	instanceID  string
	startedAt   time.Time
	clock       func() time.Time
	httpClient  *http.Client
	logger      *zap.Logger

	registry       *prometheus.Registry
	sessionsGauge  prometheus.GaugeFunc
	locksGauge     prometheus.GaugeFunc
	peersGauge     prometheus.GaugeFunc
	uptimeGauge    prometheus.GaugeFunc
	drainedCounter prometheus.Counter
}

// HandlerConfig wires the status surface.
type HandlerConfig struct {
	Hot         hotTier
	Durable     durableTier
	Locks       lockService
	Bus         peerBus
	Hub         sessionHub
	Replication replicationStats
	Worker      workerStats
	Environment string
	InstanceID  string
	Clock       func() time.Time
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// NewHandler constructs the handler and registers its metrics.
func NewHandler(cfg HandlerConfig) *Handler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: peerProbeTimeout}
	}

	handler := &Handler{
		hot:         cfg.Hot,
		durable:     cfg.Durable,
		locks:       cfg.Locks,
		bus:         cfg.Bus,
		hub:         cfg.Hub,
		replication: cfg.Replication,
		worker:      cfg.Worker,
		environment: cfg.Environment,
		instanceID:  cfg.InstanceID,
		startedAt:   clock(),
		clock:       clock,
		httpClient:  httpClient,
		logger:      logger,
		registry:    prometheus.NewRegistry(),
	}

	handler.sessionsGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wavechat_active_sessions",
		Help: "Number of live realtime sessions.",
	}, func() float64 {
		if handler.hub == nil {
			return 0
		}
		return float64(handler.hub.ActiveSessions())
	})
	handler.locksGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wavechat_active_locks",
		Help: "Number of locally held distributed locks.",
	}, func() float64 {
		if handler.locks == nil {
			return 0
		}
		return float64(len(handler.locks.ActiveLocks()))
	})
	handler.peersGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wavechat_peer_instances",
		Help: "Number of known peer instances.",
	}, func() float64 {
		if handler.bus == nil {
			return 0
		}
		return float64(len(handler.bus.Peers()))
	})
	handler.uptimeGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wavechat_uptime_seconds",
		Help: "Seconds since instance start.",
	}, func() float64 {
		return handler.clock().Sub(handler.startedAt).Seconds()
	})
	handler.drainedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wavechat_drain_requests_total",
		Help: "Number of drain requests received.",
	})
	handler.registry.MustRegister(
		handler.sessionsGauge,
		handler.locksGauge,
		handler.peersGauge,
		handler.uptimeGauge,
		handler.drainedCounter,
	)

	return handler
}

// Register mounts the status routes.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/health", h.handleLiveness)
	group.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	instance := group.Group("/api/instance-status")
	instance.GET("/health", h.handleAggregateHealth)
	instance.GET("/detailed", h.handleDetailed)
	instance.GET("/load-metrics", h.handleLoadMetrics)
	instance.POST("/drain", h.handleDrain)
	instance.GET("/peers", h.handlePeers)
}

func (h *Handler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.clock().UnixMilli(),
		"env":       h.environment,
	})
}

func (h *Handler) memoryPercent() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.Sys == 0 {
		return 0
	}
	return float64(stats.HeapAlloc) / float64(stats.Sys) * 100
}

func (h *Handler) handleAggregateHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), peerProbeTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if h.hot != nil {
		if err := h.hot.Ping(ctx); err != nil {
			checks["redis"] = "unhealthy"
			healthy = false
		} else {
			checks["redis"] = "healthy"
		}
		if h.hot.Status().Degraded {
			checks["redis"] = "degraded"
		}
	}
	if h.durable != nil {
		if err := h.durable.Ping(ctx); err != nil {
			checks["mongodb"] = "unhealthy"
			healthy = false
		} else {
			checks["mongodb"] = "healthy"
		}
	}
	memory := h.memoryPercent()
	checks["memoryPercent"] = memory
	if memory > 95 {
		healthy = false
	}

	statusCode := http.StatusOK
	statusText := "healthy"
	if !healthy {
		statusCode = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}
	c.JSON(statusCode, gin.H{
		"status":     statusText,
		"instanceId": h.instanceID,
		"timestamp":  h.clock().UnixMilli(),
		"checks":     checks,
	})
}

func (h *Handler) handleDetailed(c *gin.Context) {
	body := gin.H{
		"instanceId": h.instanceID,
		"timestamp":  h.clock().UnixMilli(),
		"uptimeMs":   h.clock().Sub(h.startedAt).Milliseconds(),
	}
	if h.hot != nil {
		body["redis"] = h.hot.Status()
	}
	if h.bus != nil {
		body["peers"] = h.bus.Peers()
		body["crossInstanceInitialised"] = h.bus.Initialised()
	}
	if h.replication != nil {
		body["replication"] = h.replication.Stats()
	}
	if h.worker != nil {
		body["syncWorker"] = h.worker.Stats()
	}
	if h.locks != nil {
		body["activeLocks"] = h.locks.ActiveLocks()
	}
	if h.hub != nil {
		body["activeSessions"] = h.hub.ActiveSessions()
		body["draining"] = h.hub.Draining()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) handleLoadMetrics(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := h.clock().Sub(h.startedAt)
	activeLocks := 0
	if h.locks != nil {
		activeLocks = len(h.locks.ActiveLocks())
	}
	activeSessions := 0
	if h.hub != nil {
		activeSessions = h.hub.ActiveSessions()
	}
	peerCount := 0
	busInitialised := false
	if h.bus != nil {
		peerCount = len(h.bus.Peers())
		busInitialised = h.bus.Initialised()
	}
	memoryPercent := h.memoryPercent()

	c.JSON(http.StatusOK, gin.H{
		"instanceId":        h.instanceID,
		"uptimeSeconds":     uptime.Seconds(),
		"memory":            gin.H{"heapAlloc": memStats.HeapAlloc, "sys": memStats.Sys, "percent": memoryPercent},
		"cpuCount":          runtime.NumCPU(),
		"goroutines":        runtime.NumGoroutine(),
		"loadAverage":       readLoadAverage(),
		"activeConnections": activeSessions,
		"activeLocks":       activeLocks,
		"peerCount":         peerCount,
		"availabilityScore": AvailabilityScore(memoryPercent, uptime, activeLocks, busInitialised),
	})
}

// AvailabilityScore derives the 0-100 load score published for the load
// balancer. Memory above 80% penalises linearly, short uptime forfeits its
// bonus, more than 10 held locks penalises per lock, and an uninitialised
// cross-instance plane subtracts 20.
func AvailabilityScore(memoryPercent float64, uptime time.Duration, activeLocks int, busInitialised bool) float64 {
	score := 90.0
	if uptime >= time.Hour {
		score += 10
	}
	if memoryPercent > 80 {
		score -= (memoryPercent - 80) * 2
	}
	if activeLocks > 10 {
		score -= float64(activeLocks - 10)
	}
	if !busInitialised {
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func readLoadAverage() []float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return nil
	}
	loads := make([]float64, 0, 3)
	for _, field := range fields[:3] {
		var value float64
		if _, err := fmt.Sscanf(field, "%f", &value); err != nil {
			return nil
		}
		loads = append(loads, value)
	}
	return loads
}

func (h *Handler) handleDrain(c *gin.Context) {
	activeSessions := 0
	if h.hub != nil {
		activeSessions = h.hub.ActiveSessions()
		h.hub.SetDraining(true)
	}
	h.drainedCounter.Inc()
	h.logger.Info("drain mode enabled", zap.Int("active_sessions", activeSessions))

	// Rough estimate: sessions wind down at roughly ten per second.
	estimatedMs := int64(activeSessions) * 100
	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"draining":             true,
		"rejectNewConnections": true,
		"activeConnections":    activeSessions,
		"estimatedDrainTimeMs": estimatedMs,
	})
}

type peerProbe struct {
	crossinstance.PeerInfo
	Healthy bool            `json:"healthy"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (h *Handler) handlePeers(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusOK, gin.H{"peers": []peerProbe{}})
		return
	}
	peers := h.bus.Peers()
	probes := make([]peerProbe, 0, len(peers))
	for _, peer := range peers {
		probe := peerProbe{PeerInfo: peer}
		if peer.HTTPURL != "" {
			probe.Healthy, probe.Detail = h.probePeer(c.Request.Context(), peer.HTTPURL)
		}
		probes = append(probes, probe)
	}
	c.JSON(http.StatusOK, gin.H{"peers": probes})
}

func (h *Handler) probePeer(ctx context.Context, baseURL string) (bool, json.RawMessage) {
	probeCtx, cancel := context.WithTimeout(ctx, peerProbeTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/health", nil)
	if err != nil {
		return false, nil
	}
	response, err := h.httpClient.Do(request)
	if err != nil {
		return false, nil
	}
	defer response.Body.Close()

	var detail json.RawMessage
	if err := json.NewDecoder(response.Body).Decode(&detail); err != nil {
		detail = nil
	}
	return response.StatusCode == http.StatusOK, detail
}
