package crossinstance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/hottier"
	"github.com/wavechat/backend/internal/messagecache"
)

const (
	ChannelMessageSync       = "cross_instance:message_sync"
	ChannelCacheInvalidation = "cross_instance:cache_invalidation"
	ChannelHealthCheck       = "cross_instance:health_check"
	ChannelDiscovery         = "cross_instance:instance_discovery"

	// Peer replicas listen at the master port offset by this amount.
	replicaPortOffset = 10000

	defaultHealthInterval = 10 * time.Second
)

// kvStore is the local hot-tier slice the bus mutates and publishes on.
type kvStore interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (hottier.Subscription, error)
	JsonSet(ctx context.Context, key, path string, value interface{}) error
	Exists(ctx context.Context, keys ...string) (int64, error)
	Del(ctx context.Context, keys ...string) error
}

// PeerClient is a connection to a peer instance's hot tier.
type PeerClient interface {
	Ping(ctx context.Context) error
	Close() error
}

// PeerDialer opens a connection to a peer hot tier.
type PeerDialer func(ctx context.Context, masterAddr, replicaAddr string) PeerClient

// PeerInfo describes a discovered peer for the status surface.
type PeerInfo struct {
	InstanceID string `json:"instanceId"`
	Endpoint   string `json:"endpoint"`
	HTTPURL    string `json:"httpUrl,omitempty"`
	LastSeen   int64  `json:"lastSeen"`
}

type peerConn struct {
	info   PeerInfo
	client PeerClient
}

// Bus is the cross-instance coordination plane: pub/sub eventing, peer
// discovery, and the peer hot-tier connection pool.
type Bus struct {
	store          kvStore
	dialer         PeerDialer
	instanceID     string
	endpoint       string
	serverPort     int
	healthInterval time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	mu    sync.Mutex
	peers map[string]*peerConn

	subscription hottier.Subscription
	cancel       context.CancelFunc
	done         chan struct{}

	initialised atomic.Bool
}

// BusConfig configures the bus.
type BusConfig struct {
	Store          kvStore
	Dialer         PeerDialer
	InstanceID     string
	Endpoint       string // host:port of this instance's hot-tier master
	ServerPort     int
	StaticPeers    []string // host:port endpoints from configuration
	HealthInterval time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewBus constructs the bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Store == nil {
		return nil, errors.New("crossinstance: store is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("crossinstance: instance id is required")
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &Bus{
		store:          cfg.Store,
		dialer:         cfg.Dialer,
		instanceID:     cfg.InstanceID,
		endpoint:       cfg.Endpoint,
		serverPort:     cfg.ServerPort,
		healthInterval: interval,
		clock:          clock,
		logger:         logger,
		peers:          make(map[string]*peerConn),
	}
	for _, endpoint := range cfg.StaticPeers {
		bus.connectPeer("", endpoint, "")
	}
	return bus, nil
}

// Envelope is the wire frame for every cross-instance event.
type Envelope struct {
	SourceInstance string          `json:"sourceInstance"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Start subscribes to the coordination channels, announces this instance,
// and begins the periodic health broadcast.
func (b *Bus) Start(ctx context.Context) error {
	subscription, err := b.store.Subscribe(ctx,
		ChannelMessageSync, ChannelCacheInvalidation, ChannelHealthCheck, ChannelDiscovery)
	if err != nil {
		return fmt.Errorf("crossinstance: subscribe: %w", err)
	}
	b.subscription = subscription

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(loopCtx)

	if err := b.broadcastDiscovery(ctx); err != nil {
		b.logger.Warn("discovery broadcast failed", zap.Error(err))
	}
	b.initialised.Store(true)
	return nil
}

// Initialised reports whether Start completed, for the availability score.
func (b *Bus) Initialised() bool {
	return b.initialised.Load()
}

// Stop closes the subscription, stops the loops, and closes peer
// connections.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	if b.subscription != nil {
		_ = b.subscription.Close()
	}
	b.mu.Lock()
	for endpoint, peer := range b.peers {
		if peer.client != nil {
			_ = peer.client.Close()
		}
		delete(b.peers, endpoint)
	}
	b.mu.Unlock()
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()

	messages := b.subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.broadcastHealth(ctx); err != nil {
				b.logger.Warn("health broadcast failed", zap.Error(err))
			}
		case message, ok := <-messages:
			if !ok {
				return
			}
			b.dispatch(ctx, message)
		}
	}
}

func (b *Bus) publish(ctx context.Context, channel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("crossinstance: marshal payload: %w", err)
	}
	envelope, err := json.Marshal(Envelope{
		SourceInstance: b.instanceID,
		Timestamp:      b.clock().UnixMilli(),
		Payload:        raw,
	})
	if err != nil {
		return fmt.Errorf("crossinstance: marshal envelope: %w", err)
	}
	return b.store.Publish(ctx, channel, string(envelope))
}

type messageSyncPayload struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// BroadcastMessageSync publishes a cache mutation to peer instances.
func (b *Bus) BroadcastMessageSync(ctx context.Context, operation string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("crossinstance: marshal message sync: %w", err)
	}
	return b.publish(ctx, ChannelMessageSync, messageSyncPayload{Operation: operation, Data: data})
}

type invalidationPayload struct {
	Keys []string `json:"keys"`
}

// BroadcastCacheInvalidation asks peers to drop the given cache keys.
func (b *Bus) BroadcastCacheInvalidation(ctx context.Context, keys []string) error {
	return b.publish(ctx, ChannelCacheInvalidation, invalidationPayload{Keys: keys})
}

type healthPayload struct {
	Kind   string `json:"kind"` // ping or pong
	Status string `json:"status"`
}

func (b *Bus) broadcastHealth(ctx context.Context) error {
	return b.publish(ctx, ChannelHealthCheck, healthPayload{Kind: "ping", Status: "healthy"})
}

type discoveryPayload struct {
	InstanceEndpoint string `json:"instanceEndpoint"`
	ServerPort       int    `json:"serverPort"`
}

func (b *Bus) broadcastDiscovery(ctx context.Context) error {
	return b.publish(ctx, ChannelDiscovery, discoveryPayload{
		InstanceEndpoint: b.endpoint,
		ServerPort:       b.serverPort,
	})
}

func (b *Bus) dispatch(ctx context.Context, message hottier.SubMessage) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
		b.logger.Warn("malformed cross-instance event",
			zap.String("channel", message.Channel),
			zap.Error(err))
		return
	}
	if envelope.SourceInstance == b.instanceID {
		return
	}

	switch message.Channel {
	case ChannelMessageSync:
		b.handleMessageSync(ctx, envelope)
	case ChannelCacheInvalidation:
		b.handleCacheInvalidation(ctx, envelope)
	case ChannelHealthCheck:
		b.handleHealthCheck(ctx, envelope)
	case ChannelDiscovery:
		b.handleDiscovery(ctx, envelope)
	}
}

// HandleEvent exposes dispatch for tests and for replaying buffered events.
func (b *Bus) HandleEvent(ctx context.Context, message hottier.SubMessage) {
	b.dispatch(ctx, message)
}

func (b *Bus) handleMessageSync(ctx context.Context, envelope Envelope) {
	var payload messageSyncPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		b.logger.Warn("malformed message-sync payload", zap.Error(err))
		return
	}
	var document struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(payload.Data, &document); err != nil || document.ID == "" {
		b.logger.Warn("message-sync payload missing id", zap.Error(err))
		return
	}
	cacheKey := messagecache.KeyPrefix + document.ID

	switch payload.Operation {
	case "CREATE_MESSAGE":
		count, err := b.store.Exists(ctx, cacheKey)
		if err != nil || count > 0 {
			return
		}
		if err := b.store.JsonSet(ctx, cacheKey, "$", string(payload.Data)); err != nil {
			b.logger.Warn("peer message cache write failed",
				zap.String("key", cacheKey),
				zap.Error(err))
		}
	case "UPDATE_MESSAGE":
		count, err := b.store.Exists(ctx, cacheKey)
		if err != nil || count == 0 {
			return
		}
		if err := b.store.JsonSet(ctx, cacheKey, "$", string(payload.Data)); err != nil {
			b.logger.Warn("peer message cache overwrite failed",
				zap.String("key", cacheKey),
				zap.Error(err))
		}
	}
}

func (b *Bus) handleCacheInvalidation(ctx context.Context, envelope Envelope) {
	var payload invalidationPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		b.logger.Warn("malformed invalidation payload", zap.Error(err))
		return
	}
	if len(payload.Keys) == 0 {
		return
	}
	if err := b.store.Del(ctx, payload.Keys...); err != nil {
		b.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

func (b *Bus) handleHealthCheck(ctx context.Context, envelope Envelope) {
	b.touchPeer(envelope.SourceInstance)
	var payload healthPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return
	}
	if payload.Kind == "ping" {
		if err := b.publish(ctx, ChannelHealthCheck, healthPayload{Kind: "pong", Status: "healthy"}); err != nil {
			b.logger.Warn("health reply failed", zap.Error(err))
		}
	}
}

func (b *Bus) handleDiscovery(_ context.Context, envelope Envelope) {
	var payload discoveryPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		b.logger.Warn("malformed discovery payload", zap.Error(err))
		return
	}
	if payload.InstanceEndpoint == "" || payload.InstanceEndpoint == b.endpoint {
		return
	}
	httpURL := ""
	if payload.ServerPort > 0 {
		if host, _, err := net.SplitHostPort(payload.InstanceEndpoint); err == nil {
			httpURL = fmt.Sprintf("http://%s:%d", host, payload.ServerPort)
		}
	}
	b.connectPeer(envelope.SourceInstance, payload.InstanceEndpoint, httpURL)
}

func (b *Bus) connectPeer(instanceID, endpoint, httpURL string) {
	b.mu.Lock()
	existing, known := b.peers[endpoint]
	if known {
		existing.info.LastSeen = b.clock().UnixMilli()
		if instanceID != "" {
			existing.info.InstanceID = instanceID
		}
		if httpURL != "" {
			existing.info.HTTPURL = httpURL
		}
		b.mu.Unlock()
		return
	}
	peer := &peerConn{info: PeerInfo{
		InstanceID: instanceID,
		Endpoint:   endpoint,
		HTTPURL:    httpURL,
		LastSeen:   b.clock().UnixMilli(),
	}}
	b.peers[endpoint] = peer
	b.mu.Unlock()

	if b.dialer == nil {
		return
	}
	replicaAddr := ""
	if host, portText, err := net.SplitHostPort(endpoint); err == nil {
		if port, convErr := strconv.Atoi(portText); convErr == nil {
			replicaAddr = net.JoinHostPort(host, strconv.Itoa(port+replicaPortOffset))
		}
	}
	client := b.dialer(context.Background(), endpoint, replicaAddr)
	b.mu.Lock()
	peer.client = client
	b.mu.Unlock()
	b.logger.Info("peer hot tier connected",
		zap.String("endpoint", endpoint),
		zap.String("instance_id", instanceID))
}

func (b *Bus) touchPeer(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, peer := range b.peers {
		if peer.info.InstanceID == instanceID {
			peer.info.LastSeen = b.clock().UnixMilli()
		}
	}
}

// Peers snapshots the peer pool.
func (b *Bus) Peers() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]PeerInfo, 0, len(b.peers))
	for _, peer := range b.peers {
		peers = append(peers, peer.info)
	}
	return peers
}

// PeerCount returns the size of the peer pool.
func (b *Bus) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}
