package replication

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/durable"
)

const initialSyncWindow = 24 * time.Hour

// Collections replicated between peer durable tiers.
var replicatedCollections = []string{"messages", "users", "rooms"}

// peerStore is the durable-tier surface needed on each side of replication.
type peerStore interface {
	UpsertRaw(ctx context.Context, collection string, id interface{}, document bson.M) error
	FindRawByID(ctx context.Context, collection string, id interface{}) (bson.M, error)
	DeleteRawByID(ctx context.Context, collection string, id interface{}) error
}

// localStore adds the change-stream and initial-sync surface of the local
// durable tier.
type localStore interface {
	peerStore
	Watch(ctx context.Context, collection, selfInstanceID string) (*mongo.ChangeStream, error)
	RecentMessagesExcludingInstance(ctx context.Context, since int64, instanceID string) ([]durable.Message, error)
}

// Stats snapshots replication throughput for the status surface.
type Stats struct {
	Replicated     int64 `json:"replicated"`
	Deleted        int64 `json:"deleted"`
	LocalWins      int64 `json:"localWins"`
	RemoteWins     int64 `json:"remoteWins"`
	InitialSynced  int64 `json:"initialSynced"`
	PeerWriteFails int64 `json:"peerWriteFails"`
}

// Replicator tails the local durable tier's change streams and replays
// mutations into every peer durable tier with last-write-wins resolution.
type Replicator struct {
	local      localStore
	peers      []peerStore
	instanceID string
	clock      func() time.Time
	logger     *zap.Logger

	replicated     atomic.Int64
	deleted        atomic.Int64
	localWins      atomic.Int64
	remoteWins     atomic.Int64
	initialSynced  atomic.Int64
	peerWriteFails atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReplicatorConfig configures a Replicator.
type ReplicatorConfig struct {
	Local      localStore
	Peers      []peerStore
	InstanceID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewReplicator constructs a replicator.
func NewReplicator(cfg ReplicatorConfig) (*Replicator, error) {
	if cfg.Local == nil {
		return nil, errors.New("replication: local store is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("replication: instance id is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		local:      cfg.Local,
		peers:      cfg.Peers,
		instanceID: cfg.InstanceID,
		clock:      clock,
		logger:     logger,
	}, nil
}

// PeerMongoURI derives a peer durable-tier URI from its HTTP base URL using
// the deployment's fixed port mapping (5001↔27017, 5002↔27018, 5003↔27019).
func PeerMongoURI(httpURL string) (string, error) {
	parsed, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("replication: parse peer url: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("replication: peer url %q has no host", httpURL)
	}
	var mongoPort string
	switch parsed.Port() {
	case "5001":
		mongoPort = "27017"
	case "5002":
		mongoPort = "27018"
	case "5003":
		mongoPort = "27019"
	default:
		return "", fmt.Errorf("replication: no durable-tier mapping for port %q", parsed.Port())
	}
	return fmt.Sprintf("mongodb://%s:%s/wavechat", host, mongoPort), nil
}

// Start runs the initial sync and launches one change-stream tail per
// replicated collection.
func (r *Replicator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.initialSync(loopCtx); err != nil {
		r.logger.Warn("replication initial sync failed", zap.Error(err))
	}

	for _, collection := range replicatedCollections {
		stream, err := r.local.Watch(loopCtx, collection, r.instanceID)
		if err != nil {
			cancel()
			return fmt.Errorf("replication: watch %s: %w", collection, err)
		}
		r.wg.Add(1)
		go r.tail(loopCtx, collection, stream)
	}
	return nil
}

// Stop cancels the tails and waits for them to drain.
func (r *Replicator) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

// Stats snapshots replication counters.
func (r *Replicator) Stats() Stats {
	return Stats{
		Replicated:     r.replicated.Load(),
		Deleted:        r.deleted.Load(),
		LocalWins:      r.localWins.Load(),
		RemoteWins:     r.remoteWins.Load(),
		InitialSynced:  r.initialSynced.Load(),
		PeerWriteFails: r.peerWriteFails.Load(),
	}
}

func (r *Replicator) initialSync(ctx context.Context) error {
	since := r.clock().Add(-initialSyncWindow).UnixMilli()
	messages, err := r.local.RecentMessagesExcludingInstance(ctx, since, r.instanceID)
	if err != nil {
		return err
	}
	for _, message := range messages {
		document := messageToRaw(message)
		r.replicateToAllPeers(ctx, "messages", message.ID, document)
		r.initialSynced.Add(1)
	}
	return nil
}

func messageToRaw(message durable.Message) bson.M {
	raw, err := bson.Marshal(message)
	if err != nil {
		return bson.M{"_id": message.ID}
	}
	var document bson.M
	if err := bson.Unmarshal(raw, &document); err != nil {
		return bson.M{"_id": message.ID}
	}
	return document
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   bson.M `bson:"documentKey"`
}

func (r *Replicator) tail(ctx context.Context, collection string, stream *mongo.ChangeStream) {
	defer r.wg.Done()
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var event changeEvent
		if err := stream.Decode(&event); err != nil {
			r.logger.Warn("undecodable change event",
				zap.String("collection", collection),
				zap.Error(err))
			continue
		}
		r.Apply(ctx, collection, event.OperationType, event.DocumentKey["_id"], event.FullDocument)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn("change stream ended",
			zap.String("collection", collection),
			zap.Error(err))
	}
}

// Apply replays one change event into the peer tiers, resolving conflicts
// per peer.
func (r *Replicator) Apply(ctx context.Context, collection, operationType string, id interface{}, document bson.M) {
	if id == nil {
		return
	}
	if operationType == "delete" {
		for _, peer := range r.peers {
			if err := peer.DeleteRawByID(ctx, collection, id); err != nil {
				r.peerWriteFails.Add(1)
				r.logger.Warn("peer delete failed",
					zap.String("collection", collection),
					zap.Error(err))
			}
		}
		r.deleted.Add(1)
		return
	}
	if document == nil {
		return
	}

	annotated := r.annotate(document)
	for _, peer := range r.peers {
		existing, err := peer.FindRawByID(ctx, collection, id)
		if err != nil && !errors.Is(err, durable.ErrNotFound) {
			r.peerWriteFails.Add(1)
			continue
		}

		outcome := resolveConflict(existing, annotated)
		if outcome.RemoteWins {
			if err := r.updateLocalDocument(ctx, peer, collection, id, annotated); err != nil {
				r.peerWriteFails.Add(1)
				r.logger.Warn("peer upsert failed",
					zap.String("collection", collection),
					zap.Error(err))
				continue
			}
			r.remoteWins.Add(1)
		} else {
			// The peer holds the newer version: push it back out so every
			// tier converges on the winner.
			r.localWins.Add(1)
			r.replicateToAllPeers(ctx, collection, id, existing)
			if err := r.updateLocalDocument(ctx, r.local, collection, id, existing); err != nil {
				r.logger.Warn("local rewind failed",
					zap.String("collection", collection),
					zap.Error(err))
			}
		}
	}
	r.replicated.Add(1)
}

func (r *Replicator) annotate(document bson.M) bson.M {
	now := r.clock().UnixMilli()
	annotated := make(bson.M, len(document)+4)
	for key, value := range document {
		annotated[key] = value
	}
	annotated["replicatedFrom"] = r.instanceID
	annotated["replicatedAt"] = now
	if _, ok := annotated["lastModifiedBy"]; !ok {
		annotated["lastModifiedBy"] = r.instanceID
	}
	annotated["lastModifiedAt"] = now
	return annotated
}

// updateLocalDocument overwrites one tier's copy with the conflict winner.
func (r *Replicator) updateLocalDocument(ctx context.Context, store peerStore, collection string, id interface{}, document bson.M) error {
	return store.UpsertRaw(ctx, collection, id, document)
}

// replicateToAllPeers pushes a document into every peer tier unconditionally.
func (r *Replicator) replicateToAllPeers(ctx context.Context, collection string, id interface{}, document bson.M) {
	for _, peer := range r.peers {
		if err := peer.UpsertRaw(ctx, collection, id, document); err != nil {
			r.peerWriteFails.Add(1)
			r.logger.Warn("peer replication failed",
				zap.String("collection", collection),
				zap.Error(err))
		}
	}
}

// ConnectPeers opens durable-tier stores for each peer HTTP URL, skipping
// peers whose port has no durable-tier mapping.
func ConnectPeers(ctx context.Context, peerHTTPURLs []string, logger *zap.Logger) []peerStore {
	var peers []peerStore
	for _, httpURL := range peerHTTPURLs {
		uri, err := PeerMongoURI(httpURL)
		if err != nil {
			logger.Warn("skipping peer without durable-tier mapping",
				zap.String("peer", httpURL),
				zap.Error(err))
			continue
		}
		store, err := durable.Connect(ctx, uri, logger)
		if err != nil {
			logger.Warn("peer durable tier unreachable",
				zap.String("peer", strings.TrimSpace(httpURL)),
				zap.Error(err))
			continue
		}
		peers = append(peers, store)
	}
	return peers
}
