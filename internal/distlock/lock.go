package distlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/hottier"
)

const (
	keyPrefix = "distributed_lock:"

	DefaultTTL        = 30 * time.Second
	DefaultRetries    = 50
	acquireRetryDelay = 100 * time.Millisecond

	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	renewScript   = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// ErrNotAcquired is returned once the acquire retry budget is exhausted.
var ErrNotAcquired = errors.New("Failed to acquire distributed lock")

// lockStore is the slice of the hot tier the lock service needs.
type lockStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

type lockRecord struct {
	value      string
	ttl        time.Duration
	acquiredAt time.Time
	cancel     context.CancelFunc // non-nil while auto-renewal runs
}

// Service provides mutual exclusion over a shared key space. Ownership is
// holder-token equality; a failed renew means ownership is already lost.
type Service struct {
	store      lockStore
	instanceID string
	clock      func() time.Time
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*lockRecord
}

// ServiceConfig configures the lock service.
type ServiceConfig struct {
	Store      lockStore
	InstanceID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewService constructs a lock service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("distlock: store is required")
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, errors.New("distlock: instance id is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      cfg.Store,
		instanceID: cfg.InstanceID,
		clock:      clock,
		logger:     logger,
		locks:      make(map[string]*lockRecord),
	}, nil
}

func (s *Service) key(resource string) string {
	return keyPrefix + resource
}

func (s *Service) newToken() string {
	nonce := uuid.NewString()[:8]
	return fmt.Sprintf("%s:%d:%s", s.instanceID, s.clock().UnixMilli(), nonce)
}

// Acquire attempts SET NX PX with bounded retries at 100 ms cadence.
func (s *Service) Acquire(ctx context.Context, resource string, ttl time.Duration, retries int) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retries <= 0 {
		retries = DefaultRetries
	}
	key := s.key(resource)
	value := s.newToken()

	for attempt := 0; attempt < retries; attempt++ {
		acquired, err := s.store.SetNX(ctx, key, value, ttl)
		if err != nil {
			return fmt.Errorf("distlock: acquire %s: %w", resource, err)
		}
		if acquired {
			s.mu.Lock()
			s.locks[resource] = &lockRecord{value: value, ttl: ttl, acquiredAt: s.clock()}
			s.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireRetryDelay):
		}
	}
	return fmt.Errorf("%w: %s", ErrNotAcquired, resource)
}

// Release atomically deletes the key only when this instance still holds it.
func (s *Service) Release(ctx context.Context, resource string) (bool, error) {
	s.mu.Lock()
	record, held := s.locks[resource]
	if held {
		if record.cancel != nil {
			record.cancel()
		}
		delete(s.locks, resource)
	}
	s.mu.Unlock()
	if !held {
		return false, nil
	}

	result, err := s.store.Eval(ctx, releaseScript, []string{s.key(resource)}, record.value)
	if err != nil {
		if hottier.HasCategory(err, hottier.CategoryUnsupported) {
			return s.releaseDirect(ctx, resource, record.value)
		}
		return false, fmt.Errorf("distlock: release %s: %w", resource, err)
	}
	return evalBool(result), nil
}

// releaseDirect is the degraded-mode path: the fallback store has no script
// engine, and the process is the only writer while degraded.
func (s *Service) releaseDirect(ctx context.Context, resource, value string) (bool, error) {
	current, ok, err := s.store.Get(ctx, s.key(resource))
	if err != nil || !ok || current != value {
		return false, err
	}
	if err := s.store.Del(ctx, s.key(resource)); err != nil {
		return false, err
	}
	return true, nil
}

// Renew extends the TTL only while this instance holds the lock. A false
// return means ownership is lost and must not be assumed again.
func (s *Service) Renew(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	record, held := s.locks[resource]
	s.mu.Unlock()
	if !held {
		return false, nil
	}
	if ttl <= 0 {
		ttl = record.ttl
	}

	result, err := s.store.Eval(ctx, renewScript, []string{s.key(resource)}, record.value, ttl.Milliseconds())
	if err != nil {
		if hottier.HasCategory(err, hottier.CategoryUnsupported) {
			return s.renewDirect(ctx, resource, record.value, ttl)
		}
		return false, fmt.Errorf("distlock: renew %s: %w", resource, err)
	}
	renewed := evalBool(result)
	if !renewed {
		s.dropLocal(resource)
	}
	return renewed, nil
}

func (s *Service) renewDirect(ctx context.Context, resource, value string, ttl time.Duration) (bool, error) {
	current, ok, err := s.store.Get(ctx, s.key(resource))
	if err != nil {
		return false, err
	}
	if !ok || current != value {
		s.dropLocal(resource)
		return false, nil
	}
	renewed, err := s.store.Expire(ctx, s.key(resource), ttl)
	if err != nil {
		return false, err
	}
	return renewed, nil
}

func (s *Service) dropLocal(resource string) {
	s.mu.Lock()
	if record, ok := s.locks[resource]; ok {
		if record.cancel != nil {
			record.cancel()
		}
		delete(s.locks, resource)
	}
	s.mu.Unlock()
}

// EnableAutoRenewal renews the lock on the given interval until renewal
// fails or the lock is released. A failed renew disables auto-renewal and
// lets the lock expire.
func (s *Service) EnableAutoRenewal(resource string, interval time.Duration) {
	s.mu.Lock()
	record, held := s.locks[resource]
	if !held || record.cancel != nil {
		s.mu.Unlock()
		return
	}
	renewCtx, cancel := context.WithCancel(context.Background())
	record.cancel = cancel
	ttl := record.ttl
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				renewed, err := s.Renew(renewCtx, resource, ttl)
				if err != nil || !renewed {
					s.logger.Warn("lock auto-renewal stopped",
						zap.String("resource", resource),
						zap.Bool("renewed", renewed),
						zap.Error(err))
					s.dropLocal(resource)
					return
				}
			}
		}
	}()
}

// IsLockOwner compares the stored token with this instance's record.
func (s *Service) IsLockOwner(ctx context.Context, resource string) (bool, error) {
	s.mu.Lock()
	record, held := s.locks[resource]
	s.mu.Unlock()
	if !held {
		return false, nil
	}
	current, ok, err := s.store.Get(ctx, s.key(resource))
	if err != nil {
		return false, fmt.Errorf("distlock: owner check %s: %w", resource, err)
	}
	return ok && current == record.value, nil
}

// CleanupExpiredLocks drops local records whose keys expired in the hot tier.
func (s *Service) CleanupExpiredLocks(ctx context.Context) int {
	s.mu.Lock()
	resources := make([]string, 0, len(s.locks))
	for resource := range s.locks {
		resources = append(resources, resource)
	}
	s.mu.Unlock()

	cleaned := 0
	for _, resource := range resources {
		count, err := s.store.Exists(ctx, s.key(resource))
		if err != nil {
			continue
		}
		if count == 0 {
			s.dropLocal(resource)
			cleaned++
		}
	}
	return cleaned
}

// ActiveLocks lists locally held lock resources for the status surface.
func (s *Service) ActiveLocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	resources := make([]string, 0, len(s.locks))
	for resource := range s.locks {
		resources = append(resources, resource)
	}
	return resources
}

// Shutdown releases every locally held lock.
func (s *Service) Shutdown(ctx context.Context) {
	for _, resource := range s.ActiveLocks() {
		if _, err := s.Release(ctx, resource); err != nil {
			s.logger.Warn("lock release failed during shutdown",
				zap.String("resource", resource),
				zap.Error(err))
		}
	}
}

func evalBool(result interface{}) bool {
	switch typed := result.(type) {
	case int64:
		return typed == 1
	case string:
		return typed == "1" || strings.EqualFold(typed, "ok")
	default:
		return false
	}
}
