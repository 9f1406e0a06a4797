package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wavechat/backend/internal/durable"
)

const defaultCacheTTL = 5 * time.Minute

// userStore is the durable-tier slice behind the directory.
type userStore interface {
	FindUserByID(ctx context.Context, id string) (*durable.User, error)
	UpdateUserProfileImage(ctx context.Context, id, profileImage string) error
}

// ServiceConfig describes the dependencies for user resolution.
type ServiceConfig struct {
	Store    userStore
	CacheTTL time.Duration
	Clock    func() time.Time
}

// Service resolves externally-owned users with a short-lived in-process
// cache; sessions re-resolve their user on every handshake.
type Service struct {
	store    userStore
	cacheTTL time.Duration
	now      func() time.Time
	cache    sync.Map // user id -> cachedUser
}

type cachedUser struct {
	user     durable.User
	cachedAt time.Time
}

// NewService constructs the directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: store is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    cfg.Store,
		cacheTTL: ttl,
		now:      clock,
	}, nil
}

// FindUserByID returns the user, consulting the cache first. Entries expire
// lazily on read.
func (s *Service) FindUserByID(ctx context.Context, id string) (*durable.User, error) {
	if cached, ok := s.cache.Load(id); ok {
		entry, entryOk := cached.(cachedUser)
		if entryOk && s.now().Sub(entry.cachedAt) < s.cacheTTL {
			user := entry.user
			return &user, nil
		}
		s.cache.Delete(id)
	}

	user, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Store(id, cachedUser{user: *user, cachedAt: s.now()})
	copied := *user
	return &copied, nil
}

// UpdateProfileImage writes through to the durable tier and refreshes the
// cache entry. The profile image is the only user field the core mutates.
func (s *Service) UpdateProfileImage(ctx context.Context, id, profileImage string) error {
	if err := s.store.UpdateUserProfileImage(ctx, id, profileImage); err != nil {
		return err
	}
	if cached, ok := s.cache.Load(id); ok {
		if entry, entryOk := cached.(cachedUser); entryOk {
			entry.user.ProfileImage = profileImage
			entry.cachedAt = s.now()
			s.cache.Store(id, entry)
		}
	}
	return nil
}

// Invalidate drops a cached user, for cross-instance invalidation events.
func (s *Service) Invalidate(id string) {
	s.cache.Delete(id)
}

// IsNotFound reports whether the error is the durable not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, durable.ErrNotFound)
}
