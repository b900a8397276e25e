// Package directory is the Buddy Directory: a read view of learners that
// can be paired, backed by the synced profile store.
package directory

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Find limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// DefaultCacheSize is the number of profiles kept in memory.
const DefaultCacheSize = 1024

// Directory serves learner profiles through an LRU cache.
type Directory struct {
	store  interfaces.LearnerStore
	cache  *lru.Cache[string, types.LearnerProfile]
	logger *slog.Logger
}

// New creates a directory over store.
func New(store interfaces.LearnerStore, cacheSize int, logger *slog.Logger) (*Directory, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, types.LearnerProfile](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, cache: cache, logger: logger.With("component", "directory")}, nil
}

// Get returns a learner profile, or interfaces.ErrNotFound.
func (d *Directory) Get(ctx context.Context, learnerID string) (*types.LearnerProfile, error) {
	if p, ok := d.cache.Get(learnerID); ok {
		return &p, nil
	}

	p, err := d.store.GetLearner(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	d.cache.Add(learnerID, *p)
	return p, nil
}

// Find lists online learners the requester could pair with. The requester
// and every id in busy (learners already in a session) are excluded.
// Queued learners are still listed.
func (d *Directory) Find(ctx context.Context, requesterID, level string, limit int, busy []string) ([]*types.LearnerProfile, error) {
	if !types.IsValidUserID(requesterID) {
		return nil, types.ErrInvalidUserID
	}
	level = types.NormalizeLevel(level)
	if !types.IsValidLevel(level) {
		return nil, types.ErrInvalidLevel
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	exclude := make([]string, 0, len(busy)+1)
	exclude = append(exclude, requesterID)
	exclude = append(exclude, busy...)

	learners, err := d.store.FindLearners(ctx, interfaces.LearnerFilter{
		Level:      level,
		ExcludeIDs: exclude,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range learners {
		d.cache.Add(p.ID, *p)
	}
	return learners, nil
}

// Upsert validates and stores a profile pushed by the profile subsystem.
func (d *Directory) Upsert(ctx context.Context, p *types.LearnerProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := d.store.UpsertLearner(ctx, p); err != nil {
		return err
	}
	d.cache.Add(p.ID, *p)
	return nil
}

// Import upserts profiles in order and returns how many were stored. It
// stops at the first failure.
func (d *Directory) Import(ctx context.Context, profiles []*types.LearnerProfile) (int, error) {
	for i, p := range profiles {
		if err := d.Upsert(ctx, p); err != nil {
			return i, fmt.Errorf("learner %d (%q): %w", i, p.ID, err)
		}
	}
	d.logger.Info("Imported learners", "count", len(profiles))
	return len(profiles), nil
}

// SetPresence updates a learner's online flag.
func (d *Directory) SetPresence(ctx context.Context, learnerID string, online bool) error {
	if !types.IsValidUserID(learnerID) {
		return types.ErrInvalidUserID
	}
	d.cache.Remove(learnerID)
	return d.store.SetPresence(ctx, learnerID, online)
}

// CacheLen reports how many profiles are cached.
func (d *Directory) CacheLen() int {
	return d.cache.Len()
}
