package policy

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Source is where the registry gets policies and their versions. The
// database-backed implementation lives alongside the org/RBAC schema.
type Source interface {
	// CurrentVersion returns org's current policy version, or false if the
	// org has no policy configured.
	CurrentVersion(ctx context.Context, orgID uuid.UUID) (int64, bool, error)
	// LoadPolicy loads org's current policy, or false if none is configured.
	LoadPolicy(ctx context.Context, orgID uuid.UUID) (OrgRbacPolicy, bool, error)
	// ListEnabledOrgs lists every org with a policy configured, for eager
	// preload at startup when lazy_load is false.
	ListEnabledOrgs(ctx context.Context) ([]uuid.UUID, error)
}

type cacheEntry struct {
	policy   OrgRbacPolicy
	version  int64
	loadedAt time.Time
	elem     *list.Element // position in the LRU list
}

// Registry caches OrgRbacPolicy entries per org as {policy, version,
// loaded_at} (spec §4.11). A read within version_check_ttl of the last load
// returns the cached policy without touching the source; otherwise it
// re-checks the source's current version and only reloads if it changed.
// Concurrent reads on the same org during a refresh share one in-flight
// load (golang.org/x/sync/singleflight), matching the single-flight
// requirement in spec §5's "Shared resources" list.
type Registry struct {
	source Source
	logger *slog.Logger

	versionCheckTTL   time.Duration
	maxCachedOrgs     int
	evictionBatchSize int
	lazyLoad          bool

	mu      sync.Mutex
	entries map[uuid.UUID]*cacheEntry
	lru     *list.List // front = most recently used

	group singleflight.Group
}

// RegistryConfig controls cache sizing and refresh cadence.
type RegistryConfig struct {
	VersionCheckTTL   time.Duration
	MaxCachedOrgs     int
	EvictionBatchSize int
	LazyLoad          bool
}

func NewRegistry(source Source, cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.EvictionBatchSize <= 0 {
		cfg.EvictionBatchSize = 1
	}
	return &Registry{
		source:            source,
		logger:            logger,
		versionCheckTTL:   cfg.VersionCheckTTL,
		maxCachedOrgs:     cfg.MaxCachedOrgs,
		evictionBatchSize: cfg.EvictionBatchSize,
		lazyLoad:          cfg.LazyLoad,
		entries:           make(map[uuid.UUID]*cacheEntry),
		lru:               list.New(),
	}
}

// PreloadAll loads every enabled org's policy at startup. Call this once
// when LazyLoad is false; a registry with LazyLoad true never calls it.
func (r *Registry) PreloadAll(ctx context.Context) error {
	orgIDs, err := r.source.ListEnabledOrgs(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled orgs for policy preload: %w", err)
	}
	for _, orgID := range orgIDs {
		if _, _, err := r.Get(ctx, orgID); err != nil {
			r.logger.Error("preloading org policy", "org_id", orgID, "error", err)
		}
	}
	r.logger.Info("preloaded org policies", "count", len(orgIDs))
	return nil
}

// Get returns org's current policy, consulting the source per the read
// algorithm in spec §4.11. The second return is false if org has no policy
// configured at all.
func (r *Registry) Get(ctx context.Context, orgID uuid.UUID) (OrgRbacPolicy, bool, error) {
	if policy, ok := r.freshCached(orgID); ok {
		return policy, true, nil
	}

	result, err, _ := r.group.Do(orgID.String(), func() (interface{}, error) {
		return r.refresh(ctx, orgID)
	})
	if err != nil {
		return OrgRbacPolicy{}, false, err
	}
	refreshed := result.(refreshResult)
	return refreshed.policy, refreshed.found, nil
}

type refreshResult struct {
	policy OrgRbacPolicy
	found  bool
}

// freshCached returns the cached policy if present and within TTL, without
// touching the source. Re-checked inside the singleflight group too, since
// another goroutine's concurrent refresh may have just satisfied us.
func (r *Registry) freshCached(orgID uuid.UUID) (OrgRbacPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[orgID]
	if !ok {
		return OrgRbacPolicy{}, false
	}
	if time.Since(entry.loadedAt) >= r.versionCheckTTL {
		return OrgRbacPolicy{}, false
	}
	r.lru.MoveToFront(entry.elem)
	return entry.policy, true
}

func (r *Registry) refresh(ctx context.Context, orgID uuid.UUID) (refreshResult, error) {
	if policy, ok := r.freshCached(orgID); ok {
		return refreshResult{policy: policy, found: true}, nil
	}

	r.mu.Lock()
	cached, hasCached := r.entries[orgID]
	r.mu.Unlock()

	currentVersion, found, err := r.source.CurrentVersion(ctx, orgID)
	if err != nil {
		return refreshResult{}, fmt.Errorf("checking policy version for org %s: %w", orgID, err)
	}
	if !found {
		r.evict(orgID)
		return refreshResult{}, nil
	}

	if hasCached && cached.version == currentVersion {
		r.mu.Lock()
		cached.loadedAt = time.Now()
		r.lru.MoveToFront(cached.elem)
		r.mu.Unlock()
		return refreshResult{policy: cached.policy, found: true}, nil
	}

	policy, found, err := r.source.LoadPolicy(ctx, orgID)
	if err != nil {
		return refreshResult{}, fmt.Errorf("loading policy for org %s: %w", orgID, err)
	}
	if !found {
		r.evict(orgID)
		return refreshResult{}, nil
	}

	r.store(orgID, policy)
	return refreshResult{policy: policy, found: true}, nil
}

func (r *Registry) store(orgID uuid.UUID, policy OrgRbacPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[orgID]; ok {
		entry.policy = policy
		entry.version = policy.Version
		entry.loadedAt = time.Now()
		r.lru.MoveToFront(entry.elem)
		return
	}

	entry := &cacheEntry{policy: policy, version: policy.Version, loadedAt: time.Now()}
	entry.elem = r.lru.PushFront(orgID)
	r.entries[orgID] = entry

	r.evictOverCapacityLocked()
}

func (r *Registry) evict(orgID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(orgID)
}

func (r *Registry) evictLocked(orgID uuid.UUID) {
	entry, ok := r.entries[orgID]
	if !ok {
		return
	}
	r.lru.Remove(entry.elem)
	delete(r.entries, orgID)
}

// evictOverCapacityLocked evicts the least-recently-used entries in batches
// of evictionBatchSize once the cache exceeds maxCachedOrgs, amortizing
// eviction cost across insertions (spec §4.11: "eviction is LRU in batches
// of eviction_batch_size to amortize eviction cost").
func (r *Registry) evictOverCapacityLocked() {
	if r.maxCachedOrgs <= 0 || len(r.entries) <= r.maxCachedOrgs {
		return
	}

	for i := 0; i < r.evictionBatchSize; i++ {
		back := r.lru.Back()
		if back == nil {
			return
		}
		orgID := back.Value.(uuid.UUID)
		r.evictLocked(orgID)
	}
}
