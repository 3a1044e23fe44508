package shelf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shelfstore/shelf/internal/tenant"
)

// checkpointInterval is how many mutating operations pass between snapshot
// writes of the usage cache.
const checkpointInterval = 10

// TenantTree is the slice of the tenant service the accountant needs.
// GetTenant returns an immutable snapshot, so tenant fields are read here
// without holding the tree's lock.
type TenantTree interface {
	GetTenant(id string) (tenant.Info, error)
	Subtree(id string) ([]string, error)
	TenantIDs() []string
}

// UsageAccountant tracks how many bytes each tenant owns directly and
// answers quota questions by combining that with the tree shape.
//
// One process-wide mutex guards the cache and the checkpoint counter, so
// accounting calls for any tenant serialize against each other. The gap
// between a quota check and the subsequent chunk write is intentionally not
// covered by the lock; concurrent writers for the same tenant can each pass
// the check before either records usage.
type UsageAccountant struct {
	mu           sync.Mutex
	tree         TenantTree
	store        *ChunkStore
	snapshotPath string
	usage        map[string]int64
	opCount      int
	metrics      *Metrics
}

// NewUsageAccountant creates an accountant with an empty cache. Call Load to
// populate it from disk state.
func NewUsageAccountant(tree TenantTree, store *ChunkStore, snapshotPath string) *UsageAccountant {
	return &UsageAccountant{
		tree:         tree,
		store:        store,
		snapshotPath: snapshotPath,
		usage:        make(map[string]int64),
	}
}

// Load builds the cache by recomputing usage from metadata records and
// merging in the previous snapshot. The snapshot only contributes entries
// for tenants whose storage area no longer yields a computed value, so a
// tenant created but never written to is not dropped; computed values always
// win. Entries for tenants no longer in the tree are discarded.
func (ua *UsageAccountant) Load() error {
	computed, err := ua.scanMetadata()
	if err != nil {
		return err
	}

	snapshot := ua.loadSnapshot()
	for _, id := range ua.tree.TenantIDs() {
		if _, ok := computed[id]; ok {
			continue
		}
		if v, ok := snapshot[id]; ok {
			computed[id] = v
		}
	}

	ua.mu.Lock()
	ua.usage = computed
	ua.publishGaugesLocked()
	err = ua.checkpointLocked()
	ua.mu.Unlock()
	return err
}

// SetMetrics attaches accounting gauges that are refreshed on every cache
// change.
func (ua *UsageAccountant) SetMetrics(m *Metrics) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	ua.metrics = m
	ua.publishGaugesLocked()
}

// CanStoreData reports whether the tenant may store size more bytes.
//
// An admin tenant with limit 0 is unconditionally unlimited. Otherwise the
// tenant's whole subtree usage plus size must fit its own limit, and if the
// tenant has a parent, the parent's subtree usage (the shared pool) plus
// size must fit the parent's limit. The check walks one level up only, not
// the full ancestor chain.
func (ua *UsageAccountant) CanStoreData(tenantID string, size int64) bool {
	node, err := ua.tree.GetTenant(tenantID)
	if err != nil {
		return false
	}

	// Snapshot the parent before taking the accounting lock; both reads are
	// individually consistent, staleness across them is covered by the same
	// trade-off as the check/record gap.
	var parent *tenant.Info
	if node.ParentID != "" {
		if p, err := ua.tree.GetTenant(node.ParentID); err == nil {
			parent = &p
		}
	}

	ua.mu.Lock()
	defer ua.mu.Unlock()

	if node.StorageLimitBytes == 0 && node.IsAdmin {
		return true
	}

	subtreeUsage := ua.subtreeUsageLocked(tenantID)
	if subtreeUsage+size > node.StorageLimitBytes {
		return false
	}

	if parent == nil {
		return true
	}
	if parent.StorageLimitBytes == 0 && parent.IsAdmin {
		return true
	}
	return ua.subtreeUsageLocked(parent.ID)+size <= parent.StorageLimitBytes
}

// subtreeUsageLocked sums the direct usage of a tenant and all descendants.
func (ua *UsageAccountant) subtreeUsageLocked(tenantID string) int64 {
	ids, err := ua.tree.Subtree(tenantID)
	if err != nil {
		return 0
	}
	var total int64
	for _, id := range ids {
		total += ua.usage[id]
	}
	return total
}

// RecordUsed adds size bytes to the tenant's direct usage.
func (ua *UsageAccountant) RecordUsed(tenantID string, size int64) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	ua.usage[tenantID] += size
	ua.afterMutationLocked()
}

// RecordFreed subtracts size bytes from the tenant's direct usage, flooring
// at zero.
func (ua *UsageAccountant) RecordFreed(tenantID string, size int64) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	ua.usage[tenantID] -= size
	if ua.usage[tenantID] < 0 {
		ua.usage[tenantID] = 0
	}
	ua.afterMutationLocked()
}

// Forget drops a tenant's entry from the cache, e.g. after the tenant has
// been deleted from the tree.
func (ua *UsageAccountant) Forget(tenantID string) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	delete(ua.usage, tenantID)
	ua.afterMutationLocked()
}

func (ua *UsageAccountant) afterMutationLocked() {
	ua.publishGaugesLocked()
	ua.opCount++
	if ua.opCount%checkpointInterval == 0 {
		if err := ua.checkpointLocked(); err != nil {
			log.Warn().Err(err).Msg("usage checkpoint failed")
		}
	}
}

func (ua *UsageAccountant) publishGaugesLocked() {
	if ua.metrics == nil {
		return
	}
	var total int64
	for _, v := range ua.usage {
		total += v
	}
	ua.metrics.TenantsTracked.Set(float64(len(ua.usage)))
	ua.metrics.AccountedBytes.Set(float64(total))
}

// GetCurrentUsage returns the tenant's directly-owned bytes (0 if untracked).
func (ua *UsageAccountant) GetCurrentUsage(tenantID string) int64 {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.usage[tenantID]
}

// GetTotalUsageIncludingSubtenants returns the tenant's direct usage plus
// the recursive sum over all descendants; 0 if the tenant is unknown.
func (ua *UsageAccountant) GetTotalUsageIncludingSubtenants(tenantID string) int64 {
	if _, err := ua.tree.GetTenant(tenantID); err != nil {
		return 0
	}
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.subtreeUsageLocked(tenantID)
}

// RebuildFromMetadata walks every tenant's metadata area on disk, replaces
// the entire cache with the recomputed per-tenant totals, and checkpoints the
// result. Tenant directories not present in the current tree are discarded.
// Returns the number of tracked tenants and the total accounted bytes.
func (ua *UsageAccountant) RebuildFromMetadata() (int, int64, error) {
	computed, err := ua.scanMetadata()
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, v := range computed {
		total += v
	}

	ua.mu.Lock()
	ua.usage = computed
	ua.publishGaugesLocked()
	err = ua.checkpointLocked()
	count := len(computed)
	ua.mu.Unlock()

	log.Info().Int("tenants", count).Int64("total_bytes", total).Msg("usage cache rebuilt from metadata")
	return count, total, err
}

// scanMetadata recomputes per-tenant usage by summing file sizes across each
// tenant's metadata records. Records that fail to parse are skipped (and
// logged by the store). Directories for ids missing from the tree are
// ignored.
func (ua *UsageAccountant) scanMetadata() (map[string]int64, error) {
	dirs, err := ua.store.TenantDirs()
	if err != nil {
		return nil, fmt.Errorf("scan tenant dirs: %w", err)
	}

	computed := make(map[string]int64)
	for _, id := range dirs {
		if _, err := ua.tree.GetTenant(id); err != nil {
			log.Debug().Str("tenant", id).Msg("ignoring storage dir for tenant not in tree")
			continue
		}
		metas, err := ua.store.ListMetadata(id)
		if err != nil {
			log.Warn().Err(err).Str("tenant", id).Msg("skipping tenant during usage scan")
			continue
		}
		var sum int64
		for _, meta := range metas {
			sum += meta.FileSize
		}
		computed[id] = sum
	}
	return computed, nil
}

// Checkpoint forces a snapshot write of the cache.
func (ua *UsageAccountant) Checkpoint() error {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.checkpointLocked()
}

// checkpointLocked writes the whole cache to the snapshot file atomically.
func (ua *UsageAccountant) checkpointLocked() error {
	data, err := json.MarshalIndent(ua.usage, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage snapshot: %w", err)
	}

	dir := filepath.Dir(ua.snapshotPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".usage-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write usage snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, ua.snapshotPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename usage snapshot: %w", err)
	}
	return nil
}

// loadSnapshot reads the persisted usage snapshot; a missing or unreadable
// snapshot is treated as empty.
func (ua *UsageAccountant) loadSnapshot() map[string]int64 {
	data, err := os.ReadFile(ua.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", ua.snapshotPath).Msg("usage snapshot unreadable, starting empty")
		}
		return map[string]int64{}
	}

	var snapshot map[string]int64
	if err := json.Unmarshal(data, &snapshot); err != nil {
		log.Warn().Err(err).Str("path", ua.snapshotPath).Msg("usage snapshot corrupt, starting empty")
		return map[string]int64{}
	}
	return snapshot
}
