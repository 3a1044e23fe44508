package tenant

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// document is the persisted form of the tenant tree. Parent pointers are
// deliberately absent; they are rebuilt in memory on load.
type document struct {
	Tenants map[string]*Node `json:"tenants"`
}

// Service owns the in-memory tenant tree and its persisted document.
// All reads and writes of the tree go through the service's lock, which is
// independent of the usage accounting lock.
type Service struct {
	mu    sync.RWMutex
	path  string
	roots map[string]*Node

	watcher *Watcher
	reloads atomic.Int64
}

// NewService loads the tenant tree from path, or starts empty if the file
// does not exist yet.
func NewService(path string) (*Service, error) {
	s := &Service{
		path:  path,
		roots: make(map[string]*Node),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat tenant config: %w", err)
	}

	return s, nil
}

// Path returns the tenant configuration file path.
func (s *Service) Path() string {
	return s.path
}

// StartWatcher begins watching the tenant configuration file for external
// edits. A detected change triggers a reload after a short settle delay.
func (s *Service) StartWatcher() error {
	w, err := NewWatcher(s.path, func() {
		if err := s.Reload(); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("tenant config reload after external change failed")
			return
		}
		log.Info().Str("path", s.path).Msg("tenant config reloaded after external change")
	})
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Close tears down the file watcher, if one was started.
func (s *Service) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Reload re-reads the persisted document, rebuilds all parent pointers and
// atomically swaps the published tree. On any error the current tree stays
// in place.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tenant config: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse tenant config: %w", err)
	}
	if doc.Tenants == nil {
		doc.Tenants = make(map[string]*Node)
	}

	// Rebuild parent pointers before the tree becomes visible to readers.
	for _, root := range doc.Tenants {
		root.linkParents()
	}

	s.mu.Lock()
	s.roots = doc.Tenants
	s.mu.Unlock()
	s.reloads.Add(1)
	return nil
}

// Reloads reports how many times the tree has been (re)loaded from disk.
func (s *Service) Reloads() int64 {
	return s.reloads.Load()
}

// GetTenant resolves a tenant id anywhere in the tree and returns a snapshot
// of it. Ids are compared byte-for-byte; there is no case normalization.
// Live nodes never leave the lock.
func (s *Service) GetTenant(id string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, err := s.findLocked(id)
	if err != nil {
		return Info{}, err
	}
	return node.info(), nil
}

func (s *Service) findLocked(id string) (*Node, error) {
	if root, ok := s.roots[id]; ok {
		return root, nil
	}
	for _, root := range s.roots {
		if found := root.find(id); found != nil {
			return found, nil
		}
	}
	return nil, fmt.Errorf("tenant %q: %w", id, ErrNotFound)
}

// FindByAPIKey resolves the tenant owning the given API key and returns a
// snapshot of it.
func (s *Service) FindByAPIKey(key string) (Info, error) {
	if key == "" {
		return Info{}, fmt.Errorf("empty api key: %w", ErrInvalidArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.roots {
		if found := root.findByAPIKey(key); found != nil {
			return found.info(), nil
		}
	}
	return Info{}, fmt.Errorf("api key: %w", ErrNotFound)
}

// TenantIDs returns the ids of every tenant in the tree.
func (s *Service) TenantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, root := range s.roots {
		ids = root.subtreeIDs(ids)
	}
	return ids
}

// Subtree returns the ids of the given tenant and all its descendants.
func (s *Service) Subtree(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	return node.subtreeIDs(nil), nil
}

// AddRootTenant creates a top-level tenant with a human-chosen id and returns
// its generated API key.
func (s *Service) AddRootTenant(id, displayName string, storageLimitBytes int64, isAdmin bool) (string, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(displayName) == "" {
		return "", fmt.Errorf("id and display name must not be blank: %w", ErrInvalidArgument)
	}
	if storageLimitBytes < 0 {
		return "", fmt.Errorf("storage limit must not be negative: %w", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.findLocked(id); err == nil {
		return "", fmt.Errorf("tenant %q: %w", id, ErrTenantExists)
	}

	apiKey, err := s.generateAPIKeyLocked()
	if err != nil {
		return "", err
	}

	s.roots[id] = &Node{
		ID:                id,
		APIKey:            apiKey,
		DisplayName:       displayName,
		StorageLimitBytes: storageLimitBytes,
		IsAdmin:           isAdmin,
		Children:          make(map[string]*Node),
	}

	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return apiKey, nil
}

// CreateSubTenant creates a new tenant under parentID. The new tenant's
// storage limit is a snapshot of the parent's limit at creation time; later
// edits to the parent do not change it.
func (s *Service) CreateSubTenant(parentID, displayName string) (Info, error) {
	if strings.TrimSpace(parentID) == "" || strings.TrimSpace(displayName) == "" {
		return Info{}, fmt.Errorf("parent id and display name must not be blank: %w", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.findLocked(parentID)
	if err != nil {
		return Info{}, err
	}
	if parent.Depth() >= MaxDepth {
		return Info{}, fmt.Errorf("tenant %q is at maximum depth %d: %w", parentID, MaxDepth, ErrTreeLimitExceeded)
	}
	if len(parent.Children) >= MaxChildren {
		return Info{}, fmt.Errorf("tenant %q already has %d subtenants: %w", parentID, MaxChildren, ErrTreeLimitExceeded)
	}

	apiKey, err := s.generateAPIKeyLocked()
	if err != nil {
		return Info{}, err
	}

	sub := &Node{
		ID:                uuid.NewString(),
		APIKey:            apiKey,
		DisplayName:       displayName,
		StorageLimitBytes: parent.StorageLimitBytes,
		Children:          make(map[string]*Node),
		parent:            parent,
	}

	if parent.Children == nil {
		parent.Children = make(map[string]*Node)
	}
	parent.Children[sub.ID] = sub

	// The insertion is not rolled back on a failed save; memory and disk stay
	// inconsistent until the next successful save or a restart.
	if err := s.saveLocked(); err != nil {
		return Info{}, err
	}

	log.Info().Str("parent", parentID).Str("tenant", sub.ID).Msg("subtenant created")
	return sub.info(), nil
}

// UpdateSubTenantStorageLimit changes the storage limit of a direct subtenant
// of parentID. The new limit must not exceed the parent's own non-zero limit.
func (s *Service) UpdateSubTenantStorageLimit(parentID, subID string, newLimit int64) error {
	if newLimit < 0 {
		return fmt.Errorf("storage limit must not be negative: %w", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.findLocked(parentID)
	if err != nil {
		return err
	}
	sub, ok := parent.Children[subID]
	if !ok {
		return fmt.Errorf("tenant %q is not a direct subtenant of %q: %w", subID, parentID, ErrNotFound)
	}
	if parent.StorageLimitBytes != 0 && newLimit > parent.StorageLimitBytes {
		return fmt.Errorf("limit %d exceeds parent limit %d: %w", newLimit, parent.StorageLimitBytes, ErrInvalidArgument)
	}

	sub.StorageLimitBytes = newLimit
	return s.saveLocked()
}

// DeleteSubTenant removes subID from the subtree rooted at parentID,
// detaching it from its immediate parent wherever it is found. The ids of the
// detached subtree are returned so the caller can clean up its stored data;
// deleting descendants' files is not the tree's job.
func (s *Service) DeleteSubTenant(parentID, subID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.findLocked(parentID)
	if err != nil {
		return nil, err
	}
	sub := parent.find(subID)
	if sub == nil || sub == parent {
		return nil, fmt.Errorf("tenant %q is not a descendant of %q: %w", subID, parentID, ErrNotFound)
	}

	detached := sub.subtreeIDs(nil)
	delete(sub.parent.Children, subID)
	sub.parent = nil

	if err := s.saveLocked(); err != nil {
		return nil, err
	}

	log.Info().Str("parent", parentID).Str("tenant", subID).Int("detached", len(detached)).Msg("subtenant deleted")
	return detached, nil
}

// CanCreateSubTenant reports whether the tenant exists and is above the
// maximum depth.
func (s *Service) CanCreateSubTenant(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, err := s.findLocked(id)
	if err != nil {
		return false
	}
	return node.Depth() < MaxDepth
}

// saveLocked writes the tree document atomically via a temp file. The
// watcher is suppressed around the write so our own save does not trigger a
// reload.
func (s *Service) saveLocked() error {
	doc := document{Tenants: s.roots}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal tenant config: %v", ErrPersistence, err)
	}

	if s.watcher != nil {
		s.watcher.Suppress()
		defer s.watcher.Resume()
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create tenant config dir: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, ".tenants-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPersistence, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write tenant config: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: sync tenant config: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename tenant config: %v", ErrPersistence, err)
	}
	return nil
}

// generateAPIKeyLocked produces an API key that is unique across the entire
// tree, verified by exhaustive scan.
func (s *Service) generateAPIKeyLocked() (string, error) {
	for {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		key := hex.EncodeToString(buf)

		taken := false
		for _, root := range s.roots {
			if root.findByAPIKey(key) != nil {
				taken = true
				break
			}
		}
		if !taken {
			return key, nil
		}
	}
}
