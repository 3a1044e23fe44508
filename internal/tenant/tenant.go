// Package tenant maintains the tenant hierarchy and its persisted configuration.
package tenant

import (
	"errors"
)

// Structural limits for the tenant tree.
const (
	// MaxDepth is the maximum tenant depth; root tenants are at depth 0.
	MaxDepth = 10
	// MaxChildren is the maximum number of direct subtenants per tenant.
	MaxChildren = 50
)

// Tenant error types.
var (
	ErrNotFound          = errors.New("tenant not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTenantExists      = errors.New("tenant already exists")
	ErrTreeLimitExceeded = errors.New("tenant tree depth or fan-out limit exceeded")
	ErrPersistence       = errors.New("tenant configuration persistence failed")
)

// Node is one tenant in the hierarchy.
//
// The parent back-reference is memory-only: persisting it would make the
// document cyclic, so it is rebuilt by a top-down pass after every load.
type Node struct {
	ID                string           `json:"id"`
	APIKey            string           `json:"api_key"`
	DisplayName       string           `json:"display_name"`
	StorageLimitBytes int64            `json:"storage_limit_bytes"` // 0 = unlimited, admin tenants only
	IsAdmin           bool             `json:"is_admin"`
	Children          map[string]*Node `json:"children,omitempty"`

	parent *Node
}

// Info is an immutable snapshot of one tenant, taken while the service lock
// is held. Callers read it freely after the lock is released; a snapshot can
// go stale when the tree changes, but it can never race with a writer.
type Info struct {
	ID                string
	APIKey            string
	DisplayName       string
	StorageLimitBytes int64
	IsAdmin           bool
	ParentID          string // empty for root tenants
	Depth             int
	SubTenants        int
}

// info snapshots the node. The service lock must be held.
func (n *Node) info() Info {
	info := Info{
		ID:                n.ID,
		APIKey:            n.APIKey,
		DisplayName:       n.DisplayName,
		StorageLimitBytes: n.StorageLimitBytes,
		IsAdmin:           n.IsAdmin,
		Depth:             n.Depth(),
		SubTenants:        len(n.Children),
	}
	if n.parent != nil {
		info.ParentID = n.parent.ID
	}
	return info
}

// Depth returns the node's distance from its root ancestor (root = 0).
func (n *Node) Depth() int {
	depth := 0
	for p := n.parent; p != nil; p = p.parent {
		depth++
	}
	return depth
}

// find locates a tenant by id within the subtree rooted at n, including n itself.
func (n *Node) find(id string) *Node {
	if n.ID == id {
		return n
	}
	for _, child := range n.Children {
		if found := child.find(id); found != nil {
			return found
		}
	}
	return nil
}

// findByAPIKey locates a tenant by API key within the subtree rooted at n.
func (n *Node) findByAPIKey(key string) *Node {
	if n.APIKey == key {
		return n
	}
	for _, child := range n.Children {
		if found := child.findByAPIKey(key); found != nil {
			return found
		}
	}
	return nil
}

// subtreeIDs appends the ids of n and all its descendants to out.
func (n *Node) subtreeIDs(out []string) []string {
	out = append(out, n.ID)
	for _, child := range n.Children {
		out = child.subtreeIDs(out)
	}
	return out
}

// linkParents stamps the parent pointer on every descendant of n.
// Must run after every load or reload, before the tree is published.
func (n *Node) linkParents() {
	for _, child := range n.Children {
		child.parent = n
		child.linkParents()
	}
}
