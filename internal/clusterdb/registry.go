package clusterdb

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the controller's cluster membership table (spec §3 "Cluster
// membership"). The in-memory map is always the authoritative live view;
// an optional sqlite3-backed DB (see db.go) is a write-through persistence
// layer so a controller restart does not force every member to rejoin
// (SPEC_FULL.md §4.2). A Registry with no backing DB is memory-only,
// matching the original spec's silence on persistence.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
	db      *DB
}

// OpenRegistry builds a Registry. dsn == "" keeps it memory-only. A
// non-empty dsn opens (creating and migrating as necessary) a sqlite3 DB
// and preloads its existing members into memory before returning, so the
// live view already reflects prior runs.
func OpenRegistry(dsn string) (*Registry, error) {
	r := &Registry{members: make(map[string]Member)}
	if dsn == "" {
		return r, nil
	}

	db, err := Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("clusterdb: open %s: %w", dsn, err)
	}
	_, required, err := db.Version()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("clusterdb: read version: %w", err)
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		db.Close()
		return nil, fmt.Errorf("clusterdb: migrate: %w", err)
	}
	existing, err := db.List(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("clusterdb: load members: %w", err)
	}

	for _, m := range existing {
		r.members[m.Identification] = m
	}
	r.db = db
	return r, nil
}

// Close releases the backing DB, if any.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Join records identification as a cluster member in the authoritative
// in-memory map first, then write-through persists it if a DB is
// configured. A persistence error is returned to the caller, but the
// in-memory state is not rolled back: the live view stays authoritative
// even if the DB is temporarily unavailable.
func (r *Registry) Join(ctx context.Context, m Member) error {
	r.mu.Lock()
	r.members[m.Identification] = m
	db := r.db
	r.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Join(ctx, m)
}

// Leave removes identification from the in-memory map and, if configured,
// the backing DB. Not an error to leave a membership that was never
// joined.
func (r *Registry) Leave(ctx context.Context, identification string) error {
	r.mu.Lock()
	delete(r.members, identification)
	db := r.db
	r.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Leave(ctx, identification)
}

// Get looks up one member by identification in the in-memory map.
func (r *Registry) Get(ctx context.Context, identification string) (Member, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[identification]
	return m, ok, nil
}

// List returns every current cluster member.
func (r *Registry) List(ctx context.Context) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out, nil
}

// Relays returns the subset of current members with RoleRelay, used to
// route a JOIN_CLUSTER/LEAVE_CLUSTER response through a relay when any are
// registered (spec §4.7).
func (r *Registry) Relays(ctx context.Context) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Member
	for _, m := range r.members {
		if m.Role == RoleRelay {
			out = append(out, m)
		}
	}
	return out, nil
}
