package clusterdb

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cluster.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, required, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

func TestJoinThenGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := Member{
		Identification: "node-a",
		IP:              netip.MustParseAddr("198.51.100.5"),
		Port:            9000,
		Role:            RoleClient,
		JoinedAt:        time.Unix(1700000000, 0),
	}
	if err := db.Join(ctx, m); err != nil {
		t.Fatalf("join: %v", err)
	}

	got, found, err := db.Get(ctx, "node-a")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.IP != m.IP || got.Port != m.Port || got.Role != m.Role {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestJoinReplacesExisting(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.Join(ctx, Member{Identification: "node-b", IP: netip.MustParseAddr("198.51.100.1"), Port: 1, Role: RoleClient, JoinedAt: time.Unix(1, 0)})
	db.Join(ctx, Member{Identification: "node-b", IP: netip.MustParseAddr("198.51.100.2"), Port: 2, Role: RoleRelay, JoinedAt: time.Unix(2, 0)})

	got, found, err := db.Get(ctx, "node-b")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Port != 2 || got.Role != RoleRelay {
		t.Fatalf("rejoin did not update entry: %+v", got)
	}
}

func TestLeaveRemovesMember(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.Join(ctx, Member{Identification: "node-c", IP: netip.MustParseAddr("198.51.100.1"), Port: 1, Role: RoleClient, JoinedAt: time.Unix(1, 0)})
	if err := db.Leave(ctx, "node-c"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, found, err := db.Get(ctx, "node-c"); err != nil || found {
		t.Fatalf("expected member removed, found=%v err=%v", found, err)
	}
}

func TestLeaveUnknownIsNotAnError(t *testing.T) {
	db := openTestDB(t)
	if err := db.Leave(context.Background(), "never-joined"); err != nil {
		t.Fatalf("leave unknown: %v", err)
	}
}

func TestRelaysFiltersByRole(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.Join(ctx, Member{Identification: "c1", IP: netip.MustParseAddr("198.51.100.1"), Port: 1, Role: RoleClient, JoinedAt: time.Unix(1, 0)})
	db.Join(ctx, Member{Identification: "r1", IP: netip.MustParseAddr("198.51.100.2"), Port: 2, Role: RoleRelay, JoinedAt: time.Unix(1, 0)})

	relays, err := db.Relays(ctx)
	if err != nil {
		t.Fatalf("relays: %v", err)
	}
	if len(relays) != 1 || relays[0].Identification != "r1" {
		t.Fatalf("relays = %+v, want only r1", relays)
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"client":     RoleClient,
		"relay":      RoleRelay,
		"outlet":     RoleOutlet,
		"controller": RoleController,
		"0x01":       RoleClient,
		"0x04":       RoleController,
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseRole("bogus"); err == nil {
		t.Fatalf("expected error for unrecognized role")
	}
}
