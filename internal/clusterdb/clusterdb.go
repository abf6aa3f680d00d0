package clusterdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Role identifies a node's position in the overlay (spec §6 -r flag).
type Role byte

const (
	RoleClient     Role = 0x01
	RoleRelay      Role = 0x02
	RoleOutlet     Role = 0x03
	RoleController Role = 0x04
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleRelay:
		return "relay"
	case RoleOutlet:
		return "outlet"
	case RoleController:
		return "controller"
	default:
		return "unknown"
	}
}

// ParseRole accepts either a lower-case role name or a "0x01".."0x04" literal.
func ParseRole(s string) (Role, error) {
	switch s {
	case "client":
		return RoleClient, nil
	case "relay":
		return RoleRelay, nil
	case "outlet":
		return RoleOutlet, nil
	case "controller":
		return RoleController, nil
	case "0x01":
		return RoleClient, nil
	case "0x02":
		return RoleRelay, nil
	case "0x03":
		return RoleOutlet, nil
	case "0x04":
		return RoleController, nil
	default:
		return 0, fmt.Errorf("clusterdb: unrecognized role %q", s)
	}
}

// Member is one entry of the controller's membership map: identification ->
// {ip, port, role} (spec §3 "Cluster membership").
type Member struct {
	Identification string
	IP             netip.Addr
	Port           uint16
	Role           Role
	JoinedAt       time.Time
}

type memberRow struct {
	Identification string `db:"identification"`
	IP             string `db:"ip"`
	Port           uint16 `db:"port"`
	Role           byte   `db:"role"`
	JoinedAt       int64  `db:"joined_at"`
}

func (r memberRow) toMember() (Member, error) {
	ip, err := netip.ParseAddr(r.IP)
	if err != nil {
		return Member{}, fmt.Errorf("clusterdb: parse stored ip %q: %w", r.IP, err)
	}
	return Member{
		Identification: r.Identification,
		IP:             ip,
		Port:           r.Port,
		Role:           Role(r.Role),
		JoinedAt:       time.Unix(r.JoinedAt, 0),
	}, nil
}

// Join records identification as a cluster member, replacing any prior
// entry (a node rejoining with a new ip/port supersedes its old one).
func (db *DB) Join(ctx context.Context, m Member) error {
	_, err := db.x.ExecContext(ctx, `
		INSERT INTO controllers (identification, ip, port, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identification) DO UPDATE SET
			ip = excluded.ip, port = excluded.port, role = excluded.role, joined_at = excluded.joined_at
	`, m.Identification, m.IP.String(), m.Port, byte(m.Role), m.JoinedAt.Unix())
	return err
}

// Leave removes identification from the membership map, if present. It is
// not an error to leave a membership that was never joined.
func (db *DB) Leave(ctx context.Context, identification string) error {
	_, err := db.x.ExecContext(ctx, `DELETE FROM controllers WHERE identification = ?`, identification)
	return err
}

// Get looks up one member by identification.
func (db *DB) Get(ctx context.Context, identification string) (Member, bool, error) {
	var row memberRow
	err := db.x.GetContext(ctx, &row, `SELECT * FROM controllers WHERE identification = ?`, identification)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, false, nil
		}
		return Member{}, false, err
	}
	m, err := row.toMember()
	return m, true, err
}

// List returns every current cluster member.
func (db *DB) List(ctx context.Context) ([]Member, error) {
	var rows []memberRow
	if err := db.x.SelectContext(ctx, &rows, `SELECT * FROM controllers`); err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMember()
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

// Relays returns the subset of current members with RoleRelay, used to
// route a JOIN_CLUSTER/LEAVE_CLUSTER response through a relay when any are
// registered (spec §4.7).
func (db *DB) Relays(ctx context.Context) ([]Member, error) {
	var rows []memberRow
	if err := db.x.SelectContext(ctx, &rows, `SELECT * FROM controllers WHERE role = ?`, byte(RoleRelay)); err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMember()
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}
