// Package connmgr implements the per-remote-peer "fake connection" keying
// state machine: three IV-holding slots per remote, rotated as CONN_CTRL
// handshakes establish new keys. Grounded on
// original_source/Neverland/neverland/components/connmgmt.py for the
// slot/rotation semantics and on pkg/nspkt/listener.go's mutex-guarded
// map-of-channels style for the synchronous establishment wait.
package connmgr

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// State is a connection slot's lifecycle state.
type State int

const (
	StateInit State = iota
	StateEstablishing
	StateEstablished
	StateRemoving
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateEstablishing:
		return "ESTABLISHING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRemoving:
		return "REMOVING"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Slot names the three keying slots held per remote.
type Slot int

const (
	Slot0 Slot = iota // active-old
	Slot1             // active-new
	Slot2             // establishing
	numSlots
)

// ErrSlotNotAvailable is returned by NewConn when slot-2 is already occupied
// by another in-progress establishment for the same remote.
var ErrSlotNotAvailable = errors.New("connmgr: slot not available")

// ErrNoConnAvailable is returned by GetConn when no slot holds an
// established connection for the remote.
var ErrNoConnAvailable = errors.New("connmgr: no established connection")

// Conn is a single keying context for a remote peer.
type Conn struct {
	Remote     netip.AddrPort
	SN         uint64
	State      State
	Slot       Slot
	IV         []byte
	IVDuration uint64

	established time.Time
	packetsUsed uint64
}

// IVRange is the inclusive [Lo, Hi] range new IV durations are drawn from,
// uniformly at random (spec §4.5, net.crypto.iv_duration_range).
type IVRange struct {
	Lo, Hi uint64
}

// Transport sends a CONN_CTRL handshake packet to a remote peer. It is
// implemented by the core event loop / repeater.
type Transport interface {
	SendConnCtrl(remote netip.AddrPort, iv []byte, ivDuration uint64) error
}

// Manager owns the per-remote slot state for one worker.
type Manager struct {
	mu    sync.Mutex
	conns map[netip.AddrPort]*[numSlots]*Conn
	waits map[netip.AddrPort][]chan State

	ivLen     int
	ivRange   IVRange
	transport Transport

	mEstablished *metrics.Counter
	mRejected    *metrics.Counter
}

// New creates a Manager. The first connection to a remote is seeded
// separately, by passing the deterministic default IV to [Manager.Bootstrap].
func New(ivLen int, ivRange IVRange, transport Transport) *Manager {
	return &Manager{
		conns:        make(map[netip.AddrPort]*[numSlots]*Conn),
		waits:        make(map[netip.AddrPort][]chan State),
		ivLen:        ivLen,
		ivRange:      ivRange,
		transport:    transport,
		mEstablished: metrics.NewCounter(`meshnode_connmgr_established_total`),
		mRejected:    metrics.NewCounter(`meshnode_connmgr_rejected_total`),
	}
}

// Bootstrap seeds slot-0 for remote with the deterministic default IV, in
// state ESTABLISHED, so the first packet can be sent before any handshake.
func (m *Manager) Bootstrap(remote netip.AddrPort, defaultIV []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := m.slotsFor(remote)
	slots[Slot0] = &Conn{
		Remote:      remote,
		State:       StateEstablished,
		Slot:        Slot0,
		IV:          append([]byte(nil), defaultIV...),
		established: time.Now(),
	}
}

func (m *Manager) slotsFor(remote netip.AddrPort) *[numSlots]*Conn {
	s, ok := m.conns[remote]
	if !ok {
		s = &[numSlots]*Conn{}
		m.conns[remote] = s
	}
	return s
}

// NewConn begins establishing a fresh connection to remote: it claims
// slot-2, generates a random IV and duration, and sends a CONN_CTRL
// handshake. If synchronous, it blocks (bounded by timeout) until the
// connection transitions out of ESTABLISHING.
func (m *Manager) NewConn(ctx context.Context, remote netip.AddrPort, synchronous bool, timeout time.Duration) (*Conn, error) {
	iv := make([]byte, m.ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("connmgr: generate iv: %w", err)
	}
	duration := m.randDuration()

	m.mu.Lock()
	slots := m.slotsFor(remote)
	if slots[Slot2] != nil && slots[Slot2].State == StateEstablishing {
		m.mu.Unlock()
		m.mRejected.Inc()
		return nil, ErrSlotNotAvailable
	}
	conn := &Conn{
		Remote:     remote,
		State:      StateEstablishing,
		Slot:       Slot2,
		IV:         iv,
		IVDuration: duration,
	}
	slots[Slot2] = conn

	var waitCh chan State
	if synchronous {
		waitCh = make(chan State, 1)
		m.waits[remote] = append(m.waits[remote], waitCh)
	}
	m.mu.Unlock()

	if err := m.transport.SendConnCtrl(remote, iv, duration); err != nil {
		return nil, fmt.Errorf("connmgr: send handshake: %w", err)
	}

	if !synchronous {
		return conn, nil
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-tctx.Done():
		m.removeWait(remote, waitCh)
		return conn, tctx.Err()
	case <-waitCh:
		m.mu.Lock()
		defer m.mu.Unlock()
		return slots[Slot1], nil // rotation moves the newly-established conn to slot-1
	}
}

func (m *Manager) removeWait(remote netip.AddrPort, ch chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waits[remote]
	for i, w := range ws {
		if w == ch {
			m.waits[remote] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

// Establish transitions the slot-2 connection for remote to ESTABLISHED and
// performs the rotation: slot-0 is dropped, slot-1 becomes slot-0, slot-2
// becomes slot-1. Per design note #1, the trigger chosen here is an explicit
// application-level acknowledgment (the caller calls Establish once it has
// successfully decrypted traffic under the new IV, or received a CONN_CTRL
// ack) rather than the bare act of sending the handshake.
func (m *Manager) Establish(remote netip.AddrPort) error {
	m.mu.Lock()
	slots, ok := m.conns[remote]
	if !ok || slots[Slot2] == nil {
		m.mu.Unlock()
		return ErrNoConnAvailable
	}

	newConn := slots[Slot2]
	newConn.State = StateEstablished
	newConn.Slot = Slot1
	newConn.established = time.Now()

	slots[Slot0] = slots[Slot1]
	if slots[Slot0] != nil {
		slots[Slot0].Slot = Slot0
	}
	slots[Slot1] = newConn
	slots[Slot2] = nil

	waiters := m.waits[remote]
	delete(m.waits, remote)
	m.mEstablished.Inc()
	m.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- StateEstablished:
		default:
		}
	}
	return nil
}

// GetConn returns the preferred usable (ESTABLISHED) connection for remote,
// preferring slot-1 (newer) over slot-0 (older), per spec §3 read priority.
func (m *Manager) GetConn(remote netip.AddrPort) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots, ok := m.conns[remote]
	if !ok {
		return nil, ErrNoConnAvailable
	}
	if c := slots[Slot1]; c != nil && c.State == StateEstablished {
		return c, nil
	}
	if c := slots[Slot0]; c != nil && c.State == StateEstablished {
		return c, nil
	}
	return nil, ErrNoConnAvailable
}

// GetUsableSlots reports which of slot-0/slot-1 currently hold an
// ESTABLISHED connection for remote.
func (m *Manager) GetUsableSlots(remote netip.AddrPort) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var used []Slot
	slots, ok := m.conns[remote]
	if !ok {
		return nil
	}
	for _, s := range []Slot{Slot0, Slot1} {
		if c := slots[s]; c != nil && c.State == StateEstablished {
			used = append(used, s)
		}
	}
	return used
}

// ConnInSlot returns the connection occupying slot for remote, regardless of
// state. Used by decrypt-side code that must try each usable slot's IV in
// turn since the wire format carries no explicit slot indicator.
func (m *Manager) ConnInSlot(remote netip.AddrPort, slot Slot) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots, ok := m.conns[remote]
	if !ok || slots[slot] == nil {
		return nil, ErrNoConnAvailable
	}
	return slots[slot], nil
}

// RemoveConn nulls out the given slot for remote.
func (m *Manager) RemoveConn(remote netip.AddrPort, slot Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slots, ok := m.conns[remote]; ok {
		slots[slot] = nil
	}
}

// StoreConn stores conn into slot for remote. With override=false, it
// refuses to clobber an already-usable slot (a concurrent establishment
// race), returning ErrSlotNotAvailable.
func (m *Manager) StoreConn(remote netip.AddrPort, slot Slot, conn *Conn, override bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := m.slotsFor(remote)
	if !override {
		if slot == Slot0 || slot == Slot1 {
			for _, used := range m.usableSlotsLocked(remote) {
				if used == slot {
					return ErrSlotNotAvailable
				}
			}
		} else if slots[slot] != nil && slots[slot].State == StateEstablishing {
			return ErrSlotNotAvailable
		}
	}
	slots[slot] = conn
	return nil
}

func (m *Manager) usableSlotsLocked(remote netip.AddrPort) []Slot {
	var used []Slot
	slots, ok := m.conns[remote]
	if !ok {
		return nil
	}
	for _, s := range []Slot{Slot0, Slot1} {
		if c := slots[s]; c != nil && c.State == StateEstablished {
			used = append(used, s)
		}
	}
	return used
}

// CountEstablished reports how many of slot-0/slot-1 are ESTABLISHED for
// remote (spec invariant: never more than 2).
func (m *Manager) CountEstablished(remote netip.AddrPort) int {
	return len(m.GetUsableSlots(remote))
}

func (m *Manager) randDuration() uint64 {
	lo, hi := m.ivRange.Lo, m.ivRange.Hi
	if hi <= lo {
		return lo
	}
	return lo + uint64(mrand.Int63n(int64(hi-lo)+1))
}
