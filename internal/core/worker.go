// Package core implements the per-worker event loop and the node-level
// master/worker bootstrap sequence of spec §4.8: receive → unwrap → logic
// handler → wrap → transmit, plus core_id allocation and the
// join-until-success startup gate. Grounded on pkg/nspkt/listener.go's
// blocking Serve() loop and atomic-counter metrics, adapted from a
// persistent-connection masterserver listener into a readiness-style
// datagram dispatcher.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/ovrmesh/meshnode/internal/clusterdb"
	"github.com/ovrmesh/meshnode/internal/connmgr"
	"github.com/ovrmesh/meshnode/internal/logic"
	"github.com/ovrmesh/meshnode/internal/pktstore"
	"github.com/ovrmesh/meshnode/internal/shm"
	"github.com/ovrmesh/meshnode/internal/snowflake"
	"github.com/ovrmesh/meshnode/internal/wire"
)

const maxDatagramSize = 65507

// JoinTimeout bounds a cluster-join attempt (spec §5: "~5 seconds wallclock").
const JoinTimeout = 5 * time.Second

// Worker is one single-threaded-per-goroutine core: one UDP socket, its own
// codec/connection-manager/packet-store/logic-handler stack. Multiple
// Workers share a UDP port via SO_REUSEPORT (see [internal/netutil]) and
// each other's state is kept independent, per spec §5's "no intra-process
// thread concurrency" scheduling model — mirrored here as one goroutine per
// worker rather than shared mutable state across them.
type Worker struct {
	Logger zerolog.Logger
	Role   clusterdb.Role

	Conn    *net.UDPConn
	Codec   *wire.Codec
	ConnMgr *connmgr.Manager
	Store   *pktstore.Store
	Handler *logic.Handler
	SHM     *shm.Client
	IDGen   *snowflake.Generator
	Cipher  CipherConfig

	CoreID uint64

	mReceived *metrics.Counter
	mDropped  *metrics.Counter
	mSent     *metrics.Counter
}

// NewWorker wires together the per-worker stack, except Store and Handler:
// both need a [Sender]/[pktstore.Sender] that is this same Worker, so the
// caller assigns them onto the returned Worker afterward (they're plain
// exported fields). The caller supplies an already-connected conn (from
// [internal/netutil.ListenUDPReusePort]) and an already-dialed shm client.
// The [connmgr.Manager] is constructed here, with the Worker itself as its
// [connmgr.Transport]: Worker.SendConnCtrl only fires once Run is driving
// the loop, by which point ConnMgr/Store/Handler are fully wired, so the
// apparent self-reference during construction never races.
func NewWorker(logger zerolog.Logger, role clusterdb.Role, conn *net.UDPConn, codec *wire.Codec, ivLen int, ivRange connmgr.IVRange, shmClient *shm.Client, idgen *snowflake.Generator, cipher CipherConfig) *Worker {
	w := &Worker{
		Logger:    logger,
		Role:      role,
		Conn:      conn,
		Codec:     codec,
		SHM:       shmClient,
		IDGen:     idgen,
		Cipher:    cipher,
		mReceived: metrics.NewCounter(`meshnode_core_received_total`),
		mDropped:  metrics.NewCounter(`meshnode_core_dropped_total`),
		mSent:     metrics.NewCounter(`meshnode_core_sent_total`),
	}
	w.ConnMgr = connmgr.New(ivLen, ivRange, w)
	return w
}

// SendTo implements [logic.Sender]: wraps pkt and transmits it to dest.
func (w *Worker) SendTo(dest netip.AddrPort, pkt *wire.Packet) error {
	pkt.Dest = dest
	if pkt.SN == 0 {
		pkt.SN = w.IDGen.Gen()
	}
	b, err := w.Codec.Wrap(pkt)
	if err != nil {
		return fmt.Errorf("core: wrap: %w", err)
	}
	b, err = encryptFor(w.ConnMgr, w.Cipher, dest, b)
	if err != nil {
		return fmt.Errorf("core: encrypt: %w", err)
	}
	_, err = w.Conn.WriteToUDPAddrPort(b, dest)
	if err == nil {
		w.mSent.Inc()
	}
	return err
}

// Send implements [pktstore.Sender]: re-wraps and retransmits pkt toward
// its already-set Dest.
func (w *Worker) Send(pkt *wire.Packet) error {
	return w.SendTo(pkt.Dest, pkt)
}

// SendConnCtrl implements [connmgr.Transport]: it sends the CONN_CTRL
// handshake a [connmgr.Manager] issues when establishing a fresh connection
// to remote.
func (w *Worker) SendConnCtrl(remote netip.AddrPort, iv []byte, ivDuration uint64) error {
	return w.SendTo(remote, &wire.Packet{
		Type: wire.TypeConnCtrl,
		Dest: remote,
		ConnCtrl: wire.ConnCtrlBody{
			IVChanged:  true,
			IVDuration: ivDuration,
			IV:         iv,
		},
	})
}

// coreIDCounterKey is the single shared INT container holding the highest
// core_id issued so far on this node.
const coreIDCounterKey = "core_id_counter"

// AllocateCoreID claims the next core_id by locking the shared core_id
// counter, reading it, incrementing, writing it back, and unlocking (spec
// §4.8 bootstrapping step i). It must be called before a worker's
// [snowflake.Generator] is constructed, since the generator's core_id is
// fixed at construction time.
func AllocateCoreID(client *shm.Client) (uint8, error) {
	if _, err := client.Do(shm.ActionCreate, coreIDCounterKey, shm.WithType(shm.TypeInt)); err != nil {
		return 0, fmt.Errorf("core: ensure core_id counter: %w", err)
	}
	if _, err := client.Do(shm.ActionLock, coreIDCounterKey, shm.WithBacklogging(true)); err != nil {
		return 0, fmt.Errorf("core: lock core_id counter: %w", err)
	}
	defer client.Do(shm.ActionUnlock, coreIDCounterKey)

	resp, err := client.Do(shm.ActionRead, coreIDCounterKey)
	if err != nil {
		return 0, fmt.Errorf("core: read core_id counter: %w", err)
	}
	var last uint64
	if len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, &last); err != nil {
			return 0, fmt.Errorf("core: decode core_id counter: %w", err)
		}
	}

	next := last + 1
	if next > snowflake.MaxCoreID {
		return 0, fmt.Errorf("core: core_id %d exceeds snowflake.MaxCoreID %d", next, snowflake.MaxCoreID)
	}
	if _, err := client.Do(shm.ActionSet, coreIDCounterKey, shm.WithValue(next)); err != nil {
		return 0, fmt.Errorf("core: set core_id counter: %w", err)
	}
	return uint8(next), nil
}

// Bootstrap runs spec §4.8's pre-loop sequence: state reset to INIT, and
// (for non-controller roles) a repeated JOIN_CLUSTER attempt bounded by
// JoinTimeout. Controllers skip the join handshake and move straight to
// WORKING. Core_id allocation happens earlier, via [AllocateCoreID], since
// it must run before this Worker's [snowflake.Generator] is constructed.
// The caller runs [Worker.Run] and the Store's repeater concurrently with
// Bootstrap, so the request is retransmitted and its response is received.
func (w *Worker) Bootstrap(ctx context.Context, identification string, controllerAddr netip.AddrPort) error {
	w.Handler.SetState(logic.StateInit)

	if w.Role == clusterdb.RoleController {
		w.Handler.SetState(logic.StateWorking)
		return nil
	}

	w.ConnMgr.Bootstrap(controllerAddr, w.Cipher.DefaultIV)

	joinPkt := &wire.Packet{
		Type: wire.TypeCtrl,
		Dest: controllerAddr,
		Ctrl: wire.CtrlBody{Subject: wire.SubjectJoinCluster},
	}
	body := struct {
		Identification string `json:"identification"`
		IP             string `json:"ip"`
		Port           uint16 `json:"port"`
		Role           byte   `json:"role"`
	}{
		Identification: identification,
		IP:             localAddrIP(w.Conn),
		Port:           localAddrPort(w.Conn),
		Role:           byte(w.Role),
	}
	if err := joinPkt.Ctrl.EncodeContent(body); err != nil {
		return fmt.Errorf("core: encode join_cluster: %w", err)
	}

	joinPkt.SN = w.IDGen.Gen()

	w.Handler.SetState(logic.StateWaitingForJoin)
	w.Store.StorePkt(joinPkt, pktstore.DefaultMaxRepeatTimes)
	if err := w.SendTo(controllerAddr, joinPkt); err != nil {
		return fmt.Errorf("core: send join_cluster: %w", err)
	}

	deadline := time.Now().Add(JoinTimeout)
	for time.Now().Before(deadline) {
		if w.Handler.State() == logic.StateJoinedCluster {
			w.Handler.SetState(logic.StateWorking)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("core: join_cluster timed out after %s", JoinTimeout)
}

// Run drives the receive → unwrap → handle → wrap → transmit loop until ctx
// is cancelled (spec §4.8's "shutdown flips a flag; loop exits on next
// iteration", expressed idiomatically as context cancellation).
func (w *Worker) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.Conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := w.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("core: read: %w", err)
		}
		w.mReceived.Inc()

		pkt, err := decryptAndUnwrap(w.ConnMgr, w.Cipher, w.Codec, from, buf[:n])
		if err != nil {
			w.mDropped.Inc()
			w.Logger.Debug().Err(err).Str("from", from.String()).Msg("dropping invalid packet")
			continue
		}

		reply, err := w.Handler.Handle(ctx, pkt, from)
		if err != nil {
			w.Logger.Debug().Err(err).Msg("logic handler error")
			continue
		}
		if reply == nil {
			continue
		}
		if err := w.SendTo(reply.Dest, reply); err != nil {
			w.Logger.Warn().Err(err).Msg("failed to send reply")
		}
	}
}

func localAddrIP(conn *net.UDPConn) string {
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ip := a.AddrPort().Addr(); ip.IsValid() {
			return ip.String()
		}
	}
	return ""
}

func localAddrPort(conn *net.UDPConn) uint16 {
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.AddrPort().Port()
	}
	return 0
}
