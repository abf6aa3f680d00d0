// Package logic implements the packet dispatch and cluster-control
// state machine described in spec §4.7: routing a decoded [wire.Packet] to
// the right handler by type/subject, and driving JOIN_CLUSTER/LEAVE_CLUSTER
// on both the requesting and controller sides. Grounded on
// original_source/Neverland/neverland/logic/v0/base.py and
// logic/v0/controller/logic_handler.py for the dispatch shape, adapted to
// explicit Go interfaces instead of Python's dynamic subject dispatch.
package logic

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ovrmesh/meshnode/internal/clusterdb"
	"github.com/ovrmesh/meshnode/internal/pktstore"
	"github.com/ovrmesh/meshnode/internal/wire"
)

// Sender transmits an already-wrapped reply toward dest.
type Sender interface {
	SendTo(dest netip.AddrPort, pkt *wire.Packet) error
}

// Events receives cluster-lifecycle notifications, mirroring the spec's
// SuccessfullyJoinedCluster/FailedToJoinCluster signals.
type Events interface {
	SuccessfullyJoinedCluster()
	FailedToJoinCluster(reason string)
	SuccessfullyLeftCluster()
}

// ConfiguredNode is one entry of the controller's static configured-node
// list (spec §6 cluster_nodes), consulted to validate JOIN_CLUSTER claims.
type ConfiguredNode struct {
	IP   netip.Addr
	Role clusterdb.Role
}

// joinClusterRequest/Response and leaveClusterRequest/Response are the CTRL
// body shapes for the two controller-handled subjects (spec §4.7).
type joinClusterRequest struct {
	Identification string `json:"identification"`
	IP             string `json:"ip"`
	Port           uint16 `json:"port"`
	Role           byte   `json:"role"`
}

type joinLeaveResponse struct {
	Identification string `json:"identification"`
	RespondingSN   uint64 `json:"responding_sn"`
	Body           struct {
		Permitted bool `json:"permitted"`
	} `json:"body"`
}

type leaveClusterRequest struct {
	Identification string `json:"identification"`
}

// Handler dispatches decoded packets per spec §4.7. One Handler is owned by
// one worker; it is not safe for use without its own synchronization beyond
// what's documented below (state is guarded by mu; connmgr/pktstore/db are
// already internally synchronized).
type Handler struct {
	Logger zerolog.Logger

	Role           clusterdb.Role
	Identification string
	Sender         Sender
	Store          *pktstore.Store
	Events         Events

	// ConfiguredNodes and ClusterRegistry are only consulted/non-nil on the
	// controller role.
	ConfiguredNodes map[string]ConfiguredNode
	ClusterRegistry *clusterdb.Registry

	mu    sync.Mutex
	state ClusterState
}

// NewHandler constructs a Handler in state INIT.
func NewHandler(logger zerolog.Logger, role clusterdb.Role, identification string, sender Sender, store *pktstore.Store, events Events) *Handler {
	return &Handler{
		Logger:         logger,
		Role:           role,
		Identification: identification,
		Sender:         sender,
		Store:          store,
		Events:         events,
		state:          StateInit,
	}
}

// State returns the current cluster-control state.
func (h *Handler) State() ClusterState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState forcibly transitions the state machine (used during bootstrap
// and by tests).
func (h *Handler) SetState(s ClusterState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Handle dispatches pkt per spec §4.7 and returns an optional reply to
// transmit toward src (the Sender is also free to send asynchronously,
// e.g. for CONN_CTRL acks, and return nil here).
func (h *Handler) Handle(ctx context.Context, pkt *wire.Packet, previousHop netip.AddrPort) (*wire.Packet, error) {
	switch pkt.Type {
	case wire.TypeData:
		return h.handleData(pkt)
	case wire.TypeCtrl:
		return h.handleCtrl(ctx, pkt, previousHop)
	case wire.TypeConnCtrl:
		return h.handleConnCtrl(pkt, previousHop)
	default:
		return nil, fmt.Errorf("logic: unknown packet type %v", pkt.Type)
	}
}

func (h *Handler) handleData(pkt *wire.Packet) (*wire.Packet, error) {
	if h.State() != StateWorking {
		h.Logger.Debug().Str("state", h.State().String()).Msg("dropping data packet: cluster not in WORKING state")
		return nil, nil
	}
	// Forwarding toward the next hop is out of scope for this spec (§1
	// Non-goals); the caller's transport layer is responsible for
	// delivering pkt.Dest once it decides this node is not the final hop.
	return nil, nil
}

func (h *Handler) handleCtrl(ctx context.Context, pkt *wire.Packet, previousHop netip.AddrPort) (*wire.Packet, error) {
	if pkt.Ctrl.Subject == wire.SubjectResponse {
		return nil, h.handleResponse(pkt)
	}
	if h.Role != clusterdb.RoleController {
		return nil, nil
	}
	switch pkt.Ctrl.Subject {
	case wire.SubjectJoinCluster:
		return h.handleJoinCluster(ctx, pkt, previousHop)
	case wire.SubjectLeaveCluster:
		return h.handleLeaveCluster(ctx, pkt, previousHop)
	default:
		return nil, nil
	}
}

func (h *Handler) handleConnCtrl(pkt *wire.Packet, previousHop netip.AddrPort) (*wire.Packet, error) {
	// Received CONN_CTRL packets are not applied: neither this handler nor
	// the event loop passes pkt.ConnCtrl to the connection manager, so an
	// incoming IV change updates no slot and no establishment reply is sent.
	// This handler is only the dispatch entry point for the type.
	return nil, nil
}

// handleResponse requires content.responding_sn, looks up the originating
// packet in the store, and dispatches by its original subject.
func (h *Handler) handleResponse(pkt *wire.Packet) error {
	var resp joinLeaveResponse
	if err := pkt.Ctrl.DecodeContent(&resp); err != nil {
		return fmt.Errorf("logic: decode response content: %w", err)
	}
	if resp.RespondingSN == 0 {
		return nil // malformed response, no responding_sn; drop
	}

	orig, found := h.Store.GetPkt(resp.RespondingSN)
	if !found {
		return nil // response to a packet we no longer track; drop
	}

	switch orig.Ctrl.Subject {
	case wire.SubjectJoinCluster:
		return h.handleJoinClusterResponse(resp, resp.RespondingSN)
	case wire.SubjectLeaveCluster:
		return h.handleLeaveClusterResponse(resp, resp.RespondingSN)
	default:
		return nil
	}
}

func (h *Handler) handleJoinClusterResponse(resp joinLeaveResponse, sn uint64) error {
	h.mu.Lock()
	if h.state != StateWaitingForJoin {
		h.mu.Unlock()
		return ErrUnexpectedState
	}
	if resp.Body.Permitted {
		h.state = StateJoinedCluster
	}
	h.mu.Unlock()

	h.Store.CancelRepeat(sn)
	if resp.Body.Permitted {
		h.Events.SuccessfullyJoinedCluster()
	} else {
		h.Events.FailedToJoinCluster("controller denied join")
	}
	return nil
}

func (h *Handler) handleLeaveClusterResponse(resp joinLeaveResponse, sn uint64) error {
	h.mu.Lock()
	if h.state != StateWaitingForLeave {
		h.mu.Unlock()
		return ErrUnexpectedState
	}
	h.state = StateInit
	h.mu.Unlock()

	h.Store.CancelRepeat(sn)
	if resp.Body.Permitted {
		h.Events.SuccessfullyLeftCluster()
	}
	return nil
}

// handleJoinCluster is the controller-side JOIN_CLUSTER handler (spec
// §4.7): validate against the configured node list, record membership on
// success, and reply routed through a relay if any are registered.
func (h *Handler) handleJoinCluster(ctx context.Context, pkt *wire.Packet, previousHop netip.AddrPort) (*wire.Packet, error) {
	var req joinClusterRequest
	if err := pkt.Ctrl.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("logic: decode join_cluster content: %w", err)
	}

	claimedIP, err := netip.ParseAddr(req.IP)
	if err != nil {
		return h.joinReply(ctx, req.Identification, pkt.SN, previousHop, false)
	}

	configured, known := h.ConfiguredNodes[req.Identification]
	permitted := known && configured.IP == claimedIP
	if permitted {
		err := h.ClusterRegistry.Join(ctx, clusterdb.Member{
			Identification: req.Identification,
			IP:             claimedIP,
			Port:           req.Port,
			Role:           clusterdb.Role(req.Role),
		})
		if err != nil {
			return nil, fmt.Errorf("logic: record join: %w", err)
		}
	}
	return h.joinReply(ctx, req.Identification, pkt.SN, previousHop, permitted)
}

func (h *Handler) joinReply(ctx context.Context, identification string, respondingSN uint64, requester netip.AddrPort, permitted bool) (*wire.Packet, error) {
	body := joinLeaveResponse{Identification: identification, RespondingSN: respondingSN}
	body.Body.Permitted = permitted

	reply := &wire.Packet{Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectResponse}}
	if err := reply.Ctrl.EncodeContent(body); err != nil {
		return nil, err
	}

	dest, err := h.relayOrDirect(ctx, requester)
	if err != nil {
		return nil, err
	}
	reply.Dest = dest
	return reply, nil
}

// handleLeaveCluster is the controller-side LEAVE_CLUSTER handler,
// symmetric to handleJoinCluster: only a currently-registered member is
// permitted to leave (original_source's handle_0x02_leave_cluster sets
// permitted = identification in cluster_nodes, not unconditionally true).
func (h *Handler) handleLeaveCluster(ctx context.Context, pkt *wire.Packet, previousHop netip.AddrPort) (*wire.Packet, error) {
	var req leaveClusterRequest
	if err := pkt.Ctrl.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("logic: decode leave_cluster content: %w", err)
	}

	_, found, err := h.ClusterRegistry.Get(ctx, req.Identification)
	if err != nil {
		return nil, fmt.Errorf("logic: look up member: %w", err)
	}

	permitted := found
	if permitted {
		if err := h.ClusterRegistry.Leave(ctx, req.Identification); err != nil {
			return nil, fmt.Errorf("logic: record leave: %w", err)
		}
	}
	return h.joinReply(ctx, req.Identification, pkt.SN, previousHop, permitted)
}

// relayOrDirect returns the address a controller reply should be sent to:
// the first registered relay's address if any are registered, else the
// requester directly (spec §4.7).
func (h *Handler) relayOrDirect(ctx context.Context, requester netip.AddrPort) (netip.AddrPort, error) {
	relays, err := h.ClusterRegistry.Relays(ctx)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(relays) == 0 {
		return requester, nil
	}
	r := relays[0]
	return netip.AddrPortFrom(r.IP, r.Port), nil
}
