package logic

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ovrmesh/meshnode/internal/clusterdb"
	"github.com/ovrmesh/meshnode/internal/pktstore"
	"github.com/ovrmesh/meshnode/internal/wire"
)

type recordingSender struct {
	sent []*wire.Packet
}

func (s *recordingSender) SendTo(dest netip.AddrPort, pkt *wire.Packet) error {
	pkt.Dest = dest
	s.sent = append(s.sent, pkt)
	return nil
}

func (s *recordingSender) Send(pkt *wire.Packet) error { return nil }

type recordingEvents struct {
	joined, failed, left bool
	failReason           string
}

func (e *recordingEvents) SuccessfullyJoinedCluster()        { e.joined = true }
func (e *recordingEvents) FailedToJoinCluster(reason string) { e.failed = true; e.failReason = reason }
func (e *recordingEvents) SuccessfullyLeftCluster()          { e.left = true }

func openTestClusterRegistry(t *testing.T) *clusterdb.Registry {
	t.Helper()
	reg, err := clusterdb.OpenRegistry(filepath.Join(t.TempDir(), "cluster.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestDataPacketDroppedUnlessWorking(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	h := NewHandler(zerolog.Nop(), clusterdb.RoleClient, "node-a", sender, store, &recordingEvents{})

	reply, err := h.Handle(context.Background(), &wire.Packet{Type: wire.TypeData}, netip.AddrPort{})
	if err != nil || reply != nil {
		t.Fatalf("expected silent drop, got reply=%v err=%v", reply, err)
	}

	h.SetState(StateWorking)
	reply, err = h.Handle(context.Background(), &wire.Packet{Type: wire.TypeData}, netip.AddrPort{})
	if err != nil || reply != nil {
		t.Fatalf("forwarding is out of scope, expected nil reply, got %v %v", reply, err)
	}
}

func TestControllerJoinClusterPermitted(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	reg := openTestClusterRegistry(t)

	h := NewHandler(zerolog.Nop(), clusterdb.RoleController, "controller-1", sender, store, &recordingEvents{})
	h.ClusterRegistry = reg
	h.ConfiguredNodes = map[string]ConfiguredNode{
		"node-a": {IP: netip.MustParseAddr("198.51.100.5"), Role: clusterdb.RoleClient},
	}

	req := &wire.Packet{
		Type: wire.TypeCtrl,
		SN:   123,
		Ctrl: wire.CtrlBody{Subject: wire.SubjectJoinCluster},
	}
	req.Ctrl.EncodeContent(joinClusterRequest{
		Identification: "node-a",
		IP:             "198.51.100.5",
		Port:           9000,
		Role:           byte(clusterdb.RoleClient),
	})

	requester := netip.MustParseAddrPort("198.51.100.5:9000")
	reply, err := h.Handle(context.Background(), req, requester)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == nil {
		t.Fatalf("expected a reply")
	}

	var resp joinLeaveResponse
	if err := reply.Ctrl.DecodeContent(&resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !resp.Body.Permitted {
		t.Fatalf("expected permitted=true")
	}
	if resp.RespondingSN != 123 {
		t.Fatalf("responding_sn = %d, want 123", resp.RespondingSN)
	}

	member, found, err := reg.Get(context.Background(), "node-a")
	if err != nil || !found {
		t.Fatalf("expected membership recorded, found=%v err=%v", found, err)
	}
	if member.Port != 9000 {
		t.Fatalf("member port = %d, want 9000", member.Port)
	}
}

func TestControllerJoinClusterDeniedForUnconfiguredIdentification(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	reg := openTestClusterRegistry(t)

	h := NewHandler(zerolog.Nop(), clusterdb.RoleController, "controller-1", sender, store, &recordingEvents{})
	h.ClusterRegistry = reg
	h.ConfiguredNodes = map[string]ConfiguredNode{}

	req := &wire.Packet{Type: wire.TypeCtrl, SN: 7, Ctrl: wire.CtrlBody{Subject: wire.SubjectJoinCluster}}
	req.Ctrl.EncodeContent(joinClusterRequest{Identification: "ghost", IP: "203.0.113.9", Port: 1})

	reply, err := h.Handle(context.Background(), req, netip.MustParseAddrPort("203.0.113.9:1"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var resp joinLeaveResponse
	reply.Ctrl.DecodeContent(&resp)
	if resp.Body.Permitted {
		t.Fatalf("expected permitted=false for unconfigured identification")
	}
	if _, found, _ := reg.Get(context.Background(), "ghost"); found {
		t.Fatalf("unconfigured identification must not be recorded as a member")
	}
}

func TestControllerLeaveClusterPermittedForMember(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	reg := openTestClusterRegistry(t)
	if err := reg.Join(context.Background(), clusterdb.Member{
		Identification: "node-a",
		IP:             netip.MustParseAddr("198.51.100.5"),
		Port:           9000,
		Role:           clusterdb.RoleClient,
	}); err != nil {
		t.Fatalf("seed join: %v", err)
	}

	h := NewHandler(zerolog.Nop(), clusterdb.RoleController, "controller-1", sender, store, &recordingEvents{})
	h.ClusterRegistry = reg

	req := &wire.Packet{Type: wire.TypeCtrl, SN: 42, Ctrl: wire.CtrlBody{Subject: wire.SubjectLeaveCluster}}
	req.Ctrl.EncodeContent(leaveClusterRequest{Identification: "node-a"})

	reply, err := h.Handle(context.Background(), req, netip.MustParseAddrPort("198.51.100.5:9000"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var resp joinLeaveResponse
	if err := reply.Ctrl.DecodeContent(&resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !resp.Body.Permitted {
		t.Fatalf("expected permitted=true for a registered member")
	}
	if _, found, _ := reg.Get(context.Background(), "node-a"); found {
		t.Fatalf("expected node-a removed from the registry after leaving")
	}
}

func TestControllerLeaveClusterDeniedForNonMember(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	reg := openTestClusterRegistry(t)

	h := NewHandler(zerolog.Nop(), clusterdb.RoleController, "controller-1", sender, store, &recordingEvents{})
	h.ClusterRegistry = reg

	req := &wire.Packet{Type: wire.TypeCtrl, SN: 43, Ctrl: wire.CtrlBody{Subject: wire.SubjectLeaveCluster}}
	req.Ctrl.EncodeContent(leaveClusterRequest{Identification: "never-joined"})

	reply, err := h.Handle(context.Background(), req, netip.MustParseAddrPort("203.0.113.9:1"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var resp joinLeaveResponse
	if err := reply.Ctrl.DecodeContent(&resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp.Body.Permitted {
		t.Fatalf("expected permitted=false for an identification that never joined")
	}
}

func TestJoinClusterResponseTransitionsToJoined(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	events := &recordingEvents{}
	h := NewHandler(zerolog.Nop(), clusterdb.RoleClient, "node-a", sender, store, events)
	h.SetState(StateWaitingForJoin)

	joinPkt := &wire.Packet{SN: 55, Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectJoinCluster}}
	store.StorePkt(joinPkt, 5)

	resp := &wire.Packet{Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectResponse}}
	respBody := joinLeaveResponse{Identification: "node-a", RespondingSN: 55}
	respBody.Body.Permitted = true
	resp.Ctrl.EncodeContent(respBody)

	if _, err := h.Handle(context.Background(), resp, netip.AddrPort{}); err != nil {
		t.Fatalf("handle response: %v", err)
	}
	if h.State() != StateJoinedCluster {
		t.Fatalf("state = %v, want JOINED_CLUSTER", h.State())
	}
	if !events.joined {
		t.Fatalf("expected SuccessfullyJoinedCluster event")
	}
	if _, found := store.GetPkt(55); !found {
		t.Fatalf("CancelRepeat must not remove the packet, only stop its retransmission")
	}
}

func TestJoinClusterResponseDeniedRaisesFailure(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	events := &recordingEvents{}
	h := NewHandler(zerolog.Nop(), clusterdb.RoleClient, "node-a", sender, store, events)
	h.SetState(StateWaitingForJoin)

	joinPkt := &wire.Packet{SN: 9, Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectJoinCluster}}
	store.StorePkt(joinPkt, 5)

	resp := &wire.Packet{Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectResponse}}
	respBody := joinLeaveResponse{Identification: "node-a", RespondingSN: 9}
	respBody.Body.Permitted = false
	resp.Ctrl.EncodeContent(respBody)

	h.Handle(context.Background(), resp, netip.AddrPort{})
	if h.State() != StateWaitingForJoin {
		t.Fatalf("state should remain WAITING_FOR_JOIN on denial, got %v", h.State())
	}
	if !events.failed {
		t.Fatalf("expected FailedToJoinCluster event")
	}
}

func TestResponseInUnexpectedStateReturnsError(t *testing.T) {
	sender := &recordingSender{}
	store := pktstore.New(sender, time.Hour)
	h := NewHandler(zerolog.Nop(), clusterdb.RoleClient, "node-a", sender, store, &recordingEvents{})
	h.SetState(StateInit) // not WAITING_FOR_JOIN

	joinPkt := &wire.Packet{SN: 1, Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectJoinCluster}}
	store.StorePkt(joinPkt, 5)

	resp := &wire.Packet{Type: wire.TypeCtrl, Ctrl: wire.CtrlBody{Subject: wire.SubjectResponse}}
	respBody := joinLeaveResponse{Identification: "node-a", RespondingSN: 1}
	resp.Ctrl.EncodeContent(respBody)

	_, err := h.Handle(context.Background(), resp, netip.AddrPort{})
	if err != ErrUnexpectedState {
		t.Fatalf("err = %v, want ErrUnexpectedState", err)
	}
}
