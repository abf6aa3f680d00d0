package connmgr

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	sent atomic.Uint64
}

func (f *fakeTransport) SendConnCtrl(remote netip.AddrPort, iv []byte, ivDuration uint64) error {
	f.sent.Add(1)
	return nil
}

func testRemote() netip.AddrPort {
	return netip.MustParseAddrPort("203.0.113.7:9000")
}

func TestBootstrapThenEstablishRotatesSlots(t *testing.T) {
	tr := &fakeTransport{}
	m := New(16, IVRange{Lo: 10, Hi: 20}, tr)
	remote := testRemote()

	m.Bootstrap(remote, make([]byte, 16))
	if got := m.CountEstablished(remote); got != 1 {
		t.Fatalf("established after bootstrap = %d, want 1", got)
	}

	ctx := context.Background()
	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := m.Establish(remote); err != nil {
			t.Errorf("establish: %v", err)
		}
	}()

	conn, err := m.NewConn(ctx, remote, true, time.Second)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	if conn.State != StateEstablished {
		t.Fatalf("conn state = %v, want ESTABLISHED", conn.State)
	}

	if got := m.CountEstablished(remote); got != 2 {
		t.Fatalf("established after rotation = %d, want 2 (old bootstrap in slot-0, new in slot-1)", got)
	}
	if tr.sent.Load() != 1 {
		t.Fatalf("handshakes sent = %d, want 1", tr.sent.Load())
	}
}

func TestNeverMoreThanTwoEstablished(t *testing.T) {
	tr := &fakeTransport{}
	m := New(16, IVRange{Lo: 10, Hi: 20}, tr)
	remote := testRemote()

	for i := 0; i < 5; i++ {
		m.Bootstrap(remote, make([]byte, 16)) // re-bootstrap simulates repeated rotation into slot-0
		ctx := context.Background()
		done := make(chan struct{})
		go func() {
			time.Sleep(5 * time.Millisecond)
			m.Establish(remote)
			close(done)
		}()
		if _, err := m.NewConn(ctx, remote, true, time.Second); err != nil {
			t.Fatalf("round %d: new conn: %v", i, err)
		}
		<-done

		if got := m.CountEstablished(remote); got > 2 {
			t.Fatalf("round %d: established = %d, want <= 2", i, got)
		}
	}
}

func TestSlot2RejectsConcurrentEstablishment(t *testing.T) {
	tr := &fakeTransport{}
	m := New(16, IVRange{Lo: 10, Hi: 20}, tr)
	remote := testRemote()

	ctx := context.Background()
	if _, err := m.NewConn(ctx, remote, false, 0); err != nil {
		t.Fatalf("first new conn: %v", err)
	}
	if _, err := m.NewConn(ctx, remote, false, 0); err != ErrSlotNotAvailable {
		t.Fatalf("second concurrent new conn err = %v, want ErrSlotNotAvailable", err)
	}
}

func TestGetConnPrefersSlot1(t *testing.T) {
	tr := &fakeTransport{}
	m := New(16, IVRange{Lo: 10, Hi: 20}, tr)
	remote := testRemote()

	m.Bootstrap(remote, []byte("old-iv-0000000000"[:16]))
	ctx := context.Background()
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Establish(remote)
	}()
	if _, err := m.NewConn(ctx, remote, true, time.Second); err != nil {
		t.Fatalf("new conn: %v", err)
	}

	c, err := m.GetConn(remote)
	if err != nil {
		t.Fatalf("get conn: %v", err)
	}
	if c.Slot != Slot1 {
		t.Fatalf("preferred slot = %v, want Slot1", c.Slot)
	}
}

func TestGetConnNoneAvailable(t *testing.T) {
	tr := &fakeTransport{}
	m := New(16, IVRange{Lo: 10, Hi: 20}, tr)
	if _, err := m.GetConn(testRemote()); err != ErrNoConnAvailable {
		t.Fatalf("err = %v, want ErrNoConnAvailable", err)
	}
}

func TestNewConnTimesOutWithoutEstablish(t *testing.T) {
	tr := &fakeTransport{}
	m := New(16, IVRange{Lo: 10, Hi: 20}, tr)
	remote := testRemote()

	ctx := context.Background()
	_, err := m.NewConn(ctx, remote, true, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
