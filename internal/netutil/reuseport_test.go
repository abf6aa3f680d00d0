package netutil

import (
	"context"
	"testing"
)

func TestListenUDPReusePortAllowsMultipleBinders(t *testing.T) {
	ctx := context.Background()

	first, err := ListenUDPReusePort(ctx, "udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	defer first.Close()

	addr := first.LocalAddr().String()
	second, err := ListenUDPReusePort(ctx, "udp4", addr)
	if err != nil {
		t.Fatalf("second listen on same addr %s: %v", addr, err)
	}
	defer second.Close()
}
