package core

import (
	"net/netip"
	"testing"

	"github.com/ovrmesh/meshnode/internal/connmgr"
	"github.com/ovrmesh/meshnode/internal/cryptor"
	"github.com/ovrmesh/meshnode/internal/wire"
)

type nopTransport struct{}

func (nopTransport) SendConnCtrl(netip.AddrPort, []byte, uint64) error { return nil }

func testRemote() netip.AddrPort {
	return netip.MustParseAddrPort("198.51.100.9:4500")
}

func testCipherConfig() CipherConfig {
	// AES-CFB, not AES-GCM: GCM pins its iv to exactly 12 bytes while the
	// connection manager in these tests is configured with 16-byte ivs
	// (matching AES's block size), so CFB exercises the real plumbing
	// without a length mismatch.
	return CipherConfig{
		Cipher:    cryptor.CipherAESCFB,
		Key:       cryptor.DeriveKey("correct-horse-battery-staple", 32),
		DefaultIV: cryptor.DefaultIV("correct-horse-battery-staple", 16),
	}
}

func testCodec() *wire.Codec {
	var sn uint64
	return wire.New(8, 16, wire.FieldCalculators{
		SN: func() (uint64, error) {
			sn++
			return sn, nil
		},
		Time: func() (uint64, error) {
			return 1234, nil
		},
	})
}

func testDataPacket(addr netip.AddrPort, payload string) *wire.Packet {
	return &wire.Packet{
		Type: wire.TypeData,
		Src:  addr,
		Dest: addr,
		Data: wire.DataBody{Payload: []byte(payload)},
	}
}

func TestEncryptDecryptRoundTripsAfterBootstrap(t *testing.T) {
	cm := connmgr.New(16, connmgr.IVRange{Lo: 60, Hi: 120}, nopTransport{})
	cc := testCipherConfig()
	codec := testCodec()
	remote := testRemote()

	cm.Bootstrap(remote, cc.DefaultIV)

	wrapped, err := codec.Wrap(testDataPacket(remote, "join_cluster request body"))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	ct, err := encryptFor(cm, cc, remote, wrapped)
	if err != nil {
		t.Fatalf("encryptFor: %v", err)
	}

	pkt, err := decryptAndUnwrap(cm, cc, codec, remote, ct)
	if err != nil {
		t.Fatalf("decryptAndUnwrap: %v", err)
	}
	if string(pkt.Data.Payload) != "join_cluster request body" {
		t.Fatalf("payload = %q", pkt.Data.Payload)
	}
}

func TestEncryptSelfHealsOnFirstContact(t *testing.T) {
	cm := connmgr.New(16, connmgr.IVRange{Lo: 60, Hi: 120}, nopTransport{})
	cc := testCipherConfig()
	remote := testRemote()

	if _, err := encryptFor(cm, cc, remote, []byte("hello")); err != nil {
		t.Fatalf("encryptFor without prior bootstrap should self-heal via default iv: %v", err)
	}
	if _, err := cm.GetConn(remote); err != nil {
		t.Fatalf("expected slot-0 to be bootstrapped as a side effect: %v", err)
	}
}

func TestDecryptFallsBackToDefaultIVAfterRotation(t *testing.T) {
	cm := connmgr.New(16, connmgr.IVRange{Lo: 60, Hi: 120}, nopTransport{})
	cc := testCipherConfig()
	codec := testCodec()
	remote := testRemote()
	cm.Bootstrap(remote, cc.DefaultIV)

	wrapped, err := codec.Wrap(testDataPacket(remote, "encrypted under the old default iv"))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	ct, err := encryptFor(cm, cc, remote, wrapped)
	if err != nil {
		t.Fatalf("encryptFor: %v", err)
	}

	// Establish a brand new slot-1 connection with a different iv. Rotation
	// moves the empty slot-1 into slot-0, dropping the default-iv connection.
	// A packet still in flight encrypted under the old iv must still decrypt
	// via the default-iv fallback that decryptAndUnwrap always tries last.
	newIV := cryptor.DefaultIV("a-different-password-entirely", 16)
	if err := cm.StoreConn(remote, connmgr.Slot2, &connmgr.Conn{Remote: remote, IV: newIV, State: connmgr.StateEstablishing, Slot: connmgr.Slot2}, true); err != nil {
		t.Fatalf("store slot-2: %v", err)
	}
	if err := cm.Establish(remote); err != nil {
		t.Fatalf("establish: %v", err)
	}

	pkt, err := decryptAndUnwrap(cm, cc, codec, remote, ct)
	if err != nil {
		t.Fatalf("decryptAndUnwrap should fall back to the default iv: %v", err)
	}
	if string(pkt.Data.Payload) != "encrypted under the old default iv" {
		t.Fatalf("payload = %q", pkt.Data.Payload)
	}
}

func TestDecryptFailsForUnknownRemoteWithoutDefaultIV(t *testing.T) {
	cm := connmgr.New(16, connmgr.IVRange{Lo: 60, Hi: 120}, nopTransport{})
	cc := testCipherConfig()
	cc.DefaultIV = nil
	codec := testCodec()

	if _, err := decryptAndUnwrap(cm, cc, codec, testRemote(), []byte("garbage")); err == nil {
		t.Fatalf("expected decrypt failure for unknown remote with no default iv")
	}
}
