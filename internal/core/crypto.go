package core

import (
	"fmt"
	"net/netip"

	"github.com/ovrmesh/meshnode/internal/connmgr"
	"github.com/ovrmesh/meshnode/internal/cryptor"
	"github.com/ovrmesh/meshnode/internal/wire"
)

// CipherConfig carries the (cipher, key) pair used to build a per-datagram
// [cryptor.Cryptor] from a connection's current IV. Spec §4.2: the cryptor
// is parameterized by (cipher, key, iv); key and cipher are fixed per node
// (net.crypto.cipher / net.crypto.password), iv comes from the connection
// manager's active slot for the remote peer.
type CipherConfig struct {
	Cipher    cryptor.Cipher
	Key       []byte
	DefaultIV []byte // seeds slot-0 before any CONN_CTRL handshake; spec §3.
}

// encryptFor seals plaintext under remote's preferred (read-priority)
// established connection's IV.
func encryptFor(cm *connmgr.Manager, cc CipherConfig, remote netip.AddrPort, plaintext []byte) ([]byte, error) {
	conn, err := cm.GetConn(remote)
	if err != nil {
		if len(cc.DefaultIV) == 0 {
			return nil, fmt.Errorf("core: no connection to encrypt for %s: %w", remote, err)
		}
		// first-contact datagram (e.g. the initial JOIN_CLUSTER or a
		// controller's reply to a not-yet-established peer): bootstrap
		// slot-0 with the shared default IV and retry.
		cm.Bootstrap(remote, cc.DefaultIV)
		conn, err = cm.GetConn(remote)
		if err != nil {
			return nil, fmt.Errorf("core: bootstrap failed to produce a connection for %s: %w", remote, err)
		}
	}
	c, err := cryptor.New(cc.Cipher, cc.Key, conn.IV)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(plaintext)
}

// decryptAndUnwrap tries each of remote's currently-usable slots' IVs in
// read-priority order (slot-1 before slot-0, per spec §4.5), since the wire
// format carries no explicit slot indicator and the receiver can't know
// ahead of time which IV the sender encrypted under. It decrypts AND unwraps
// under each candidate IV rather than trusting Decrypt's error alone: stream
// ciphers (AES-CFB/OFB, ChaCha20) have no authentication of their own and
// will "succeed" on any IV, so the wire layer's salt/MAC check is what
// actually proves the right key material was used.
func decryptAndUnwrap(cm *connmgr.Manager, cc CipherConfig, codec *wire.Codec, remote netip.AddrPort, raw []byte) (*wire.Packet, error) {
	ivs := make([][]byte, 0, 3)
	for _, slot := range []connmgr.Slot{connmgr.Slot1, connmgr.Slot0} {
		if conn, err := cm.ConnInSlot(remote, slot); err == nil {
			ivs = append(ivs, conn.IV)
		}
	}
	// remote not yet seen by this worker (e.g. controller's first JOIN_CLUSTER
	// from a peer it hasn't Bootstrap()'d): the default IV is deterministic
	// from the shared password, so both sides can derive it on demand.
	if len(cc.DefaultIV) > 0 {
		ivs = append(ivs, cc.DefaultIV)
	}

	var lastErr error
	for _, iv := range ivs {
		c, err := cryptor.New(cc.Cipher, cc.Key, iv)
		if err != nil {
			lastErr = err
			continue
		}
		plain, err := c.Decrypt(raw)
		if err != nil {
			lastErr = err
			continue
		}
		pkt, err := codec.Unwrap(plain)
		if err != nil {
			lastErr = err
			continue
		}
		return pkt, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("core: no usable connection for %s", remote)
	}
	return nil, fmt.Errorf("core: no candidate iv decrypts datagram from %s: %w", remote, lastErr)
}
