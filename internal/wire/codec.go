package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"

	"github.com/VictoriaMetrics/metrics"
)

// PktWrappingError is returned by [Codec.Wrap] when a header field can't be
// computed and has no usable default.
type PktWrappingError struct {
	Field string
	Err   error
}

func (e *PktWrappingError) Error() string {
	return fmt.Sprintf("wrap packet: field %q: %v", e.Field, e.Err)
}

func (e *PktWrappingError) Unwrap() error { return e.Err }

// ErrInvalid is returned by [Codec.Unwrap] for any malformed, truncated, or
// MAC-mismatched datagram. Per spec, the caller drops the datagram silently.
var ErrInvalid = errors.New("wire: invalid packet")

const (
	macSize      = sha256.Size * 2 // hex-encoded digest
	snSize       = 8
	timeSize     = 8
	typeSize     = 1
	divergedSize = 1
	addrSize     = 6 // 4 byte IPv4 + 2 byte big-endian port
)

// FieldCalculators supplies default values for header fields that the caller
// leaves unset when wrapping a packet. They are evaluated in priority order:
// salt, sn, time (priority 0), then the remaining declared fields in order,
// then the MAC last. Any nil calculator whose field is left zero fails
// wrapping with [PktWrappingError].
type FieldCalculators struct {
	Salt func() ([]byte, error)
	SN   func() (uint64, error)
	Time func() (uint64, error)
}

// Codec packs and unpacks overlay datagrams.
type Codec struct {
	saltLen int
	ivLen   int
	calc    FieldCalculators

	mWrapOK      *metrics.Counter
	mWrapErr     *metrics.Counter
	mUnwrapOK    *metrics.Counter
	mUnwrapBad   *metrics.Counter
}

// New creates a Codec. saltLen is the configured salt length (default 8).
// ivLen is the configured CONN_CTRL IV length, used only when unwrapping
// CONN_CTRL bodies (the length isn't self-describing on the wire).
func New(saltLen, ivLen int, calc FieldCalculators) *Codec {
	if saltLen <= 0 {
		saltLen = 8
	}
	if calc.Salt == nil {
		calc.Salt = func() ([]byte, error) {
			b := make([]byte, saltLen)
			_, err := rand.Read(b)
			return b, err
		}
	}
	return &Codec{
		saltLen: saltLen,
		ivLen:   ivLen,
		calc:    calc,

		mWrapOK:    metrics.NewCounter(`meshnode_wire_wrap_total{result="ok"}`),
		mWrapErr:   metrics.NewCounter(`meshnode_wire_wrap_total{result="error"}`),
		mUnwrapOK:  metrics.NewCounter(`meshnode_wire_unwrap_total{result="ok"}`),
		mUnwrapBad: metrics.NewCounter(`meshnode_wire_unwrap_total{result="invalid"}`),
	}
}

// Wrap composes the header and body of pkt into a wire datagram. Salt, SN,
// and Time are filled from the configured calculators if zero/nil.
func (c *Codec) Wrap(pkt *Packet) ([]byte, error) {
	b, err := c.wrap(pkt)
	if err != nil {
		c.mWrapErr.Inc()
		return nil, err
	}
	c.mWrapOK.Inc()
	return b, nil
}

func (c *Codec) wrap(pkt *Packet) ([]byte, error) {
	salt := pkt.Salt
	if len(salt) == 0 {
		var err error
		if salt, err = c.calc.Salt(); err != nil {
			return nil, &PktWrappingError{"salt", err}
		}
	}

	sn := pkt.SN
	if sn == 0 {
		if c.calc.SN == nil {
			return nil, &PktWrappingError{"sn", errors.New("no value and no calculator")}
		}
		var err error
		if sn, err = c.calc.SN(); err != nil {
			return nil, &PktWrappingError{"sn", err}
		}
	}

	ts := pkt.Time
	if ts == 0 {
		if c.calc.Time == nil {
			return nil, &PktWrappingError{"time", errors.New("no value and no calculator")}
		}
		var err error
		if ts, err = c.calc.Time(); err != nil {
			return nil, &PktWrappingError{"time", err}
		}
	}

	body, err := encodeBody(pkt)
	if err != nil {
		return nil, &PktWrappingError{"body", err}
	}

	// Header fields in declared order, minus salt (written first) and mac
	// (computed last from everything else).
	rest := make([]byte, 0, snSize+timeSize+typeSize+divergedSize+addrSize*2)
	rest = binary.LittleEndian.AppendUint64(rest, sn)
	rest = binary.LittleEndian.AppendUint64(rest, ts)
	rest = append(rest, byte(pkt.Type))
	rest = append(rest, boolByte(pkt.Diverged))
	rest = appendAddr(rest, pkt.Src)
	rest = appendAddr(rest, pkt.Dest)

	mac := computeMAC(salt, rest, body)

	out := make([]byte, 0, len(salt)+macSize+len(rest)+len(body))
	out = append(out, salt...)
	out = append(out, mac...)
	out = append(out, rest...)
	out = append(out, body...)
	return out, nil
}

// Unwrap parses b into a Packet, verifying the MAC. Any error is
// [ErrInvalid]; the caller should drop the datagram.
func (c *Codec) Unwrap(b []byte) (*Packet, error) {
	pkt, err := c.unwrap(b)
	if err != nil {
		c.mUnwrapBad.Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.mUnwrapOK.Inc()
	return pkt, nil
}

func (c *Codec) unwrap(b []byte) (*Packet, error) {
	cur := cursor{b: b}

	salt, err := cur.take(c.saltLen)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	mac, err := cur.take(macSize)
	if err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	rest := cur.b[cur.i:]

	snB, err := cur.take(snSize)
	if err != nil {
		return nil, fmt.Errorf("sn: %w", err)
	}
	tsB, err := cur.take(timeSize)
	if err != nil {
		return nil, fmt.Errorf("time: %w", err)
	}
	typB, err := cur.take(typeSize)
	if err != nil {
		return nil, fmt.Errorf("type: %w", err)
	}
	divB, err := cur.take(divergedSize)
	if err != nil {
		return nil, fmt.Errorf("diverged: %w", err)
	}
	srcB, err := cur.take(addrSize)
	if err != nil {
		return nil, fmt.Errorf("src: %w", err)
	}
	destB, err := cur.take(addrSize)
	if err != nil {
		return nil, fmt.Errorf("dest: %w", err)
	}
	body := cur.b[cur.i:]

	typ := Type(typB[0])
	switch typ {
	case TypeData, TypeCtrl, TypeConnCtrl:
	default:
		return nil, fmt.Errorf("unknown type 0x%02x", typB[0])
	}

	pkt := &Packet{
		Salt:     append([]byte(nil), salt...),
		SN:       binary.LittleEndian.Uint64(snB),
		Time:     binary.LittleEndian.Uint64(tsB),
		Type:     typ,
		Diverged: divB[0] != 0,
		Src:      parseAddr(srcB),
		Dest:     parseAddr(destB),
	}

	if err := decodeBody(pkt, body, c.ivLen); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	want := computeMAC(salt, rest[:len(rest)-len(body)], body)
	if !hmacEqual(mac, want) {
		return nil, errors.New("mac mismatch")
	}
	return pkt, nil
}

func computeMAC(salt, headerRest, body []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(headerRest)
	h.Write(body)
	sum := h.Sum(nil)
	mac := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(mac, sum)
	return mac
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func encodeBody(pkt *Packet) ([]byte, error) {
	switch pkt.Type {
	case TypeData:
		return pkt.Data.Payload, nil
	case TypeCtrl:
		b := make([]byte, 0, 4+len(pkt.Ctrl.Content))
		b = binary.LittleEndian.AppendUint32(b, uint32(pkt.Ctrl.Subject))
		b = append(b, pkt.Ctrl.Content...)
		return b, nil
	case TypeConnCtrl:
		b := make([]byte, 0, 1+8+len(pkt.ConnCtrl.IV))
		b = append(b, boolByte(pkt.ConnCtrl.IVChanged))
		b = binary.LittleEndian.AppendUint64(b, pkt.ConnCtrl.IVDuration)
		b = append(b, pkt.ConnCtrl.IV...)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown type 0x%02x", byte(pkt.Type))
	}
}

func decodeBody(pkt *Packet, body []byte, ivLen int) error {
	switch pkt.Type {
	case TypeData:
		pkt.Data = DataBody{Payload: append([]byte(nil), body...)}
		return nil
	case TypeCtrl:
		if len(body) < 4 {
			return errors.New("truncated ctrl body")
		}
		pkt.Ctrl = CtrlBody{
			Subject: Subject(binary.LittleEndian.Uint32(body)),
			Content: append(json.RawMessage(nil), body[4:]...),
		}
		return nil
	case TypeConnCtrl:
		if len(body) < 1+8+ivLen {
			return errors.New("truncated conn_ctrl body")
		}
		pkt.ConnCtrl = ConnCtrlBody{
			IVChanged:  body[0] != 0,
			IVDuration: binary.LittleEndian.Uint64(body[1:9]),
			IV:         append([]byte(nil), body[9:9+ivLen]...),
		}
		return nil
	default:
		return fmt.Errorf("unknown type 0x%02x", byte(pkt.Type))
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// appendAddr encodes an IPv4 socket address as 4 network-order address bytes
// followed by a big-endian port. IPv6 is a non-goal in v0.
func appendAddr(b []byte, a netip.AddrPort) []byte {
	addr := a.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	a4 := addr.As4()
	b = append(b, a4[:]...)
	return binary.BigEndian.AppendUint16(b, a.Port())
}

func parseAddr(b []byte) netip.AddrPort {
	addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	port := binary.BigEndian.Uint16(b[4:6])
	return netip.AddrPortFrom(addr, port)
}

type cursor struct {
	b []byte
	i int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.i+n > len(c.b) {
		return nil, errors.New("insufficient bytes")
	}
	b := c.b[c.i : c.i+n]
	c.i += n
	return b, nil
}
