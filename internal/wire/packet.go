// Package wire implements the overlay datagram wire format: a fixed header
// followed by a type-specific body. See [Codec] for packing and parsing.
package wire

import (
	"encoding/json"
	"net/netip"
)

// Type identifies the kind of body carried by a packet.
type Type byte

const (
	TypeData     Type = 0x01
	TypeCtrl     Type = 0x02
	TypeConnCtrl Type = 0x03
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeCtrl:
		return "CTRL"
	case TypeConnCtrl:
		return "CONN_CTRL"
	default:
		return "UNKNOWN"
	}
}

// Subject identifies the verb of a CTRL packet.
type Subject uint32

const (
	SubjectJoinCluster         Subject = 0x01
	SubjectLeaveCluster        Subject = 0x02
	SubjectReadClusterConfig   Subject = 0x11
	SubjectClusterStatusPush   Subject = 0xe1
	SubjectResponse            Subject = 0xff
)

// Packet is the parsed representation of an overlay datagram.
type Packet struct {
	Salt     []byte
	SN       uint64
	Time     uint64 // microseconds since epoch
	Type     Type
	Diverged bool
	Src      netip.AddrPort
	Dest     netip.AddrPort

	Data     DataBody
	Ctrl     CtrlBody
	ConnCtrl ConnCtrlBody
}

// DataBody is the payload of a DATA packet.
type DataBody struct {
	Payload []byte
}

// CtrlBody is the payload of a CTRL packet.
type CtrlBody struct {
	Subject Subject
	Content json.RawMessage
}

// ConnCtrlBody is the payload of a CONN_CTRL packet.
type ConnCtrlBody struct {
	IVChanged bool
	IVDuration uint64
	IV         []byte
}

// DecodeContent unmarshals the CTRL body content into v.
func (b CtrlBody) DecodeContent(v any) error {
	if len(b.Content) == 0 {
		return nil
	}
	return json.Unmarshal(b.Content, v)
}

// EncodeContent marshals v into the CTRL body content.
func (b *CtrlBody) EncodeContent(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Content = buf
	return nil
}
