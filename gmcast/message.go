// Package gmcast implements the transport overlay: a fully-connected mesh
// of per-peer TCP streams, peer discovery, handshake validation, address
// book / reconnection bookkeeping, topology propagation, and segment-aware
// broadcast relay, per spec.md §4.1.
package gmcast

import (
	"encoding/binary"
	"fmt"

	"github.com/codership/galera-sub001/id"
)

// FrameType discriminates what travels over a GMCast stream connection.
type FrameType uint8

const (
	FrameHandshake FrameType = iota
	FrameHandshakeResponse
	FrameHandshakeFail
	FrameData // opaque EVS datagram relayed upward
	FrameTopologyChange
	FrameKeepalive
)

// HandshakeFailReason enumerates spec.md's handshake validation outcomes.
type HandshakeFailReason uint8

const (
	FailNone HandshakeFailReason = iota
	FailInvalidGroup
	FailDuplicateUUID
	FailEvicted
)

func (r HandshakeFailReason) String() string {
	switch r {
	case FailInvalidGroup:
		return "invalid_group"
	case FailDuplicateUUID:
		return "duplicate_uuid"
	case FailEvicted:
		return "evicted"
	default:
		return "none"
	}
}

// Handshake is exchanged by both sides of a new connection per spec.md:
// "{version, handshake_uuid, node_uuid, segment, listen_address, group_name}".
type Handshake struct {
	Version       uint8
	HandshakeUUID id.UUID
	NodeUUID      id.UUID
	Segment       id.Segment
	ListenAddr    string
	Group         string
}

func (h Handshake) encode() []byte {
	addr := []byte(h.ListenAddr)
	group := []byte(h.Group)
	buf := make([]byte, 0, 1+16+16+2+2+len(addr)+2+len(group))
	buf = append(buf, h.Version)
	buf = append(buf, h.HandshakeUUID.Bytes()...)
	buf = append(buf, h.NodeUUID.Bytes()...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(h.Segment))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(addr)))
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(group)))
	buf = append(buf, group...)
	return buf
}

func decodeHandshake(buf []byte) (Handshake, error) {
	var h Handshake
	if len(buf) < 1+16+16+2+2 {
		return h, fmt.Errorf("gmcast: short handshake frame")
	}
	off := 0
	h.Version = buf[off]
	off++
	hu, err := id.FromBytes(buf[off : off+16])
	if err != nil {
		return h, err
	}
	h.HandshakeUUID = hu
	off += 16
	nu, err := id.FromBytes(buf[off : off+16])
	if err != nil {
		return h, err
	}
	h.NodeUUID = nu
	off += 16
	h.Segment = id.Segment(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	alen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+alen+2 > len(buf) {
		return h, fmt.Errorf("gmcast: truncated handshake address")
	}
	h.ListenAddr = string(buf[off : off+alen])
	off += alen
	glen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+glen > len(buf) {
		return h, fmt.Errorf("gmcast: truncated handshake group")
	}
	h.Group = string(buf[off : off+glen])
	return h, nil
}

// TopologyEntry is one row of a TOPOLOGY_CHANGE broadcast, per spec.md:
// "each node multicasts a TOPOLOGY_CHANGE message listing
// {peer_uuid -> (listen_addr, mcast_addr)}".
type TopologyEntry struct {
	Peer       id.UUID
	ListenAddr string
	McastAddr  string
}

func encodeTopology(entries []TopologyEntry) []byte {
	buf := make([]byte, 0, 4+len(entries)*48)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = append(buf, e.Peer.Bytes()...)
		la := []byte(e.ListenAddr)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(la)))
		buf = append(buf, la...)
		ma := []byte(e.McastAddr)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(ma)))
		buf = append(buf, ma...)
	}
	return buf
}

func decodeTopology(buf []byte) ([]TopologyEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("gmcast: short topology frame")
	}
	n := binary.BigEndian.Uint32(buf)
	off := 4
	out := make([]TopologyEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+16+2 > len(buf) {
			return nil, fmt.Errorf("gmcast: truncated topology entry")
		}
		peer, err := id.FromBytes(buf[off : off+16])
		if err != nil {
			return nil, err
		}
		off += 16
		llen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+llen+2 > len(buf) {
			return nil, fmt.Errorf("gmcast: truncated topology listen_addr")
		}
		listenAddr := string(buf[off : off+llen])
		off += llen
		mlen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+mlen > len(buf) {
			return nil, fmt.Errorf("gmcast: truncated topology mcast_addr")
		}
		mcastAddr := string(buf[off : off+mlen])
		off += mlen
		out = append(out, TopologyEntry{Peer: peer, ListenAddr: listenAddr, McastAddr: mcastAddr})
	}
	return out, nil
}
