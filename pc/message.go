// Package pc implements the primary-component filter: quorum arithmetic,
// split-brain detection, STATE exchange and consistency validation, and
// view-persistence, layered directly on top of the views evs.Proto
// delivers, per spec.md §4.3.
package pc

import (
	"encoding/binary"
	"fmt"

	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/wire"
)

// MsgType discriminates a PC datagram.
type MsgType uint8

const (
	MsgState MsgType = iota
	MsgInstall
	MsgUser
)

func (t MsgType) String() string {
	switch t {
	case MsgState:
		return "STATE"
	case MsgInstall:
		return "INSTALL"
	case MsgUser:
		return "USER"
	default:
		return fmt.Sprintf("MsgType(%d)", t)
	}
}

// Flags is a small bitset carried in the PC header; the only bit defined
// today signals that the checksum field is meaningful.
type Flags uint8

const FlagChecksum Flags = 1 << 0

// NodeState is one row of a STATE/INSTALL message's node_map, per
// spec.md's PC NodeState definition.
type NodeState struct {
	Prim          bool
	Un            bool // unoperational per the sender's own EVS view
	Evicted       bool
	LastSeq       uint32
	LastPrimView  id.ViewId
	ToSeq         int64
	Weight        uint32
	Segment       id.Segment
}

const nodeStateSize = 1 + 4 + viewIdSize + 8 + 4 + 2 // flags byte, last_seq, last_prim_view, to_seq, weight, segment
const viewIdSize = 1 + 16 + 4                          // type byte, rep uuid, seq

// Message is the PC wire tagged union: STATE and INSTALL both carry a
// full node_map; USER wraps an opaque EVS payload under PC's own
// monotonic seq and optional CRC16.
type Message struct {
	Type     MsgType
	Version  uint8
	Flags    Flags
	Seq      uint32
	Checksum uint16
	NodeMap  map[id.UUID]NodeState
	Payload  []byte // MsgUser only
}

func (m Message) bodySize() int {
	switch m.Type {
	case MsgState, MsgInstall:
		return 4 + len(m.NodeMap)*(16+nodeStateSize)
	case MsgUser:
		return 4 + len(m.Payload)
	default:
		return 0
	}
}

// SerialSize returns the exact encoded length, satisfying spec.md's
// round-trip invariant bytes_written == serial_size.
func (m Message) SerialSize() int {
	return 4 + 2 + m.bodySize() // prolog + checksum slot
}

func encodeNodeState(w *wire.Writer, s NodeState) {
	var flags uint8
	if s.Prim {
		flags |= 1
	}
	if s.Un {
		flags |= 2
	}
	if s.Evicted {
		flags |= 4
	}
	w.U8(flags)
	w.U32(s.LastSeq)
	w.U8(uint8(s.LastPrimView.Type))
	w.Bytes(s.LastPrimView.Rep.Bytes())
	w.U32(s.LastPrimView.Seq)
	w.U64(uint64(s.ToSeq))
	w.U32(s.Weight)
	w.U16(uint16(s.Segment))
}

func decodeNodeState(r *wire.Reader) NodeState {
	var s NodeState
	flags := r.U8()
	s.Prim = flags&1 != 0
	s.Un = flags&2 != 0
	s.Evicted = flags&4 != 0
	s.LastSeq = r.U32()
	s.LastPrimView.Type = id.ViewType(r.U8())
	rep, _ := id.FromBytes(r.Bytes(16))
	s.LastPrimView.Rep = rep
	s.LastPrimView.Seq = r.U32()
	s.ToSeq = int64(r.U64())
	s.Weight = r.U32()
	s.Segment = id.Segment(r.U16())
	return s
}

// Serialize encodes the message per spec.md's shared 4-byte prolog
// `(version, type, flags, reserved)` followed by a checksum slot and the
// type-specific body. If pc.checksum is enabled the caller should set
// m.Checksum via wire.Checksum16 over the zero-filled-checksum encoding,
// matching spec.md: "computed after the CRC slot itself, which is
// zero-filled for the computation".
func (m Message) Serialize() []byte {
	w := wire.NewWriter(m.SerialSize())
	w.U8(m.Version)
	w.U8(uint8(m.Type))
	w.U8(uint8(m.Flags))
	w.U8(0)
	w.U16(m.Checksum)
	switch m.Type {
	case MsgState, MsgInstall:
		w.U32(uint32(len(m.NodeMap)))
		for u, s := range m.NodeMap {
			w.Bytes(u.Bytes())
			encodeNodeState(w, s)
		}
	case MsgUser:
		w.U32(uint32(len(m.Payload)))
		w.Bytes(m.Payload)
	}
	return w.Buf()
}

// WithChecksum returns a copy of m with Checksum recomputed over the
// serialized form (checksum slot zeroed for the computation).
func (m Message) WithChecksum() Message {
	m.Checksum = 0
	m.Flags |= FlagChecksum
	buf := m.Serialize()
	m.Checksum = wire.Checksum16(buf)
	return m
}

// VerifyChecksum reports whether a FlagChecksum message's CRC still
// matches its current bytes (spec.md: "mismatch is fatal").
func VerifyChecksum(buf []byte) bool {
	if len(buf) < 6 {
		return false
	}
	want := binary.BigEndian.Uint16(buf[4:6])
	zeroed := append([]byte(nil), buf...)
	zeroed[4], zeroed[5] = 0, 0
	return wire.Checksum16(zeroed) == want
}

// Deserialize decodes a PC datagram produced by Serialize.
func Deserialize(buf []byte) (Message, error) {
	var m Message
	r := wire.NewReader(buf)
	m.Version = r.U8()
	m.Type = MsgType(r.U8())
	m.Flags = Flags(r.U8())
	r.U8() // reserved
	m.Checksum = r.U16()
	switch m.Type {
	case MsgState, MsgInstall:
		n := r.U32()
		m.NodeMap = make(map[id.UUID]NodeState, n)
		for i := uint32(0); i < n; i++ {
			u, err := id.FromBytes(r.Bytes(16))
			if err != nil {
				return m, err
			}
			m.NodeMap[u] = decodeNodeState(r)
		}
	case MsgUser:
		n := r.U32()
		m.Payload = append([]byte(nil), r.Bytes(int(n))...)
	default:
		return m, fmt.Errorf("pc: unknown message type %d", m.Type)
	}
	if err := r.Err(); err != nil {
		return m, err
	}
	return m, nil
}
