// Package evs implements the Extended Virtual Synchrony protocol:
// view agreement and causal/FIFO/agreed/safe message ordering, flow
// control, message recovery, failure detection, and eviction, per
// spec.md §4.2.
package evs

import (
	"fmt"

	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/wire"
)

// MsgType discriminates the EVS message tagged union.
type MsgType uint8

const (
	MsgUser MsgType = iota
	MsgDelegate
	MsgGap
	MsgJoin
	MsgInstall
	MsgLeave
	MsgDelayedList
)

func (t MsgType) String() string {
	switch t {
	case MsgUser:
		return "USER"
	case MsgDelegate:
		return "DELEGATE"
	case MsgGap:
		return "GAP"
	case MsgJoin:
		return "JOIN"
	case MsgInstall:
		return "INSTALL"
	case MsgLeave:
		return "LEAVE"
	case MsgDelayedList:
		return "DELAYED_LIST"
	default:
		return fmt.Sprintf("MsgType(%d)", t)
	}
}

// Order is the delivery-ordering class a USER message requests.
type Order uint8

const (
	OrderDrop Order = iota
	OrderUnreliable
	OrderFifo
	OrderAgreed
	OrderSafe
	OrderLocalCausal
)

// Flags is the shared bitset carried by every EVS message.
type Flags uint8

const (
	FlagSource Flags = 1 << iota
	FlagRetrans
	FlagMsgMore
	FlagAggregate
	FlagCommit
	FlagSegmentRelay
	FlagRelay
	FlagBootstrap
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// DelayedReport is one entry of a DELAYED_LIST message: a peer this node
// believes is lagging, with how many consecutive reports it has
// accumulated towards evs.auto_evict.
type DelayedReport struct {
	Node  id.UUID
	Count uint32
}

// NodeMapEntry is the per-node snapshot carried by JOIN/INSTALL messages,
// letting peers compare their local node table against the sender's.
type NodeMapEntry struct {
	Node       id.UUID
	Operational bool
	Suspected   bool
	LeftSeq     uint32 // seq of this node's own last-sent LEAVE, 0 if none
	Segment     id.Segment
}

// Message is the EVS tagged union. Only the fields relevant to Type are
// meaningful; this mirrors the teacher's approach of a single struct with
// a discriminant (types.Message carries State/Destination/Content
// regardless of whether they apply) generalized to EVS's richer header.
type Message struct {
	Version      uint8
	Type         MsgType
	Source       id.UUID
	SourceView   id.ViewId
	Seq          uint32
	SeqRange     uint8 // number of additional seqs aggregated starting at Seq
	AruSeq       uint32
	FifoSeq      uint32
	Flags        Flags
	Order        Order // USER only

	Payload []byte // USER/DELEGATE content, immutable once sent

	// GAP
	GapSource id.UUID
	GapLow    uint32
	GapHigh   uint32

	// JOIN / INSTALL / LEAVE
	ProposedView id.ViewId
	NodeMap      []NodeMapEntry

	// DELAYED_LIST
	Delayed []DelayedReport
}

// SerialSize returns the exact byte length Serialize will produce, which
// must equal len(Serialize(m)) per spec.md's round-trip testable property.
func (m Message) SerialSize() int {
	// 4-byte prolog (version, type, flags, reserved/range) + Source(16)
	// + SourceView(1+16+4) + Seq(4) + AruSeq(4) + FifoSeq(4) + Order(1).
	n := 4 + 16 + 21 + 4 + 4 + 4 + 1
	switch m.Type {
	case MsgUser, MsgDelegate:
		n += 4 + len(m.Payload) // length prefix + payload
	case MsgGap:
		n += 16 + 4 + 4
	case MsgJoin, MsgInstall, MsgLeave:
		n += 21 // ProposedView (type, rep, seq)
		n += 4 + len(m.NodeMap)*nodeMapEntrySize
	case MsgDelayedList:
		n += 4 + len(m.Delayed)*20
	}
	return n
}

const nodeMapEntrySize = 16 + 1 + 1 + 4 + 2

// Serialize encodes m using the shared big-endian prolog described in
// spec.md §6: "(u8 version, u8 type, u8 flags, u8 reserved_or_range)".
func (m Message) Serialize() []byte {
	w := wire.NewWriter(m.SerialSize())
	w.U8(m.Version)
	w.U8(uint8(m.Type))
	w.U8(uint8(m.Flags))
	w.U8(m.SeqRange)
	w.Bytes(m.Source.Bytes())
	w.U8(uint8(m.SourceView.Type))
	w.Bytes(m.SourceView.Rep.Bytes())
	w.U32(m.SourceView.Seq)
	w.U32(m.Seq)
	w.U32(m.AruSeq)
	w.U32(m.FifoSeq)
	w.U8(uint8(m.Order))

	switch m.Type {
	case MsgUser, MsgDelegate:
		w.LenPrefixedBytes(m.Payload)
	case MsgGap:
		w.Bytes(m.GapSource.Bytes())
		w.U32(m.GapLow)
		w.U32(m.GapHigh)
	case MsgJoin, MsgInstall, MsgLeave:
		w.U8(uint8(m.ProposedView.Type))
		w.Bytes(m.ProposedView.Rep.Bytes())
		w.U32(m.ProposedView.Seq)
		w.U32(uint32(len(m.NodeMap)))
		for _, e := range m.NodeMap {
			w.Bytes(e.Node.Bytes())
			w.U8(boolByte(e.Operational))
			w.U8(boolByte(e.Suspected))
			w.U32(e.LeftSeq)
			w.U16(uint16(e.Segment))
		}
	case MsgDelayedList:
		w.U32(uint32(len(m.Delayed)))
		for _, d := range m.Delayed {
			w.Bytes(d.Node.Bytes())
			w.U32(d.Count)
		}
	}
	return w.Buf()
}

// Deserialize parses a Message previously produced by Serialize.
func Deserialize(buf []byte) (Message, error) {
	r := wire.NewReader(buf)
	var m Message
	m.Version = r.U8()
	m.Type = MsgType(r.U8())
	m.Flags = Flags(r.U8())
	m.SeqRange = r.U8()
	src, err := id.FromBytes(r.Bytes(16))
	if err != nil {
		return Message{}, err
	}
	m.Source = src
	m.SourceView.Type = id.ViewType(r.U8())
	rep, err := id.FromBytes(r.Bytes(16))
	if err != nil {
		return Message{}, err
	}
	m.SourceView.Rep = rep
	m.SourceView.Seq = r.U32()
	m.Seq = r.U32()
	m.AruSeq = r.U32()
	m.FifoSeq = r.U32()
	m.Order = Order(r.U8())

	switch m.Type {
	case MsgUser, MsgDelegate:
		m.Payload = r.LenPrefixedBytes()
	case MsgGap:
		gs, err := id.FromBytes(r.Bytes(16))
		if err != nil {
			return Message{}, err
		}
		m.GapSource = gs
		m.GapLow = r.U32()
		m.GapHigh = r.U32()
	case MsgJoin, MsgInstall, MsgLeave:
		m.ProposedView.Type = id.ViewType(r.U8())
		pv, err := id.FromBytes(r.Bytes(16))
		if err != nil {
			return Message{}, err
		}
		m.ProposedView.Rep = pv
		m.ProposedView.Seq = r.U32()
		n := r.U32()
		m.NodeMap = make([]NodeMapEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			node, err := id.FromBytes(r.Bytes(16))
			if err != nil {
				return Message{}, err
			}
			op := r.U8() != 0
			susp := r.U8() != 0
			left := r.U32()
			seg := r.U16()
			m.NodeMap = append(m.NodeMap, NodeMapEntry{
				Node: node, Operational: op, Suspected: susp,
				LeftSeq: left, Segment: id.Segment(seg),
			})
		}
	case MsgDelayedList:
		n := r.U32()
		m.Delayed = make([]DelayedReport, 0, n)
		for i := uint32(0); i < n; i++ {
			node, err := id.FromBytes(r.Bytes(16))
			if err != nil {
				return Message{}, err
			}
			m.Delayed = append(m.Delayed, DelayedReport{Node: node, Count: r.U32()})
		}
	}
	if r.Err() != nil {
		return Message{}, r.Err()
	}
	return m, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
