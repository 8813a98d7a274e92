package gmcast

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/codership/galera-sub001/id"
)

// Announce is the UDP multicast discovery datagram, per
// original_source/gcomm/src/gmcast.cpp's mcast_addr path (dropped by the
// distillation, supplemented back in here): "{uuid, listen_addr}"
// broadcast every peer_timeout/3 to gmcast.mcast_addr:mcast_port.
type Announce struct {
	Node       id.UUID
	ListenAddr string
}

func (a Announce) encode() []byte {
	addr := []byte(a.ListenAddr)
	buf := make([]byte, 0, 16+2+len(addr))
	buf = append(buf, a.Node.Bytes()...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(addr)))
	buf = append(buf, addr...)
	return buf
}

func decodeAnnounce(buf []byte) (Announce, error) {
	var a Announce
	if len(buf) < 16+2 {
		return a, fmt.Errorf("gmcast: short announce datagram")
	}
	u, err := id.FromBytes(buf[:16])
	if err != nil {
		return a, err
	}
	a.Node = u
	alen := int(binary.BigEndian.Uint16(buf[16:]))
	if 18+alen > len(buf) {
		return a, fmt.Errorf("gmcast: truncated announce address")
	}
	a.ListenAddr = string(buf[18 : 18+alen])
	return a, nil
}

// AnnounceFrame builds this node's own announce datagram for the caller
// to hand to a net.PacketConn joined to gmcast.mcast_addr.
func (o *Overlay) AnnounceFrame() []byte {
	return Announce{Node: o.self, ListenAddr: o.listenAddr}.encode()
}

// AnnouncePeriod is how often the caller should re-send AnnounceFrame,
// per original_source's peer_timeout/3 cadence.
func (o *Overlay) AnnouncePeriod() time.Duration {
	return o.cfg.Duration("peer_timeout", 3*time.Second) / 3
}

// HandleAnnounce merges a received UDP discovery datagram into the
// address book exactly like a TOPOLOGY_CHANGE entry.
func (o *Overlay) HandleAnnounce(payload []byte) {
	a, err := decodeAnnounce(payload)
	if err != nil {
		o.log.Debugf("gmcast: malformed announce datagram: %v", err)
		return
	}
	if a.Node == o.self {
		return
	}
	if _, known := o.conns[a.Node]; known {
		return
	}
	o.addrs.MergeDiscovered(a.ListenAddr, a.Node, o.clk.Now())
}

// ApplyPeerAddrCommand parses the gmcast.peer_addr runtime command
// syntax, "add:<addr>" or "del:<addr>", per spec.md's run-time parameter
// table.
func (o *Overlay) ApplyPeerAddrCommand(cmd string) error {
	switch {
	case strings.HasPrefix(cmd, "add:"):
		o.AddSeed(strings.TrimPrefix(cmd, "add:"))
		return nil
	case strings.HasPrefix(cmd, "del:"):
		o.RemoveSeed(strings.TrimPrefix(cmd, "del:"))
		return nil
	default:
		return fmt.Errorf("gmcast: unrecognized peer_addr command %q", cmd)
	}
}
