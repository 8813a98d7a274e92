package gmcast

import (
	"fmt"
	"time"

	"github.com/codership/galera-sub001/id"
)

// ConnState is a single peer connection's state machine, per spec.md:
// "INIT -> HANDSHAKE_SENT -> HANDSHAKE_RESPONSE_SENT -> OK -> (FAILED |
// CLOSED), with a parallel accept path INIT -> HANDSHAKE_WAIT ->
// HANDSHAKE_RESPONSE_SENT -> OK."
type ConnState uint8

const (
	ConnInit ConnState = iota
	ConnHandshakeSent
	ConnHandshakeWait
	ConnHandshakeResponseSent
	ConnOK
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnInit:
		return "INIT"
	case ConnHandshakeSent:
		return "HANDSHAKE_SENT"
	case ConnHandshakeWait:
		return "HANDSHAKE_WAIT"
	case ConnHandshakeResponseSent:
		return "HANDSHAKE_RESPONSE_SENT"
	case ConnOK:
		return "OK"
	case ConnFailed:
		return "FAILED"
	case ConnClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", s)
	}
}

// PeerConn tracks one point-to-point connection's protocol state,
// independent of the actual socket (the socket is owned by Overlay so that
// PeerConn's handshake-validation logic is unit-testable without a real
// net.Conn).
type PeerConn struct {
	State         ConnState
	Outbound      bool // true if we dialed, false if we accepted
	RemoteUUID    id.UUID
	RemoteAddr    string
	RemoteSegment id.Segment
	HandshakeUUID id.UUID
	LastRecv      time.Time
	LastSend      time.Time
}

// handshakeResult is what validateHandshake decides for an
// incoming or completed handshake, per spec.md's five numbered rules.
type handshakeResult struct {
	ok     bool
	reason HandshakeFailReason
	fatal  bool // rule 3: duplicate UUID with no prior primary view is fatal
}

// validateHandshake implements spec.md §4.1's handshake validation rules
// 1-5, checked in the order 1, 5, 2/3, 4. localUUID/localGroup/everPrimary/knownHandshakeUUIDs/
// evictList/existingRemoteAddrs describe local node state the rules need.
func validateHandshake(
	h Handshake,
	localUUID id.UUID,
	localGroup string,
	everEnteredPrimary bool,
	knownHandshakeUUIDs map[id.UUID]bool,
	evictList map[id.UUID]bool,
	existingConnAddrByUUID map[id.UUID]string,
) handshakeResult {
	// Rule 1: group name must match.
	if h.Group != localGroup {
		return handshakeResult{ok: false, reason: FailInvalidGroup}
	}
	// Rule 5: evicted remote.
	if evictList[h.NodeUUID] {
		return handshakeResult{ok: false, reason: FailEvicted}
	}
	// Rule 2 & 3: remote UUID equals local UUID (loopback).
	if h.NodeUUID == localUUID {
		if knownHandshakeUUIDs[h.HandshakeUUID] {
			// Rule 2: blacklist the loopback, not fatal.
			return handshakeResult{ok: false, reason: FailDuplicateUUID}
		}
		if !everEnteredPrimary {
			// Rule 3: fatal duplicate UUID, operator must regenerate identity.
			return handshakeResult{ok: false, reason: FailDuplicateUUID, fatal: true}
		}
	}
	// Rule 4: another connection with same remote UUID but different address.
	if addr, exists := existingConnAddrByUUID[h.NodeUUID]; exists && addr != "" && addr != h.ListenAddr {
		return handshakeResult{ok: false, reason: FailDuplicateUUID}
	}
	return handshakeResult{ok: true}
}

// AddrEntry is one row of the address book, per spec.md's pending_addrs /
// remote_addrs maps: "{uuid, last_seen, next_reconnect, retry_cnt,
// max_retries, last_connect}".
type AddrEntry struct {
	Addr          string
	UUID          id.UUID
	LastSeen      time.Time
	NextReconnect time.Time
	RetryCnt      int
	MaxRetries    int
	LastConnect   time.Time
}

func (e AddrEntry) exhausted() bool {
	return e.MaxRetries >= 0 && e.RetryCnt > e.MaxRetries
}
