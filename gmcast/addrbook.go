package gmcast

import (
	"math/rand"
	"time"

	"github.com/codership/galera-sub001/id"
)

// AddrBook holds the two address maps and the loopback blacklist spec.md
// describes: "Two maps pending_addrs and remote_addrs from address_string
// -> {...}. A separate addr_blacklist accumulates self-loopback entries."
type AddrBook struct {
	Pending    map[string]*AddrEntry
	Remote     map[string]*AddrEntry
	Blacklist  map[string]bool
	maxRetries int
	rng        *rand.Rand
}

// NewAddrBook builds an empty address book. maxRetries is gmcast.mira
// ("max initial reconnect attempts").
func NewAddrBook(maxRetries int, seed int64) *AddrBook {
	return &AddrBook{
		Pending:    make(map[string]*AddrEntry),
		Remote:     make(map[string]*AddrEntry),
		Blacklist:  make(map[string]bool),
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// AddPending registers an address to attempt connecting to (gmcast.peer_addr
// add:, or operator-configured seed peers), unless it is blacklisted.
func (b *AddrBook) AddPending(addr string, now time.Time) {
	if b.Blacklist[addr] {
		return
	}
	if _, ok := b.Pending[addr]; ok {
		return
	}
	b.Pending[addr] = &AddrEntry{Addr: addr, NextReconnect: now, RetryCnt: 0, MaxRetries: b.maxRetries}
}

// RemovePending implements the gmcast.peer_addr del: command.
func (b *AddrBook) RemovePending(addr string) {
	delete(b.Pending, addr)
	delete(b.Remote, addr)
}

// MergeDiscovered inserts an address learned via TOPOLOGY_CHANGE or UDP
// multicast discovery. Per spec.md: "unknown addresses are inserted with
// retry counter -1 and immediate reconnection attempt randomized over
// 100ms."
func (b *AddrBook) MergeDiscovered(addr string, peer id.UUID, now time.Time) {
	if b.Blacklist[addr] {
		return
	}
	if _, ok := b.Remote[addr]; ok {
		return
	}
	jitter := time.Duration(b.rng.Intn(100)) * time.Millisecond
	b.Remote[addr] = &AddrEntry{
		Addr: addr, UUID: peer, RetryCnt: -1, MaxRetries: b.maxRetries,
		NextReconnect: now.Add(jitter),
	}
}

// MarkConnected records a successful connection's last-seen/last-connect
// timestamps and the resolved UUID.
func (b *AddrBook) MarkConnected(addr string, peer id.UUID, now time.Time) {
	for _, m := range []map[string]*AddrEntry{b.Pending, b.Remote} {
		if e, ok := m[addr]; ok {
			e.UUID = peer
			e.LastSeen = now
			e.LastConnect = now
			e.RetryCnt = 0
		}
	}
}

// Blacklisted marks a self-loopback address so it is never retried
// (spec.md rule 2: "the loopback is blacklisted").
func (b *AddrBook) Blacklisted(addr string) {
	b.Blacklist[addr] = true
	delete(b.Pending, addr)
	delete(b.Remote, addr)
}

// ReadyToReconnect returns every address, across both maps, whose
// next_reconnect has elapsed and whose retry budget isn't exhausted,
// removing exhausted entries as it goes ("exhausted entries are erased").
func (b *AddrBook) ReadyToReconnect(now time.Time) []string {
	var out []string
	for _, m := range []map[string]*AddrEntry{b.Pending, b.Remote} {
		for addr, e := range m {
			if e.exhausted() {
				delete(m, addr)
				continue
			}
			if !e.NextReconnect.After(now) {
				out = append(out, addr)
			}
		}
	}
	return out
}

// RecordAttempt bumps an entry's retry counter and schedules the next
// attempt using exponential backoff capped at peer_timeout.
func (b *AddrBook) RecordAttempt(addr string, now time.Time, backoff, cap time.Duration) {
	for _, m := range []map[string]*AddrEntry{b.Pending, b.Remote} {
		if e, ok := m[addr]; ok {
			e.RetryCnt++
			delay := backoff * time.Duration(1<<uint(minInt(e.RetryCnt, 10)))
			if delay > cap {
				delay = cap
			}
			e.NextReconnect = now.Add(delay)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
