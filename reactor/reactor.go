// Package reactor provides the select-based single-threaded event loop
// spec.md's concurrency model names: one goroutine drains exactly one
// triggering event per tick (an inbound wire frame or an expired timer)
// and flushes everything that event produced as one outbound batch before
// the loop iterates again. It is the one package that owns a
// *timer.Queue, since evs.Proto and pc.Proto are themselves timer-less:
// they only know how to react to Tick(now, firedKinds).
package reactor

import (
	"context"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/gmcast"
	"github.com/codership/galera-sub001/node"
	"github.com/codership/galera-sub001/timer"
)

// Reactor drives one Node's wire I/O and timers.
type Reactor struct {
	node      *node.Node
	transport *gmcast.Listener
	cfg       *config.Config
	clk       clock.Clock
	log       glog.Logger

	timers *timer.Queue
}

// New wires a Reactor for node n, receiving frames over transport.
func New(n *node.Node, transport *gmcast.Listener, cfg *config.Config, clk clock.Clock, log glog.Logger) *Reactor {
	return &Reactor{
		node:      n,
		transport: transport,
		cfg:       cfg,
		clk:       clk,
		log:       log,
		timers:    timer.New(),
	}
}

// periodic is one of the fixed-interval timers the reactor re-arms every
// time it fires, matching spec.md's four-timer EVS table plus PC's
// announce-timeout re-broadcast.
type periodic struct {
	kind       timer.Kind
	configKey  string
	defaultDur time.Duration
}

var periodics = []periodic{
	{timer.Inactivity, "evs.inactive_check_period", time.Second},
	{timer.Retrans, "evs.join_retrans_period", time.Second},
	{timer.Install, "evs.install_timeout", 7500 * time.Millisecond},
	{timer.Stats, "evs.stats_report_period", time.Minute},
	{timer.Announce, "pc.announce_timeout", 3 * time.Second},
}

func (r *Reactor) armAll(now time.Time) {
	for _, p := range periodics {
		r.timers.Arm(p.kind, now.Add(r.cfg.Duration(p.configKey, p.defaultDur)))
	}
}

func (r *Reactor) rearm(kind timer.Kind, now time.Time) {
	for _, p := range periodics {
		if p.kind == kind {
			r.timers.Arm(kind, now.Add(r.cfg.Duration(p.configKey, p.defaultDur)))
			return
		}
	}
}

// Run drives the loop until ctx is cancelled or the transport's inbound
// channel closes. Real wall-clock time gates the select regardless of the
// clock seam the protocol packages were constructed with: the virtual
// clock exists for deterministic unit tests that call Tick directly, not
// for driving this loop.
func (r *Reactor) Run(ctx context.Context) error {
	r.armAll(r.clk.Now())
	dialTicker := time.NewTicker(r.cfg.Duration("peer_timeout", 3*time.Second) / 3)
	defer dialTicker.Stop()

	for {
		var waitC <-chan time.Time
		if expiry, ok := r.timers.Next(); ok {
			wait := time.Until(expiry)
			if wait < 0 {
				wait = 0
			}
			waitC = time.After(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-r.transport.Inbound():
			if !ok {
				return nil
			}
			r.handleReceived(ctx, rec)
		case <-waitC:
			r.handleTimers(ctx)
		case <-dialTicker.C:
			r.dialReady(ctx)
		}
	}
}

func (r *Reactor) handleReceived(ctx context.Context, rec gmcast.Received) {
	if rec.Err != nil {
		r.log.Debugf("reactor: connection %s closed: %v", rec.Addr, rec.Err)
		r.node.PeerDown(ctx, rec.Addr)
		return
	}
	tx, ok := r.transport.SenderForAddr(rec.Addr)
	if !ok {
		r.log.Warnf("reactor: frame from untracked connection %s", rec.Addr)
		return
	}
	if fatal := r.node.HandleWireFrame(ctx, rec.Addr, rec.Frame, rec.Payload, tx); fatal {
		r.log.Fatalf("reactor: fatal protocol violation from %s", rec.Addr)
	}
}

func (r *Reactor) handleTimers(ctx context.Context) {
	now := r.clk.Now()
	fired := r.timers.Fired(now)
	if len(fired) == 0 {
		return
	}
	for _, k := range fired {
		r.rearm(k, now)
	}
	addrs := r.node.Tick(ctx, now, fired)
	for _, addr := range addrs {
		r.dial(ctx, addr)
	}
}

func (r *Reactor) dialReady(ctx context.Context) {
	now := r.clk.Now()
	addrs := r.node.Tick(ctx, now, nil)
	for _, addr := range addrs {
		r.dial(ctx, addr)
	}
}

func (r *Reactor) dial(ctx context.Context, addr string) {
	tx, err := r.transport.Dial(addr)
	if err != nil {
		r.log.Warnf("reactor: dial %s failed: %v", addr, err)
		r.node.NoteDialFailure(addr)
		return
	}
	r.node.BeginHandshake(addr, tx)
}

// Close shuts the node and transport down.
func (r *Reactor) Close(ctx context.Context) error {
	r.node.Close(ctx)
	return r.transport.Close()
}
