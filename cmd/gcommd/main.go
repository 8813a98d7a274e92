// Command gcommd is the thin daemon composition root: it parses a flat
// key=value configuration file, wires gmcast.Overlay -> evs.Proto ->
// pc.Proto into a node.Node, and drives reactor.Reactor.Run until
// signaled. It holds no protocol logic of its own, per spec.md's external
// interfaces section — everything here is wiring.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/gmcast"
	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/node"
	"github.com/codership/galera-sub001/pc"
	"github.com/codership/galera-sub001/reactor"
)

func main() {
	configPath := flag.String("config", "", "path to a key=value configuration file")
	dataDir := flag.String("data-dir", ".", "directory for gvwstate.dat")
	flag.Parse()

	log := glog.New()

	values, err := loadConfigFile(*configPath)
	if err != nil {
		log.Fatalf("gcommd: %v", err)
	}
	cfg := config.New(values)

	self := id.New()
	segment := id.Segment(cfg.Uint("gmcast.segment", 0))
	group := cfg.String("gmcast.group", "")
	listenAddr := cfg.String("gmcast.listen_addr", "tcp://0.0.0.0:4567")
	gvwstatePath := pc.DefaultGvwstatePath(*dataDir)

	n, err := node.New(self, segment, group, listenAddr, cfg, clock.System{}, log, gvwstatePath)
	if err != nil {
		log.Fatalf("gcommd: constructing node: %v", err)
	}

	transport, err := gmcast.Listen(listenAddr, cfg, log)
	if err != nil {
		log.Fatalf("gcommd: %v", err)
	}

	for _, addr := range splitPeerAddr(cfg.String("gmcast.peer_addr", "")) {
		n.AddSeed(addr)
	}

	r := reactor.New(n, transport, cfg, clock.System{}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("gcommd: node %s listening on %s (group=%q)", self, listenAddr, group)
	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Warnf("gcommd: reactor stopped: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		log.Warnf("gcommd: shutdown: %v", err)
	}
}

// loadConfigFile parses the "key=value" per line format spec.md's external
// interfaces section describes (the same shape gvwstate.dat's sibling
// config file uses). A blank path is valid: it means "run with defaults".
func loadConfigFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config %s: malformed line %q", path, line)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return values, nil
}

// splitPeerAddr parses gmcast.peer_addr's comma-separated seed list.
func splitPeerAddr(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
