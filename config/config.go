// Package config is the typed view over the flat key-value configuration
// map spec.md §6 enumerates. It is deliberately not backed by a
// registration/binding framework like viper — see SPEC_FULL.md §7 for why.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is an owned, instance-scoped configuration map passed at
// construction to every layer, matching spec.md's "There is no
// module-level mutable state" design note: nothing here is a package
// global.
type Config struct {
	values map[string]string
}

// New builds a Config seeded with the full default table (Defaults),
// then overlays the given values.
func New(values map[string]string) *Config {
	c := &Config{values: make(map[string]string)}
	for k, v := range Defaults() {
		c.values[k] = v
	}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Set assigns a single key, used for the runtime set_param-style commands
// named in spec.md (gmcast.peer_addr add:/del:, evs.evict, pc.weight).
func (c *Config) Set(key, value string) {
	c.values[key] = value
}

// Get returns the raw string value and whether it was present.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// String returns the value or def if unset.
func (c *Config) String(key, def string) string {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Duration parses a Go-style duration string ("500ms", "5s").
func (c *Config) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Uint parses an unsigned integer value.
func (c *Config) Uint(key string, def uint64) uint64 {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Bool parses a boolean value ("true"/"false"/"1"/"0"/"yes"/"no").
func (c *Config) Bool(key string, def bool) bool {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Addr parses a "host:port" pair.
func (c *Config) Addr(key, def string) (host string, port uint16, err error) {
	raw := c.String(key, def)
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("config: %s=%q is not host:port", key, raw)
	}
	p, err := strconv.ParseUint(raw[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("config: %s=%q has invalid port: %w", key, raw, err)
	}
	return raw[:idx], uint16(p), nil
}

// Defaults reproduces the default-value table from
// original_source/gcomm/src/defaults.hpp, named explicitly rather than
// leaving magic numbers scattered through evs/pc/gmcast.
func Defaults() map[string]string {
	return map[string]string{
		"base_host": "0.0.0.0",
		"base_port": "4567",

		"gmcast.version":     "0",
		"gmcast.group":       "",
		"gmcast.listen_addr": "tcp://0.0.0.0:4567",
		"gmcast.mcast_addr":  "",
		"gmcast.mcast_port":  "4567",
		"gmcast.mcast_ttl":   "1",
		"gmcast.peer_addr":   "",
		"gmcast.time_wait":   "5s",
		"peer_timeout":       "3s",
		"gmcast.mira":        "10",
		"gmcast.segment":     "0",
		"gmcast.isolate":     "0",

		"evs.view_forget_timeout":    "5m",
		"evs.inactive_timeout":       "15s",
		"evs.suspect_timeout":        "5s",
		"evs.inactive_check_period":  "1s",
		"evs.install_timeout":        "7500ms",
		"evs.keepalive_period":       "1s",
		"evs.join_retrans_period":    "1s",
		"evs.stats_report_period":    "1m",
		"evs.causal_keepalive_period": "1s",
		"evs.delay_margin":           "1s",
		"evs.delayed_keep_period":    "30s",
		"evs.send_window":            "512",
		"evs.user_send_window":       "256",
		"evs.use_aggregate":          "true",
		"evs.max_install_timeouts":   "3",
		"evs.auto_evict":             "0",
		"evs.evict":                  "",

		"pc.ignore_sb":          "false",
		"pc.ignore_quorum":      "false",
		"pc.npvo":               "false",
		"pc.checksum":           "false",
		"pc.bootstrap":          "false",
		"pc.wait_prim":          "false",
		"pc.wait_prim_timeout":  "30s",
		"pc.announce_timeout":   "3s",
		"pc.linger":             "10s",
		"pc.weight":             "1",
		"pc.recovery":           "false",

		"socket.ssl":                 "false",
		"socket.ssl_key":             "",
		"socket.ssl_cert":            "",
		"socket.ssl_ca":              "",
		"socket.ssl_cipher":          "",
		"socket.ssl_password_file":   "",
		"socket.ssl_compression":     "false",
		"socket.checksum":            "false",
	}
}
