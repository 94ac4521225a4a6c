// Package config loads and validates the TOML configuration file that
// drives a tuicd server instance.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Duration wraps time.Duration so it can be decoded from a TOML string
// such as "3s" or "10s" via encoding.TextUnmarshaler, the same way the
// upstream Rust config accepts human-readable duration strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// TLS holds certificate configuration for the QUIC endpoint.
type TLS struct {
	SelfSign    bool     `toml:"self_sign"`
	Certificate string   `toml:"certificate"`
	PrivateKey  string   `toml:"private_key"`
	ALPN        []string `toml:"alpn"`
}

// CongestionControl selects the QUIC congestion controller and its
// initial window.
type CongestionControl struct {
	Controller    string `toml:"controller"`
	InitialWindow uint64 `toml:"initial_window"`
}

// Controller values accepted by CongestionControl.Controller.
const (
	ControllerCubic   = "cubic"
	ControllerNewReno = "new_reno"
	ControllerBBR     = "bbr"
)

// QUIC holds transport-level tuning knobs.
type QUIC struct {
	CongestionControl CongestionControl `toml:"congestion_control"`
	InitialMTU         uint16           `toml:"initial_mtu"`
	MinMTU             uint16           `toml:"min_mtu"`
	GSO                bool             `toml:"gso"`
	PMTU               bool             `toml:"pmtu"`
	SendWindow         uint64           `toml:"send_window"`
	ReceiveWindow      uint32           `toml:"receive_window"`
	MaxIdleTime        Duration         `toml:"max_idle_time"`
}

// Restful configures the optional admin HTTP surface.
type Restful struct {
	Addr                  string `toml:"addr"`
	Secret                string `toml:"secret"`
	MaximumClientsPerUser uint64 `toml:"maximum_clients_per_user"`
}

// Enabled reports whether the admin surface should be started at all.
func (r *Restful) Enabled() bool {
	return r != nil && r.Addr != ""
}

// Audit configures the optional sqlite-backed connection-lifecycle log.
// Not part of spec.md's external interface table; a supplemental,
// best-effort addition (see SPEC_FULL.md §11).
type Audit struct {
	Path string `toml:"path"`
}

// Enabled reports whether the audit log should be opened at all.
func (a *Audit) Enabled() bool {
	return a != nil && a.Path != ""
}

// Config is the root of tuicd's TOML configuration file.
type Config struct {
	Server string            `toml:"server"`
	Users  map[string]string `toml:"users"`

	TLS  TLS  `toml:"tls"`
	QUIC QUIC `toml:"quic"`

	UDPRelayIPv6           bool     `toml:"udp_relay_ipv6"`
	ZeroRTTHandshake       bool     `toml:"zero_rtt_handshake"`
	DualStack              bool     `toml:"dual_stack"`
	AuthTimeout            Duration `toml:"auth_timeout"`
	TaskNegotiationTimeout Duration `toml:"task_negotiation_timeout"`
	GCInterval             Duration `toml:"gc_interval"`
	GCLifetime             Duration `toml:"gc_lifetime"`
	MaxExternalPacketSize  int      `toml:"max_external_packet_size"`
	StreamTimeout          Duration `toml:"stream_timeout"`

	Restful *Restful `toml:"restful"`
	Audit   *Audit   `toml:"audit"`
}

// Defaults returns a Config populated with every default from spec.md §6.
func Defaults() *Config {
	return &Config{
		Server: "[::]:443",
		TLS: TLS{
			ALPN: []string{},
		},
		QUIC: QUIC{
			CongestionControl: CongestionControl{
				Controller:    ControllerBBR,
				InitialWindow: 1 << 20, // 1 MiB
			},
			InitialMTU:    1200,
			MinMTU:        1200,
			GSO:           true,
			PMTU:          true,
			SendWindow:    16 << 20, // 16 MiB
			ReceiveWindow: 8 << 20,  // 8 MiB
			MaxIdleTime:   Duration{10 * time.Second},
		},
		UDPRelayIPv6:           true,
		ZeroRTTHandshake:       false,
		DualStack:              true,
		AuthTimeout:            Duration{3 * time.Second},
		TaskNegotiationTimeout: Duration{3 * time.Second},
		GCInterval:             Duration{3 * time.Second},
		GCLifetime:             Duration{15 * time.Second},
		MaxExternalPacketSize:  1500,
		StreamTimeout:          Duration{60 * time.Second},
	}
}

// Load reads path, decodes it over the defaults, and rejects any field not
// recognized at any nesting level (the TOML analog of serde's
// deny_unknown_fields, used by the upstream config.rs this was distilled
// from).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Defaults()
	meta, err := toml.Decode(string(raw), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config field(s): %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that the TOML decode step alone
// cannot express.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("server: invalid listen address %q: %w", c.Server, err)
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("users: at least one user is required")
	}
	for id := range c.Users {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("users: invalid uuid %q: %w", id, err)
		}
	}
	if !c.TLS.SelfSign {
		if c.TLS.Certificate == "" || c.TLS.PrivateKey == "" {
			return fmt.Errorf("tls: certificate and private_key are required unless self_sign is set")
		}
	}
	switch c.QUIC.CongestionControl.Controller {
	case ControllerCubic, ControllerNewReno, ControllerBBR:
	default:
		return fmt.Errorf("quic.congestion_control.controller: unknown controller %q", c.QUIC.CongestionControl.Controller)
	}
	if c.Restful.Enabled() {
		if _, _, err := net.SplitHostPort(c.Restful.Addr); err != nil {
			return fmt.Errorf("restful.addr: invalid listen address %q: %w", c.Restful.Addr, err)
		}
	}
	return nil
}

// ExampleTOML renders a fully populated example configuration, used by
// `tuicd -i`. Grounded on original_source's Config::full_example().
func ExampleTOML() (string, error) {
	cfg := Defaults()
	cfg.Users = map[string]string{
		uuid.New().String(): "change-me",
	}
	cfg.TLS.SelfSign = true
	cfg.Restful = &Restful{Addr: "127.0.0.1:9999", Secret: "change-me"}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
