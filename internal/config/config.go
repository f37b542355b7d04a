package config

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"grimm.is/apwatch/internal/flowlog"
)

// Config is the top-level configuration.
type Config struct {
	// Interface pins the capture interface; empty means autodetect from Interfaces.
	Interface     string           `hcl:"interface,optional" json:"interface,omitempty"`
	Interfaces    []string         `hcl:"interfaces,optional" json:"interfaces"`
	Subnet        string           `hcl:"subnet,optional" json:"subnet"`
	Ports         []int            `hcl:"ports,optional" json:"ports"`
	StateDir      string           `hcl:"state_dir,optional" json:"state_dir"`
	MetricsListen string           `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
	OUIDatabase   string           `hcl:"oui_database,optional" json:"oui_database,omitempty"` // empty uses the built-in vendor table
	ControlSocket string           `hcl:"control_socket,optional" json:"control_socket"`
	Monitor       *MonitorConfig   `hcl:"monitor,block" json:"monitor"`
	Blocklist     *BlocklistConfig `hcl:"blocklist,block" json:"blocklist"`
	Logging       *LoggingConfig   `hcl:"logging,block" json:"logging"`
}

// MonitorConfig controls the live capture task.
type MonitorConfig struct {
	Enabled    bool   `hcl:"enabled,optional" json:"enabled"`
	MaxLogs    int    `hcl:"max_logs,optional" json:"max_logs"`
	CaptureCmd string `hcl:"capture_cmd,optional" json:"capture_cmd"`
}

// BlocklistConfig controls rule synchronization.
type BlocklistConfig struct {
	Backend        string   `hcl:"backend,optional" json:"backend"` // "iptables", "nftables" or "memory"
	Chain          string   `hcl:"chain,optional" json:"chain"`
	CommandTimeout string   `hcl:"command_timeout,optional" json:"command_timeout"`
	ResolveTimeout string   `hcl:"resolve_timeout,optional" json:"resolve_timeout"`
	Upstreams      []string `hcl:"upstreams,optional" json:"upstreams,omitempty"`
	ExcludeTokens  []string `hcl:"exclude_tokens,optional" json:"exclude_tokens"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}

const (
	BackendIPTables = "iptables"
	BackendNFTables = "nftables"
	BackendMemory   = "memory" // dry run: rules are tracked but never installed

	DefaultSubnet         = "192.168.0.0/16"
	DefaultStateDir       = "/var/lib/apwatch"
	DefaultControlSocket  = "/run/apwatch/ctl.sock"
	DefaultMaxLogs        = 500
	DefaultCaptureCmd     = "tcpdump"
	DefaultChain          = "FORWARD"
	DefaultCommandTimeout = 20 * time.Second
	DefaultResolveTimeout = 5 * time.Second

	stateFileName = "apwatch.db"
)

// DefaultPorts are the destination ports carrying classifiable traffic.
var DefaultPorts = []int{53, 80, 443}

// DefaultInterfaces are probed in order when no interface is pinned.
var DefaultInterfaces = []string{"wlan0", "swlan0", "ap0", "softap0"}

// DefaultExcludeTokens are substrings that mark an SNI candidate as a
// user-agent fragment rather than a hostname.
var DefaultExcludeTokens = []string{"mozilla", "firefox", "chrome", "safari", "windows"}

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Interfaces) == 0 {
		c.Interfaces = append([]string(nil), DefaultInterfaces...)
	}
	if c.Subnet == "" {
		c.Subnet = DefaultSubnet
	}
	if len(c.Ports) == 0 {
		c.Ports = append([]int(nil), DefaultPorts...)
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.ControlSocket == "" {
		c.ControlSocket = DefaultControlSocket
	}
	if c.Monitor == nil {
		c.Monitor = &MonitorConfig{}
	}
	if c.Monitor.MaxLogs == 0 {
		c.Monitor.MaxLogs = DefaultMaxLogs
	}
	if c.Monitor.CaptureCmd == "" {
		c.Monitor.CaptureCmd = DefaultCaptureCmd
	}
	if c.Blocklist == nil {
		c.Blocklist = &BlocklistConfig{}
	}
	if c.Blocklist.Backend == "" {
		c.Blocklist.Backend = BackendIPTables
	}
	if c.Blocklist.Chain == "" {
		c.Blocklist.Chain = DefaultChain
	}
	if c.Blocklist.CommandTimeout == "" {
		c.Blocklist.CommandTimeout = DefaultCommandTimeout.String()
	}
	if c.Blocklist.ResolveTimeout == "" {
		c.Blocklist.ResolveTimeout = DefaultResolveTimeout.String()
	}
	if c.Blocklist.ExcludeTokens == nil {
		c.Blocklist.ExcludeTokens = append([]string(nil), DefaultExcludeTokens...)
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{Level: "info"}
	}
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if _, err := c.SubnetPrefix(); err != nil {
		return err
	}
	for _, p := range c.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	if c.Monitor.MaxLogs < 0 || c.Monitor.MaxLogs > flowlog.MaxEntriesLimit {
		return fmt.Errorf("monitor.max_logs must be between 1 and %d, got %d", flowlog.MaxEntriesLimit, c.Monitor.MaxLogs)
	}
	switch c.Blocklist.Backend {
	case BackendIPTables, BackendNFTables, BackendMemory:
	default:
		return fmt.Errorf("unknown blocklist backend %q", c.Blocklist.Backend)
	}
	if _, err := c.CommandTimeout(); err != nil {
		return err
	}
	if _, err := c.ResolveTimeout(); err != nil {
		return err
	}
	for _, up := range c.Blocklist.Upstreams {
		if _, err := netip.ParseAddrPort(up); err != nil {
			if _, err := netip.ParseAddr(up); err != nil {
				return fmt.Errorf("invalid upstream %q: want ip or ip:port", up)
			}
		}
	}
	return nil
}

// SubnetPrefix returns the monitored subnet.
func (c *Config) SubnetPrefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(c.Subnet)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %q: %w", c.Subnet, err)
	}
	return p.Masked(), nil
}

// CommandTimeout bounds a single packet filter mutation.
func (c *Config) CommandTimeout() (time.Duration, error) {
	return parsePositiveDuration("blocklist.command_timeout", c.Blocklist.CommandTimeout)
}

// ResolveTimeout bounds a single domain resolution.
func (c *Config) ResolveTimeout() (time.Duration, error) {
	return parsePositiveDuration("blocklist.resolve_timeout", c.Blocklist.ResolveTimeout)
}

// StatePath is the sqlite file holding persisted intent.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, stateFileName)
}

func parsePositiveDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}
