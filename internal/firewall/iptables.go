package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"grimm.is/apwatch/internal/logging"
)

const (
	defaultIPTablesBinary  = "iptables"
	defaultIPTablesChain   = "FORWARD"
	defaultCommandTimeout  = 20 * time.Second
	iptablesMissingRuleMsg = "does a matching rule exist"
	iptablesBadRuleMsg     = "Bad rule"
	iptablesLockMsg        = "xtables lock"
)

// IPTablesOptions configures an IPTables filter.
type IPTablesOptions struct {
	Runner  CommandRunner
	Binary  string        // default "iptables"
	Chain   string        // default "FORWARD"
	Timeout time.Duration // per command, default 20s
	Retry   *RetryConfig  // default DefaultRetryConfig()
	Logger  *logging.Logger
}

// IPTables manages drop rules with the iptables command.
type IPTables struct {
	runner  CommandRunner
	binary  string
	chain   string
	timeout time.Duration
	retry   RetryConfig
	logger  *logging.Logger
}

// NewIPTables creates an iptables-backed filter.
func NewIPTables(opts IPTablesOptions) *IPTables {
	f := &IPTables{
		runner:  opts.Runner,
		binary:  opts.Binary,
		chain:   opts.Chain,
		timeout: opts.Timeout,
		retry:   DefaultRetryConfig(),
		logger:  logging.OrDefault(opts.Logger).WithComponent("firewall"),
	}
	if f.runner == nil {
		f.runner = DefaultCommandRunner
	}
	if f.binary == "" {
		f.binary = defaultIPTablesBinary
	}
	if f.chain == "" {
		f.chain = defaultIPTablesChain
	}
	if f.timeout <= 0 {
		f.timeout = defaultCommandTimeout
	}
	if opts.Retry != nil {
		f.retry = *opts.Retry
	}
	return f
}

// Chain returns the chain rules are inserted into.
func (f *IPTables) Chain() string {
	return f.chain
}

// InsertDrop runs `iptables -I <chain> 1 -d <dst> -j DROP`.
func (f *IPTables) InsertDrop(ctx context.Context, dst string) error {
	if _, err := ParseDestination(dst); err != nil {
		return err
	}
	return f.exec(ctx, "-I", f.chain, "1", "-d", dst, "-j", "DROP")
}

// DeleteDrop runs `iptables -D <chain> -d <dst> -j DROP`.
func (f *IPTables) DeleteDrop(ctx context.Context, dst string) error {
	if _, err := ParseDestination(dst); err != nil {
		return err
	}
	err := f.exec(ctx, "-D", f.chain, "-d", dst, "-j", "DROP")
	if errors.Is(err, ErrRuleNotFound) {
		return fmt.Errorf("%w: %s in %s", ErrRuleNotFound, dst, f.chain)
	}
	return err
}

// InsertClientDrop runs `iptables -I <chain> 1 -m mac --mac-source <mac> -j DROP`
// and, when ip is set, `iptables -I <chain> 1 -s <ip> -j DROP`.
func (f *IPTables) InsertClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	rules, err := f.clientRules(mac, ip)
	if err != nil {
		return err
	}
	for i, rule := range rules {
		if err := f.exec(ctx, slices.Concat([]string{"-I", f.chain, "1"}, rule)...); err != nil {
			for _, done := range rules[:i] {
				_ = f.exec(ctx, slices.Concat([]string{"-D", f.chain}, done)...)
			}
			return err
		}
	}
	return nil
}

// DeleteClientDrop deletes one of each of the client's rules.
func (f *IPTables) DeleteClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	rules, err := f.clientRules(mac, ip)
	if err != nil {
		return err
	}
	var errs []error
	found := 0
	for _, rule := range rules {
		err := f.exec(ctx, slices.Concat([]string{"-D", f.chain}, rule)...)
		switch {
		case err == nil:
			found++
		case !errors.Is(err, ErrRuleNotFound):
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if found == 0 {
		return fmt.Errorf("%w: client %s in %s", ErrRuleNotFound, mac, f.chain)
	}
	return nil
}

func (f *IPTables) clientRules(mac net.HardwareAddr, ip netip.Addr) ([][]string, error) {
	if _, err := clientTags(mac, ip); err != nil {
		return nil, err
	}
	rules := [][]string{{"-m", "mac", "--mac-source", mac.String(), "-j", "DROP"}}
	if ip.IsValid() {
		rules = append(rules, []string{"-s", ip.String(), "-j", "DROP"})
	}
	return rules, nil
}

func (f *IPTables) exec(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	attempt := 0
	return Retry(ctx, f.retry, func() error {
		attempt++
		err := classifyIPTablesError(f.runner.Run(ctx, f.binary, args...))
		if errors.Is(err, ErrTemporary) {
			f.logger.Debug("iptables busy, retrying", "args", strings.Join(args, " "), "attempt", attempt)
		}
		return err
	})
}

// classifyIPTablesError maps iptables diagnostics onto package errors.
func classifyIPTablesError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		msg = cmdErr.Output + " " + msg
	}
	switch {
	case strings.Contains(msg, iptablesMissingRuleMsg), strings.Contains(msg, iptablesBadRuleMsg):
		return errors.Join(ErrRuleNotFound, err)
	case strings.Contains(msg, iptablesLockMsg):
		return WrapTemporary(err)
	}
	return err
}
