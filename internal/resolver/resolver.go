// Package resolver turns blocklist domains into IPv4 address sets and
// client addresses into hostnames.
//
// Queries go to the configured upstream servers with miekg/dns. When no
// upstream is configured, or every upstream fails, the system resolver is
// used instead.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rbmk-project/common/errclass"

	"grimm.is/apwatch/internal/logging"
)

// DefaultTimeout bounds a single LookupIPv4 call.
const DefaultTimeout = 5 * time.Second

var (
	// ErrInvalidName is returned for names that are not valid domain names.
	ErrInvalidName = errors.New("invalid domain name")
	// ErrNoAddresses is returned when a name has no IPv4 addresses.
	ErrNoAddresses = errors.New("no IPv4 addresses")
	// ErrNXDomain is returned when an upstream reports the name does not exist.
	ErrNXDomain = errors.New("no such domain")
)

// Exchanger sends a DNS query. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// SystemLookupFunc resolves through the operating system.
// Its signature matches (*net.Resolver).LookupNetIP.
type SystemLookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// SystemReverseFunc maps an address to names through the operating system.
// Its signature matches (*net.Resolver).LookupAddr.
type SystemReverseFunc func(ctx context.Context, addr string) ([]string, error)

// Options configures a Resolver.
type Options struct {
	Upstreams     []string      // "ip" or "ip:port"; port defaults to 53
	Timeout       time.Duration // default 5s
	Exchanger     Exchanger     // default &dns.Client{Net: "udp"}
	System        SystemLookupFunc
	SystemReverse SystemReverseFunc
	Logger        *logging.Logger
}

// Resolver resolves domain names to IPv4 addresses.
type Resolver struct {
	upstreams     []string
	timeout       time.Duration
	exchanger     Exchanger
	system        SystemLookupFunc
	systemReverse SystemReverseFunc
	logger        *logging.Logger
}

// New creates a resolver.
func New(opts Options) *Resolver {
	r := &Resolver{
		timeout:       opts.Timeout,
		exchanger:     opts.Exchanger,
		system:        opts.System,
		systemReverse: opts.SystemReverse,
		logger:        logging.OrDefault(opts.Logger).WithComponent("resolver"),
	}
	for _, up := range opts.Upstreams {
		r.upstreams = append(r.upstreams, withDefaultPort(up))
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.exchanger == nil {
		r.exchanger = &dns.Client{Net: "udp", Timeout: r.timeout}
	}
	if r.system == nil {
		r.system = net.DefaultResolver.LookupNetIP
	}
	if r.systemReverse == nil {
		r.systemReverse = net.DefaultResolver.LookupAddr
	}
	return r
}

func withDefaultPort(addr string) string {
	if _, err := netip.ParseAddrPort(addr); err == nil {
		return addr
	}
	if ip, err := netip.ParseAddr(addr); err == nil {
		return netip.AddrPortFrom(ip, 53).String()
	}
	if !strings.Contains(addr, ":") {
		return addr + ":53"
	}
	return addr
}

// LookupIPv4 returns the sorted, de-duplicated IPv4 addresses of name.
func (r *Resolver) LookupIPv4(ctx context.Context, name string) ([]string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return nil, ErrInvalidName
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	addrs, err := r.lookupUpstreams(ctx, name)
	if errors.Is(err, ErrNXDomain) {
		r.logger.Warn("resolution failed", "domain", name, "error", err, "errClass", errclass.New(err))
		return nil, err
	}
	if len(addrs) == 0 {
		addrs, err = r.lookupSystem(ctx, name)
	}
	if err != nil {
		r.logger.Warn("resolution failed", "domain", name, "error", err, "errClass", errclass.New(err))
		return nil, err
	}

	out := dedupe(addrs)
	r.logger.Debug("resolved", "domain", name, "count", len(out), "elapsed", time.Since(start))
	return out, nil
}

// lookupUpstreams returns the first non-empty A answer. A nil result with
// nil error means no upstream produced an answer.
func (r *Resolver) lookupUpstreams(ctx context.Context, name string) ([]netip.Addr, error) {
	for _, up := range r.upstreams {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
		msg.RecursionDesired = true

		resp, _, err := r.exchanger.ExchangeContext(ctx, msg, up)
		if err != nil {
			r.logger.Debug("upstream query failed", "upstream", up, "domain", name, "error", err, "errClass", errclass.New(err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s", ErrNXDomain, name)
		default:
			r.logger.Debug("upstream refused query", "upstream", up, "domain", name, "rcode", dns.RcodeToString[resp.Rcode])
			continue
		}

		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, ip)
			}
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, nil
}

func (r *Resolver) lookupSystem(ctx context.Context, name string) ([]netip.Addr, error) {
	addrs, err := r.system(ctx, "ip4", name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	var v4 []netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			v4 = append(v4, a)
		}
	}
	if len(v4) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, name)
	}
	return v4, nil
}

func dedupe(addrs []netip.Addr) []string {
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	addrs = slices.Compact(addrs)
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
