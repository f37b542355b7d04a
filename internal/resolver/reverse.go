package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	"github.com/rbmk-project/common/errclass"
)

// ErrNoHostname is returned when an address has no usable PTR name.
var ErrNoHostname = errors.New("no hostname")

// LookupHostname returns the first PTR name of ip without its trailing
// dot. Upstreams are asked first, then the system resolver.
func (r *Resolver) LookupHostname(ctx context.Context, ip netip.Addr) (string, error) {
	if !ip.IsValid() {
		return "", fmt.Errorf("%w: empty address", ErrInvalidName)
	}
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for _, up := range r.upstreams {
		msg := new(dns.Msg)
		msg.SetQuestion(arpa, dns.TypePTR)
		msg.RecursionDesired = true

		resp, _, err := r.exchanger.ExchangeContext(ctx, msg, up)
		if err != nil {
			r.logger.Debug("upstream reverse query failed", "upstream", up, "ip", ip, "error", err, "errClass", errclass.New(err))
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return "", fmt.Errorf("%w: %s", ErrNXDomain, arpa)
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
	}

	names, err := r.systemReverse(ctx, ip.String())
	if err != nil {
		return "", fmt.Errorf("reverse lookup %s: %w", ip, err)
	}
	for _, n := range names {
		if n = strings.TrimSuffix(n, "."); n != "" && n != ip.String() {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoHostname, ip)
}
