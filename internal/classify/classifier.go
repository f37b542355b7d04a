package classify

import (
	"net/netip"

	"grimm.is/apwatch/internal/capture"
)

// Request types.
const (
	TypeDNS   = "dns"
	TypeHTTP  = "http"
	TypeHTTPS = "https"
)

// Destination ports with a payload heuristic.
const (
	PortDNS   = 53
	PortHTTP  = 80
	PortHTTPS = 443
)

// DNSPlaceholder is the domain recorded for a DNS packet with no
// recognizable query name.
const DNSPlaceholder = "DNS Query"

// NoHostPlaceholder is the domain recorded for an HTTP request without a
// Host header.
const NoHostPlaceholder = "N/A"

// Verdict says what Inspect made of a group.
type Verdict int

const (
	// Classified means Result is a flow to log.
	Classified Verdict = iota
	// Malformed means the header could not be parsed.
	Malformed
	// OutsideSubnet means the source is not a monitored client.
	OutsideSubnet
	// Unclassified means the port is not handled, or an HTTP payload
	// had no request line.
	Unclassified
)

func (v Verdict) String() string {
	switch v {
	case Classified:
		return "classified"
	case Malformed:
		return "malformed"
	case OutsideSubnet:
		return "outside_subnet"
	case Unclassified:
		return "unclassified"
	}
	return "unknown"
}

// Result is a classified flow before it is logged.
type Result struct {
	Header
	Type       string
	Domain     string
	URL        string
	Method     string
	FullURL    string
	SNI        string
	RawHeaders string
}

// Options configures a Classifier.
type Options struct {
	// Subnet holds the monitored clients. The zero value accepts any source.
	Subnet netip.Prefix
	// ExcludeTokens feed the default SNI sniffer. nil means DefaultExcludeTokens.
	ExcludeTokens []string
	// DNS and SNI replace the default sniffers when set.
	DNS Sniffer
	SNI Sniffer
}

// Classifier maps capture groups to flows.
type Classifier struct {
	subnet netip.Prefix
	dns    Sniffer
	sni    Sniffer
}

// New creates a Classifier.
func New(opts Options) *Classifier {
	c := &Classifier{subnet: opts.Subnet, dns: opts.DNS, sni: opts.SNI}
	if c.dns == nil {
		c.dns = NewDomainSniffer(nil)
	}
	if c.sni == nil {
		tokens := opts.ExcludeTokens
		if tokens == nil {
			tokens = DefaultExcludeTokens
		}
		c.sni = NewDomainSniffer(tokens)
	}
	return c
}

// Classify returns the flow for g, if any.
func (c *Classifier) Classify(g capture.Group) (Result, bool) {
	r, v := c.Inspect(g)
	return r, v == Classified
}

// Inspect classifies g and reports why a group produced no flow.
func (c *Classifier) Inspect(g capture.Group) (Result, Verdict) {
	hdr, ok := ParseHeader(g.Header())
	if !ok {
		return Result{}, Malformed
	}
	if c.subnet.IsValid() && !c.subnet.Contains(hdr.SrcIP) {
		return Result{}, OutsideSubnet
	}

	payload := g.Payload()
	r := Result{Header: hdr}
	switch hdr.DstPort {
	case PortDNS:
		r.Type = TypeDNS
		r.Domain = DNSPlaceholder
		if domain, ok := c.dns.Sniff(payload); ok {
			r.Domain = domain
		}

	case PortHTTP:
		req, ok := ParseHTTPRequest(payload)
		if !ok {
			return Result{}, Unclassified
		}
		r.Type = TypeHTTP
		r.Method = req.Method
		r.URL = req.Target
		r.Domain = req.Host
		if r.Domain == "" {
			r.Domain = NoHostPlaceholder
		}
		r.RawHeaders = req.RawHeaders
		host := req.Host
		if host == "" {
			host = hdr.DstIP.String()
		}
		r.FullURL = "http://" + host + req.Target

	case PortHTTPS:
		r.Type = TypeHTTPS
		r.Domain = hdr.DstIP.String()
		if sni, ok := c.sni.Sniff(payload); ok {
			r.SNI = sni
			r.Domain = sni
			r.FullURL = "https://" + sni + "/"
		}

	default:
		return Result{}, Unclassified
	}
	return r, Classified
}
