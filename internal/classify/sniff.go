package classify

import (
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// domainPattern matches "(label.)+tld" with a tld of two or more letters.
var domainPattern = regexp.MustCompile(`([a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}`)

// DefaultExcludeTokens mark candidates that are user-agent fragments
// rather than hostnames.
var DefaultExcludeTokens = []string{"mozilla", "firefox", "chrome", "safari", "windows"}

// Sniffer extracts an optional domain from payload text.
type Sniffer interface {
	Sniff(payload string) (string, bool)
}

// DomainSniffer returns the first domain-shaped substring that contains
// none of its exclude tokens.
type DomainSniffer struct {
	exclude []string
}

// NewDomainSniffer creates a sniffer. Tokens are matched case-insensitively.
func NewDomainSniffer(exclude []string) *DomainSniffer {
	s := &DomainSniffer{}
	for _, tok := range exclude {
		if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
			s.exclude = append(s.exclude, tok)
		}
	}
	return s
}

// Sniff implements Sniffer.
func (s *DomainSniffer) Sniff(payload string) (string, bool) {
	for _, candidate := range domainPattern.FindAllString(payload, -1) {
		if s.excluded(candidate) {
			continue
		}
		// rejects labels over 63 bytes and names over 255
		if _, ok := dns.IsDomainName(candidate); !ok {
			continue
		}
		return candidate, true
	}
	return "", false
}

func (s *DomainSniffer) excluded(candidate string) bool {
	if len(s.exclude) == 0 {
		return false
	}
	lower := strings.ToLower(candidate)
	for _, tok := range s.exclude {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
