package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainSniffer(t *testing.T) {
	s := NewDomainSniffer(nil)

	d, ok := s.Sniff("....example.co.uk....other.org")
	assert.True(t, ok)
	assert.Equal(t, "example.co.uk", d)

	_, ok = s.Sniff("1.2.3.4 and nothing else")
	assert.False(t, ok)

	_, ok = s.Sniff("")
	assert.False(t, ok)
}

func TestDomainSniffer_ExcludeIsCaseInsensitive(t *testing.T) {
	s := NewDomainSniffer([]string{" Mozilla ", ""})

	d, ok := s.Sniff("addons.MOZILLA.org cdn.example.net")
	assert.True(t, ok)
	assert.Equal(t, "cdn.example.net", d)
}

func TestDomainSniffer_RejectsOverlongLabels(t *testing.T) {
	s := NewDomainSniffer(nil)
	long := strings.Repeat("a", 70) + ".com"

	d, ok := s.Sniff(long + " short.io")
	assert.True(t, ok)
	assert.Equal(t, "short.io", d)
}

func TestParseHTTPRequest(t *testing.T) {
	req, ok := ParseHTTPRequest("junk\nDELETE /items/7 HTTP/2\nHost: api.example\nX-Trace: a:b\nnot a header\n\nbody")
	assert.True(t, ok)
	assert.Equal(t, "DELETE", req.Method)
	assert.Equal(t, "/items/7", req.Target)
	assert.Equal(t, "HTTP/2", req.Version)
	assert.Equal(t, "api.example", req.Host)
	assert.Equal(t, "a:b", req.Headers["X-Trace"])
	assert.Equal(t, "DELETE /items/7 HTTP/2\nHost: api.example\nX-Trace: a:b", req.RawHeaders)

	_, ok = ParseHTTPRequest("CONNECT example.com:443 HTTP/1.1")
	assert.False(t, ok)
	_, ok = ParseHTTPRequest("FORGET / HTTP/1.1")
	assert.False(t, ok)
}
