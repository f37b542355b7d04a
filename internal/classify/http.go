package classify

import (
	"regexp"
	"strings"
)

// requestLine finds "METHOD SP TARGET SP HTTP/x.y". tcpdump -A prints the
// packet headers as dots and junk on the same line, so the match is not
// anchored to the start of the line.
var requestLine = regexp.MustCompile(`(?:^|[^A-Za-z])(GET|POST|PUT|DELETE|HEAD|OPTIONS|PATCH) (\S+) (HTTP/[0-9.]+)`)

// HTTPRequest is what could be recovered from a cleartext HTTP request.
type HTTPRequest struct {
	Method     string
	Target     string
	Version    string
	Host       string
	Headers    map[string]string
	RawHeaders string
}

// ParseHTTPRequest finds the first request line in payload and collects
// the "Key: Value" lines that follow it, up to the first blank line.
func ParseHTTPRequest(payload string) (HTTPRequest, bool) {
	lines := strings.Split(payload, "\n")

	start := -1
	var req HTTPRequest
	for i, line := range lines {
		m := requestLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		req.Method, req.Target, req.Version = m[1], m[2], m[3]
		start = i
		break
	}
	if start < 0 {
		return HTTPRequest{}, false
	}

	req.Headers = make(map[string]string)
	raw := []string{req.Method + " " + req.Target + " " + req.Version}
	for _, line := range lines[start+1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		req.Headers[key] = value
		raw = append(raw, key+": "+value)
		if strings.EqualFold(key, "Host") && req.Host == "" {
			req.Host = value
		}
	}
	req.RawHeaders = strings.Join(raw, "\n")
	return req, true
}
