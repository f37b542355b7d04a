// Package capture reads the text output of a packet capture process and
// splits it into per-packet groups.
//
// A line that starts with a non-space character begins a new group.
// Indented lines and blank lines continue the current group. The reader
// never interprets the lines it groups.
package capture

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	// MaxLineLength is the longest line kept intact. Longer lines are
	// truncated to this length; the rest is discarded.
	MaxLineLength = 1 << 20

	readBufferSize = 64 << 10
)

// Group is one captured packet: its header line followed by continuation lines.
type Group struct {
	Lines []string
}

// Header returns the first line of the group.
func (g Group) Header() string {
	if len(g.Lines) == 0 {
		return ""
	}
	return g.Lines[0]
}

// Payload returns the continuation lines joined with newlines.
func (g Group) Payload() string {
	if len(g.Lines) < 2 {
		return ""
	}
	return strings.Join(g.Lines[1:], "\n")
}

// Reader segments a line stream into Groups.
type Reader struct {
	br      *bufio.Reader
	pending []string
	eof     bool
	err     error
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, readBufferSize)}
}

// Next returns the next complete group. After the stream ends the pending
// group is returned, then io.EOF. A read error other than EOF is returned
// after the pending group has been flushed.
func (r *Reader) Next() (Group, error) {
	for !r.eof {
		line, err := r.readLine()
		if err != nil {
			r.eof = true
			if !errors.Is(err, io.EOF) {
				r.err = err
			}
			break
		}
		if startsGroup(line) {
			if len(r.pending) > 0 {
				g := Group{Lines: r.pending}
				r.pending = []string{line}
				return g, nil
			}
			r.pending = []string{line}
			continue
		}
		// continuation lines before the first header have no owner
		if len(r.pending) > 0 {
			r.pending = append(r.pending, line)
		}
	}

	if len(r.pending) > 0 {
		g := Group{Lines: r.pending}
		r.pending = nil
		return g, nil
	}
	if r.err != nil {
		return Group{}, r.err
	}
	return Group{}, io.EOF
}

// Err returns the read error that ended the stream, or nil for a clean EOF.
func (r *Reader) Err() error {
	return r.err
}

// readLine returns one line without its terminator, truncated to MaxLineLength.
func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			if sb.Len() > 0 && errors.Is(err, io.EOF) {
				return sb.String(), nil
			}
			return "", err
		}
		if room := MaxLineLength - sb.Len(); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func startsGroup(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	return line[0] != ' ' && line[0] != '\t'
}
