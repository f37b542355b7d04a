package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"grimm.is/apwatch/internal/logging"
)

// DefaultCommand is the capture binary.
const DefaultCommand = "tcpdump"

// ErrNotStarted is returned when stopping a process that never started.
var ErrNotStarted = errors.New("capture process not started")

// BuildFilter returns the capture filter expression for traffic sourced in
// subnet toward any of ports, e.g.
// "src net 192.168.0.0/16 and (port 53 or port 80 or port 443)".
func BuildFilter(subnet netip.Prefix, ports []int) string {
	filter := "src net " + subnet.Masked().String()
	if len(ports) == 0 {
		return filter
	}
	terms := make([]string, len(ports))
	for i, p := range ports {
		terms[i] = "port " + strconv.Itoa(p)
	}
	return filter + " and (" + strings.Join(terms, " or ") + ")"
}

// ProcessOptions configures the capture command.
type ProcessOptions struct {
	Command   string // default "tcpdump"
	Interface string
	Filter    string
	Logger    *logging.Logger
}

// Args returns the command line arguments: line buffered, numeric, ASCII
// payload, full snap length.
func (o ProcessOptions) Args() []string {
	args := []string{"-i", o.Interface, "-l", "-n", "-A", "-s", "0"}
	if o.Filter != "" {
		args = append(args, o.Filter)
	}
	return args
}

// Process is a running capture command.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// Start launches the capture command. Only its stdout is exposed; stderr
// lines are logged at debug level. ctx cancellation kills the process.
func Start(ctx context.Context, opts ProcessOptions) (*Process, error) {
	if opts.Interface == "" {
		return nil, errors.New("capture interface is required")
	}
	name := opts.Command
	if name == "" {
		name = DefaultCommand
	}
	logger := logging.OrDefault(opts.Logger).WithComponent("capture")

	cmd := exec.CommandContext(ctx, name, opts.Args()...)
	cmd.Stderr = &lineLogger{logger: logger}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	logger.Info("capture started", "command", name, "interface", opts.Interface, "pid", cmd.Process.Pid)
	return &Process{cmd: cmd, stdout: stdout}, nil
}

// Stdout is the capture output stream. It reaches EOF when the process exits.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Kill terminates the process without waiting for it.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return ErrNotStarted
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Wait waits for the process to exit. Call it only after Stdout has been
// drained. Safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Stop kills the process and waits for it to exit.
func (p *Process) Stop() error {
	if err := p.Kill(); err != nil {
		return err
	}
	err := p.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// killed on purpose
		return nil
	}
	return err
}

// lineLogger logs each complete line written to it.
type lineLogger struct {
	logger *logging.Logger
	buf    bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug("capture stderr", "line", line)
		}
	}
	return len(p), nil
}
