// Package monitor runs the background capture task: it reads capture
// groups, classifies them, checks them against the blocklist and appends
// the results to the flow log.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/apwatch/internal/capture"
	"grimm.is/apwatch/internal/classify"
	"grimm.is/apwatch/internal/clock"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/logging"
	"grimm.is/apwatch/internal/metrics"
	"grimm.is/apwatch/internal/state"
)

var (
	// ErrAlreadyRunning is returned by Start while a capture task is active.
	ErrAlreadyRunning = errors.New("capture already running")
	// ErrInvalidMaxLogs is returned by SetMaxLogs for sizes out of range.
	ErrInvalidMaxLogs = errors.New("invalid flow log size")
)

// Session outcomes reported to metrics.
const (
	OutcomeStopped     = "stopped"
	OutcomeExited      = "exited"
	OutcomeSpawnFailed = "spawn_failed"
)

// Stream is a running capture source. *capture.Process implements it.
type Stream interface {
	Stdout() io.Reader
	// Stop terminates the source and waits for it to exit.
	Stop() error
	// Wait waits for the source to exit on its own.
	Wait() error
}

// StartFunc launches a capture source bound to ctx.
type StartFunc func(ctx context.Context) (Stream, error)

// ProcessStarter returns a StartFunc running the capture command.
func ProcessStarter(opts capture.ProcessOptions) StartFunc {
	return func(ctx context.Context) (Stream, error) {
		p, err := capture.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Blocker reports whether a flow's destination is blocked.
type Blocker interface {
	IsBlocked(dstIP string, port int, domain string) bool
}

// SettingsStore persists the monitor toggle. *state.MonitorBucket implements it.
type SettingsStore interface {
	Load() (state.MonitorSettings, error)
	Save(state.MonitorSettings) error
}

// Options configures a Service.
type Options struct {
	Start      StartFunc
	Classifier *classify.Classifier
	Log        *flowlog.Store
	Blocklist  Blocker       // nil marks every flow unblocked
	Settings   SettingsStore // nil disables persistence of the toggle
	Enabled    bool          // initial state when no settings were saved
	Clock      clock.Clock
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// Status describes the capture task.
type Status struct {
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Entries   int       `json:"entries"`
	MaxLogs   int       `json:"max_logs"`
	Error     string    `json:"error,omitempty"`
}

// Service owns the capture task and is the only writer to the flow log.
type Service struct {
	start      StartFunc
	classifier *classify.Classifier
	log        *flowlog.Store
	blocklist  Blocker
	settings   SettingsStore
	clock      clock.Clock
	logger     *logging.Logger
	metrics    *metrics.Registry

	enabled atomic.Bool
	// gate orders Clear on enable against appends by the task.
	gate sync.Mutex

	mu        sync.Mutex
	parent    context.Context // from the last Start, reused to relaunch
	cancel    context.CancelFunc
	done      chan struct{}
	runID     string
	startedAt time.Time
	err       error
}

// New creates a stopped Service. Saved settings, when present, override
// opts.Enabled and the flow log size.
func New(opts Options) (*Service, error) {
	if opts.Start == nil || opts.Classifier == nil || opts.Log == nil {
		return nil, errors.New("monitor: start function, classifier and log are required")
	}
	s := &Service{
		start:      opts.Start,
		classifier: opts.Classifier,
		log:        opts.Log,
		blocklist:  opts.Blocklist,
		settings:   opts.Settings,
		clock:      clock.Or(opts.Clock),
		logger:     logging.OrDefault(opts.Logger).WithComponent("monitor"),
		metrics:    opts.Metrics,
	}
	s.enabled.Store(opts.Enabled)

	if s.settings != nil {
		saved, err := s.settings.Load()
		switch {
		case err == nil:
			s.enabled.Store(saved.Enabled)
			if saved.MaxLogs > 0 {
				s.log.Resize(saved.MaxLogs)
			}
		case errors.Is(err, state.ErrNotFound):
		default:
			return nil, fmt.Errorf("load monitor settings: %w", err)
		}
	}
	s.metrics.SetMonitor(s.enabled.Load(), false)
	return s, nil
}

// Start launches the capture task. A spawn failure does not fail Start;
// it ends the task and is reported by Err.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.parent = ctx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.runID = uuid.NewString()
	s.startedAt = s.clock.Now()
	s.err = nil

	go s.run(runCtx, s.runID, s.done)
	return nil
}

// Stop cancels the task, terminates the capture source and waits for the
// task to exit or ctx to expire. A stopped task is not relaunched by
// SetEnabled until the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.parent = nil
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for capture task: %w", ctx.Err())
	}
}

// Running reports whether the capture task is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Service) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current task exits. It is nil before Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns why the last task ended abnormally, if it did.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Enabled reports whether classified flows are being logged.
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled turns flow logging on or off. Enabling from the disabled
// state clears the log before any new flow is appended. Enabling also
// relaunches the capture task if it was started before and has since
// ended, for example because no hotspot interface was up yet.
func (s *Service) SetEnabled(enabled bool) {
	s.gate.Lock()
	was := s.enabled.Load()
	if enabled && !was {
		s.log.Clear()
		s.metrics.SetLogEntries(0)
	}
	s.enabled.Store(enabled)
	s.gate.Unlock()

	if was != enabled {
		s.logger.Info("monitoring toggled", "enabled", enabled)
	}
	s.saveSettings()
	if enabled {
		s.relaunch()
	}
	s.metrics.SetMonitor(enabled, s.Running())
}

// relaunch restarts an ended capture task under the context of the last
// Start. It does nothing before the first Start or after that context is done.
func (s *Service) relaunch() {
	s.mu.Lock()
	parent := s.parent
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	switch err := s.Start(parent); {
	case err == nil:
		s.logger.Info("capture relaunched")
	case errors.Is(err, ErrAlreadyRunning):
	default:
		s.logger.Warn("failed to relaunch capture", "error", err)
	}
}

// SetMaxLogs resizes the flow log and persists the new size.
func (s *Service) SetMaxLogs(n int) error {
	if n <= 0 || n > flowlog.MaxEntriesLimit {
		return fmt.Errorf("%w: max logs must be between 1 and %d, got %d", ErrInvalidMaxLogs, flowlog.MaxEntriesLimit, n)
	}
	s.gate.Lock()
	s.log.Resize(n)
	s.gate.Unlock()
	s.metrics.SetLogEntries(s.log.Len())
	s.saveSettings()
	return nil
}

// ClearLogs empties the flow log. IDs keep increasing.
func (s *Service) ClearLogs() {
	s.gate.Lock()
	s.log.Clear()
	s.gate.Unlock()
	s.metrics.SetLogEntries(0)
}

// Status returns a snapshot of the task state.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:   s.enabled.Load(),
		Running:   s.runningLocked(),
		RunID:     s.runID,
		StartedAt: s.startedAt,
		Entries:   s.log.Len(),
		MaxLogs:   s.log.MaxEntries(),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.mu.Unlock()
	return st
}

func (s *Service) saveSettings() {
	if s.settings == nil {
		return
	}
	err := s.settings.Save(state.MonitorSettings{
		Enabled: s.enabled.Load(),
		MaxLogs: s.log.MaxEntries(),
	})
	if err != nil {
		s.logger.Error("failed to save monitor settings", "error", err)
	}
}

func (s *Service) run(ctx context.Context, runID string, done chan struct{}) {
	logger := s.logger.WithFields(map[string]any{"run_id": runID})
	defer close(done)

	stream, err := s.start(ctx)
	if err != nil {
		logger.Error("failed to start capture", "error", err)
		s.finish(fmt.Errorf("start capture: %w", err), OutcomeSpawnFailed)
		return
	}
	s.metrics.SetMonitor(s.enabled.Load(), true)
	logger.Info("capture running", "enabled", s.enabled.Load())

	// Killing the source unblocks the reader.
	stopOnCancel := context.AfterFunc(ctx, func() {
		if err := stream.Stop(); err != nil {
			logger.Warn("failed to stop capture", "error", err)
		}
	})

	reader := capture.NewReader(stream.Stdout())
	var logged int
	for {
		g, err := reader.Next()
		if err != nil {
			break
		}
		if s.handle(g) {
			logged++
		}
	}

	if !stopOnCancel() {
		// cancelled: the AfterFunc is stopping the source, wait for it
		_ = stream.Stop()
		s.finish(nil, OutcomeStopped)
		logger.Info("capture stopped", "logged", logged)
		return
	}

	waitErr := stream.Wait()
	if readErr := reader.Err(); readErr != nil {
		waitErr = errors.Join(readErr, waitErr)
	}
	if ctx.Err() != nil {
		s.finish(nil, OutcomeStopped)
		logger.Info("capture stopped", "logged", logged)
		return
	}
	exitErr := errors.New("capture exited")
	if waitErr != nil {
		exitErr = fmt.Errorf("capture exited: %w", waitErr)
	}
	logger.Warn("capture ended unexpectedly", "error", exitErr, "logged", logged)
	s.finish(exitErr, OutcomeExited)
}

func (s *Service) finish(err error, outcome string) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.metrics.RecordSession(outcome)
	s.metrics.SetMonitor(s.enabled.Load(), false)
}

// handle classifies one group and logs it when enabled.
func (s *Service) handle(g capture.Group) bool {
	res, verdict := s.classifier.Inspect(g)
	s.metrics.RecordGroup(verdict.String())
	if verdict != classify.Classified {
		return false
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	if !s.enabled.Load() {
		s.metrics.RecordDiscard()
		return false
	}

	blocked := false
	if s.blocklist != nil {
		blocked = s.blocklist.IsBlocked(res.DstIP.String(), int(res.DstPort), res.Domain)
	}
	s.log.Append(flowlog.Flow{
		SrcIP:       res.SrcIP,
		SrcPort:     res.SrcPort,
		DstIP:       res.DstIP,
		Protocol:    res.Protocol,
		Port:        res.DstPort,
		RequestType: res.Type,
		Domain:      res.Domain,
		URL:         res.URL,
		Method:      res.Method,
		FullURL:     res.FullURL,
		SNI:         res.SNI,
		Blocked:     blocked,
		RawHeaders:  res.RawHeaders,
	})
	s.metrics.RecordFlow(res.Type, blocked)
	s.metrics.SetLogEntries(s.log.Len())
	return true
}
