package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/apwatch/internal/blocklist"
	"grimm.is/apwatch/internal/capture"
	"grimm.is/apwatch/internal/classify"
	"grimm.is/apwatch/internal/config"
	"grimm.is/apwatch/internal/ctlplane"
	"grimm.is/apwatch/internal/device"
	"grimm.is/apwatch/internal/firewall"
	"grimm.is/apwatch/internal/flowlog"
	"grimm.is/apwatch/internal/health"
	"grimm.is/apwatch/internal/logging"
	"grimm.is/apwatch/internal/metrics"
	"grimm.is/apwatch/internal/monitor"
	"grimm.is/apwatch/internal/resolver"
	"grimm.is/apwatch/internal/state"
)

const (
	shutdownTimeout = 10 * time.Second
	probeInterval   = 15 * time.Second
)

// DaemonOptions override parts of the configuration from the command line.
type DaemonOptions struct {
	Interface string // capture interface, overrides config
	DryRun    bool   // track rules in memory instead of the kernel
	Metrics   *metrics.Registry
}

// RunDaemon runs the daemon in the foreground until SIGINT or SIGTERM.
func RunDaemon(configFile string, opts DaemonOptions) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := NewDaemon(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func newLogger(cfg *config.LoggingConfig) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg != nil {
		level, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
		lc.JSON = cfg.JSON
	}
	return logging.New(lc), nil
}

// Daemon is the assembled runtime: state, filter, blocklist, capture
// task, control server and metrics.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	store     *state.SQLiteStore
	blocklist *blocklist.Synchronizer
	log       *flowlog.Store
	monitor   *monitor.Service
	devices   *device.Manager
	control   *ctlplane.Control
	server    *ctlplane.Server
	metrics   *metrics.Registry
	collector *metrics.Collector
	health    *health.Checker
}

// NewDaemon opens state, replays the blocklist and wires every component.
// Nothing is served until Run.
func NewDaemon(ctx context.Context, cfg *config.Config, opts DaemonOptions, logger *logging.Logger) (_ *Daemon, err error) {
	logger = logging.OrDefault(logger)
	d := &Daemon{cfg: cfg, logger: logger, metrics: opts.Metrics}
	if d.metrics == nil {
		d.metrics = metrics.Get()
	}
	defer func() {
		if err != nil && d.store != nil {
			d.store.Close()
		}
	}()

	subnet, err := cfg.SubnetPrefix()
	if err != nil {
		return nil, err
	}
	commandTimeout, err := cfg.CommandTimeout()
	if err != nil {
		return nil, err
	}
	resolveTimeout, err := cfg.ResolveTimeout()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	d.store, err = state.NewSQLiteStore(state.DefaultOptions(cfg.StatePath()))
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	blBucket, err := state.NewBlocklistBucket(d.store)
	if err != nil {
		return nil, err
	}
	monBucket, err := state.NewMonitorBucket(d.store)
	if err != nil {
		return nil, err
	}

	backend := cfg.Blocklist.Backend
	if opts.DryRun {
		backend = config.BackendMemory
	}
	filter, err := newFilter(backend, cfg, commandTimeout, logger)
	if err != nil {
		return nil, err
	}

	res := resolver.New(resolver.Options{
		Upstreams: cfg.Blocklist.Upstreams,
		Timeout:   resolveTimeout,
		Logger:    logger,
	})
	d.blocklist, err = blocklist.New(blocklist.Options{
		Filter:         filter,
		Resolver:       res,
		Store:          blBucket,
		Logger:         logger,
		Metrics:        d.metrics,
		CommandTimeout: commandTimeout,
		ResolveTimeout: resolveTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := d.blocklist.Replay(ctx); err != nil {
		return nil, err
	}

	d.log = flowlog.New(flowlog.Options{MaxEntries: cfg.Monitor.MaxLogs})
	d.monitor, err = monitor.New(monitor.Options{
		Start:      captureStarter(cfg, opts.Interface, subnet, logger),
		Classifier: classify.New(classify.Options{Subnet: subnet, ExcludeTokens: cfg.Blocklist.ExcludeTokens}),
		Log:        d.log,
		Blocklist:  d.blocklist,
		Settings:   monBucket,
		Enabled:    cfg.Monitor.Enabled,
		Logger:     logger,
		Metrics:    d.metrics,
	})
	if err != nil {
		return nil, err
	}

	d.devices, err = newDeviceManager(cfg, d.store, filter, res, logger)
	if err != nil {
		return nil, err
	}
	if err := d.devices.Replay(ctx); err != nil {
		return nil, err
	}

	d.control = ctlplane.NewControl(d.blocklist, d.monitor, d.log).WithDevices(d.devices, func() (string, error) {
		return captureInterface(cfg, opts.Interface, subnet)
	})
	d.server, err = ctlplane.NewServer(d.control, logger)
	if err != nil {
		return nil, err
	}

	d.collector = metrics.NewCollector(d.metrics, logger, probeInterval)
	d.collector.AddProbe(func(r *metrics.Registry) {
		r.SetBlocklist(d.blocklist.Stats())
		r.SetLogEntries(d.log.Len())
		r.SetMonitor(d.monitor.Enabled(), d.monitor.Running())
	})

	d.health = health.NewChecker(nil, 0)
	d.health.Register("capture", health.CaptureCheck(d.monitor))
	d.health.Register("state", health.StoreCheck(d.store))
	d.health.Register("blocklist", health.BlocklistCheck(d.blocklist.Stats))
	d.health.Register("interface", health.InterfaceCheck(func() (string, error) {
		return captureInterface(cfg, opts.Interface, subnet)
	}))
	return d, nil
}

func newFilter(backend string, cfg *config.Config, timeout time.Duration, logger *logging.Logger) (firewall.Filter, error) {
	switch backend {
	case config.BackendIPTables:
		return firewall.NewIPTables(firewall.IPTablesOptions{
			Chain:   cfg.Blocklist.Chain,
			Timeout: timeout,
			Logger:  logger,
		}), nil
	case config.BackendNFTables:
		f, err := firewall.NewNFTables(firewall.NFTablesOptions{Logger: logger})
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.BackendMemory:
		logger.Warn("dry run: drop rules are tracked in memory only")
		return firewall.NewMemoryFilter(), nil
	}
	return nil, fmt.Errorf("unknown blocklist backend %q", backend)
}

func newDeviceManager(cfg *config.Config, store state.Store, filter firewall.Filter, res *resolver.Resolver, logger *logging.Logger) (*device.Manager, error) {
	vendors := device.BuiltinOUI()
	if cfg.OUIDatabase != "" {
		db, err := device.LoadOUIFile(cfg.OUIDatabase)
		if err != nil {
			logger.Warn("using built-in vendor table", "error", err)
		} else {
			vendors = db
		}
	}
	clients, _ := filter.(firewall.ClientFilter)
	return device.NewManager(device.Options{
		Store:    store,
		Filter:   clients,
		Resolver: res,
		Vendors:  vendors,
		Logger:   logger,
	})
}

// captureInterface picks the interface for the next capture session.
func captureInterface(cfg *config.Config, override string, subnet netip.Prefix) (string, error) {
	if override != "" {
		return override, nil
	}
	if cfg.Interface != "" {
		return cfg.Interface, nil
	}
	return capture.DetectInterface(cfg.Interfaces, subnet)
}

// captureStarter resolves the interface on every start, so a relaunch
// from "monitor on" picks up a hotspot that came up after the daemon.
func captureStarter(cfg *config.Config, override string, subnet netip.Prefix, logger *logging.Logger) monitor.StartFunc {
	return func(ctx context.Context) (monitor.Stream, error) {
		iface, err := captureInterface(cfg, override, subnet)
		if err != nil {
			return nil, err
		}
		return monitor.ProcessStarter(capture.ProcessOptions{
			Command:   cfg.Monitor.CaptureCmd,
			Interface: iface,
			Filter:    capture.BuildFilter(subnet, cfg.Ports),
			Logger:    logger,
		})(ctx)
	}
}

// Run serves until ctx is done, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.store.Close()

	if err := d.server.Start(d.cfg.ControlSocket); err != nil {
		return err
	}
	defer d.server.Stop()

	d.collector.Start(ctx)
	defer d.collector.Stop()

	var metricsSrv *http.Server
	if d.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		mux.Handle("/healthz", d.health.Handler())
		mux.Handle("/livez", health.LivenessHandler())
		mux.Handle("/readyz", d.health.ReadinessHandler())
		metricsSrv = &http.Server{Addr: d.cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", "error", err)
			}
		}()
		d.logger.Info("metrics listening", "addr", d.cfg.MetricsListen)
	}

	if err := d.monitor.Start(ctx); err != nil {
		return err
	}
	d.logger.Info("apwatch running", "monitoring", d.monitor.Enabled())

	<-ctx.Done()
	d.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.monitor.Stop(shutdownCtx); err != nil {
		d.logger.Warn("capture task did not stop in time", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

// Health returns the daemon's health checker.
func (d *Daemon) Health() *health.Checker {
	return d.health
}

// Control returns the daemon's control facade.
func (d *Daemon) Control() *ctlplane.Control {
	return d.control
}
