package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"grimm.is/apwatch/internal/logging"
)

// DefaultSocketPath is where the daemon listens for control requests.
const DefaultSocketPath = "/run/apwatch/ctl.sock"

const serviceName = "Control"

// Server serves Control over net/rpc.
type Server struct {
	control *Control
	logger  *logging.Logger
	rpc     *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server for control.
func NewServer(control *Control, logger *logging.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		control: control,
		logger:  logging.OrDefault(logger).WithComponent("ctlplane"),
		rpc:     rpc.NewServer(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	h := &handler{control: control, ctx: ctx, logger: s.logger}
	if err := s.rpc.RegisterName(serviceName, h); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register RPC service: %w", err)
	}
	return s, nil
}

// Start listens on the Unix socket at path, replacing a stale socket file.
func (s *Server) Start(path string) error {
	if path == "" {
		path = DefaultSocketPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	// root and the admin group only
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves RPC connections accepted from listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("control server already started")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("control plane listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("accept failed", "error", err)
				}
				return
			}
			if !s.track(conn) {
				conn.Close()
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.untrack(conn)
				s.rpc.ServeConn(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, cancels in-flight
// operations and waits for the handlers to return.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	conn.Close()
}

// ErrInternal is returned for a request whose handler panicked.
var ErrInternal = errors.New("internal error")

// handler holds the RPC methods. It is separate from Server so that only
// RPC-shaped methods are registered.
//
// net/rpc runs every call on its own goroutine, so each method recovers
// its own panics.
type handler struct {
	control *Control
	ctx     context.Context
	logger  *logging.Logger
}

func (h *handler) recoverPanic(method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	h.logger.Error("RPC handler panicked", "method", method, "panic", r, "stack", string(debug.Stack()))
	*err = fmt.Errorf("%s: %w", method, ErrInternal)
}

func (h *handler) Block(args *BlockArgs, reply *BlockReply) (err error) {
	defer h.recoverPanic("Block", &err)
	res, err := h.control.Block(h.ctx, args.Target)
	if err != nil {
		return err
	}
	reply.Result = *res
	return nil
}

func (h *handler) BlockWithRanges(args *BlockArgs, reply *BlockReply) (err error) {
	defer h.recoverPanic("BlockWithRanges", &err)
	res, err := h.control.BlockWithRanges(h.ctx, args.Target, args.Ranges)
	if err != nil {
		return err
	}
	reply.Result = *res
	return nil
}

func (h *handler) Unblock(args *BlockArgs, reply *BlockReply) (err error) {
	defer h.recoverPanic("Unblock", &err)
	res, err := h.control.Unblock(h.ctx, args.Target)
	if err != nil {
		return err
	}
	reply.Result = *res
	return nil
}

func (h *handler) UpdateRanges(args *BlockArgs, reply *BlockReply) (err error) {
	defer h.recoverPanic("UpdateRanges", &err)
	res, err := h.control.UpdateRanges(h.ctx, args.Target, args.Ranges)
	if err != nil {
		return err
	}
	reply.Result = *res
	return nil
}

func (h *handler) ListBlocked(_ *Empty, reply *ListBlockedReply) (err error) {
	defer h.recoverPanic("ListBlocked", &err)
	reply.Rules = h.control.ListBlocked()
	return nil
}

func (h *handler) GetBlocked(args *BlockArgs, reply *GetBlockedReply) (err error) {
	defer h.recoverPanic("GetBlocked", &err)
	rule, err := h.control.GetBlocked(args.Target)
	if err != nil {
		return err
	}
	reply.Rule = rule
	return nil
}

func (h *handler) QueryLogs(args *QueryLogsArgs, reply *QueryLogsReply) (err error) {
	defer h.recoverPanic("QueryLogs", &err)
	reply.Page = h.control.QueryLogs(args.Query)
	return nil
}

func (h *handler) GetLog(args *GetLogArgs, reply *GetLogReply) (err error) {
	defer h.recoverPanic("GetLog", &err)
	f, err := h.control.GetLog(args.ID)
	if err != nil {
		return err
	}
	reply.Flow = f
	return nil
}

func (h *handler) SetMonitoring(args *SetMonitoringArgs, _ *Empty) (err error) {
	defer h.recoverPanic("SetMonitoring", &err)
	h.control.SetMonitoringEnabled(args.Enabled)
	return nil
}

func (h *handler) MonitorStatus(_ *Empty, reply *MonitorStatusReply) (err error) {
	defer h.recoverPanic("MonitorStatus", &err)
	reply.Status = h.control.MonitorStatus()
	return nil
}

func (h *handler) SetMaxLogs(args *SetMaxLogsArgs, _ *Empty) (err error) {
	defer h.recoverPanic("SetMaxLogs", &err)
	return h.control.SetMaxLogs(args.MaxLogs)
}

func (h *handler) ClearLogs(_ *Empty, _ *Empty) (err error) {
	defer h.recoverPanic("ClearLogs", &err)
	h.control.ClearLogs()
	return nil
}

func (h *handler) ListDevices(_ *Empty, reply *ListDevicesReply) (err error) {
	defer h.recoverPanic("ListDevices", &err)
	reply.Devices, err = h.control.ListDevices(h.ctx)
	return err
}

func (h *handler) SaveDeviceInfo(args *DeviceArgs, reply *DeviceReply) (err error) {
	defer h.recoverPanic("SaveDeviceInfo", &err)
	rec, err := h.control.SaveDeviceInfo(args.MAC, args.Name, args.Notes)
	if err != nil {
		return err
	}
	reply.Record = *rec
	return nil
}

func (h *handler) BlockDevice(args *DeviceArgs, reply *DeviceReply) (err error) {
	defer h.recoverPanic("BlockDevice", &err)
	rec, err := h.control.BlockDevice(h.ctx, args.MAC, args.IP)
	if err != nil {
		return err
	}
	reply.Record = *rec
	return nil
}

func (h *handler) UnblockDevice(args *DeviceArgs, reply *DeviceReply) (err error) {
	defer h.recoverPanic("UnblockDevice", &err)
	rec, err := h.control.UnblockDevice(h.ctx, args.MAC)
	if err != nil {
		return err
	}
	reply.Record = *rec
	return nil
}
