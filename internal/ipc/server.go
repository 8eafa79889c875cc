package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"log/slog"

	"checkforge/internal/checkpoint"
	"checkforge/internal/daemon"
	"checkforge/internal/logging"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Checkforge", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String("component", "ipc"))
}

func (s *service) Start(req StartRequest, resp *StartResponse) error {
	item, err := s.daemon.Engine().Start(s.ctx, req.ItemID, req.ConfigJSON)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	s.log().Info("item started via IPC",
		logging.String(logging.FieldItemID, req.ItemID),
		logging.String(logging.FieldEventType, "item_start"))
	return nil
}

func (s *service) Advance(req AdvanceRequest, resp *AdvanceResponse) error {
	item, err := s.daemon.Engine().Advance(s.ctx, req.ItemID)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	return nil
}

func (s *service) Run(req RunRequest, resp *RunResponse) error {
	item, err := s.daemon.Engine().Run(s.ctx, req.ItemID)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	return nil
}

func (s *service) Save(req SaveRequest, resp *SaveResponse) error {
	item, err := s.daemon.Engine().Save(s.ctx, req.ItemID, req.EditsJSON)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	s.log().Info("review edits saved via IPC",
		logging.String(logging.FieldItemID, req.ItemID),
		logging.String(logging.FieldEventType, "review_save"))
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	item, err := s.daemon.Engine().Cancel(s.ctx, req.ItemID)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	s.log().Info("item cancelled via IPC",
		logging.String(logging.FieldItemID, req.ItemID),
		logging.String(logging.FieldEventType, "item_cancel"))
	return nil
}

func (s *service) Reset(req ResetRequest, resp *ResetResponse) error {
	item, err := s.daemon.Engine().Reset(s.ctx, req.ItemID)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	s.log().Info("item reset via IPC",
		logging.String(logging.FieldItemID, req.ItemID),
		logging.String(logging.FieldEventType, "item_reset"))
	return nil
}

func (s *service) Describe(req DescribeRequest, resp *DescribeResponse) error {
	item, err := s.daemon.Engine().GetState(s.ctx, req.ItemID)
	if err != nil {
		return err
	}
	resp.Item = fromItem(item)
	return nil
}

func (s *service) List(req ListRequest, resp *ListResponse) error {
	statuses := make([]checkpoint.Status, 0, len(req.Statuses))
	for _, status := range req.Statuses {
		parsed, ok := checkpoint.ParseStatus(status)
		if !ok {
			return fmt.Errorf("unknown status %q", status)
		}
		statuses = append(statuses, parsed)
	}
	items, err := s.daemon.Engine().ListHistory(s.ctx, statuses...)
	if err != nil {
		return err
	}
	resp.Items = make([]Item, 0, len(items))
	for _, item := range items {
		if dto := fromItem(item); dto != nil {
			resp.Items = append(resp.Items, *dto)
		}
	}
	return nil
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	results, err := s.daemon.Engine().ResultHistory(s.ctx, req.ItemID)
	if err != nil {
		return err
	}
	resp.Results = fromResults(results)
	return nil
}

func (s *service) Events(req EventsRequest, resp *EventsResponse) error {
	events, next, err := s.daemon.Broadcaster().Fetch(s.ctx, req.ItemID, req.Since, req.Limit, req.Wait)
	if err != nil {
		return err
	}
	resp.Events = fromEvents(events)
	resp.Next = next
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StoreDBPath = status.StoreDBPath
	resp.LockPath = status.LockPath
	resp.ItemCounts = map[string]int{
		string(checkpoint.StatusPending):        status.Summary.Pending,
		string(checkpoint.StatusRunning):        status.Summary.Running,
		string(checkpoint.StatusAwaitingReview): status.Summary.AwaitingReview,
		string(checkpoint.StatusCompleted):      status.Summary.Completed,
		string(checkpoint.StatusFailed):         status.Summary.Failed,
		string(checkpoint.StatusCancelled):      status.Summary.Cancelled,
	}
	resp.StageHealth = fromStageHealth(status.StageHealth)
	return nil
}

func (s *service) Health(_ HealthRequest, resp *HealthResponse) error {
	status := s.daemon.Status(s.ctx)
	db := status.Database
	resp.DBPath = db.DBPath
	resp.DatabaseExists = db.DatabaseExists
	resp.DatabaseReadable = db.DatabaseReadable
	resp.SchemaVersion = db.SchemaVersion
	resp.TablesPresent = db.TablesPresent
	resp.MissingTables = db.MissingTables
	resp.IntegrityCheck = db.IntegrityCheck
	resp.TotalItems = db.TotalItems
	resp.Error = db.Error
	return nil
}

func (s *service) Stale(_ StaleRequest, resp *StaleResponse) error {
	items, err := s.daemon.Engine().ListStale(s.ctx)
	if err != nil {
		return err
	}
	resp.Items = make([]Item, 0, len(items))
	for _, item := range items {
		if dto := fromItem(item); dto != nil {
			resp.Items = append(resp.Items, *dto)
		}
	}
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}
