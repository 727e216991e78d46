// Package transport exposes the dispatcher over net/rpc so workers and
// clients can run as separate processes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dispatcher"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/logging"
)

// ServiceName is the name the dispatcher is registered under.
const ServiceName = "Dispatcher"

// Ack is the reply of calls that return nothing. gob cannot encode a
// struct without exported fields.
type Ack struct {
	OK bool
}

type RegisterArgs struct {
	WorkerID string
	Quota    int
}

type HeartbeatArgs struct {
	WorkerID string
	Progress []dispatcher.Progress
}

type HeartbeatReply struct {
	Assignments []dispatcher.Assignment
}

type StreamArgs struct {
	WorkerID string
	Path     string
	Stream   int
	Reason   string
}

type StartArgs struct {
	Path        string
	Spec        dataset.Spec
	Compression string
	Options     dispatcher.StartOptions
}

type PathArgs struct {
	Path   string
	Reason string
}

type StreamsReply struct {
	Streams []dispatcher.StreamInfo
}

// dispatcherAPI is what the server needs from the dispatcher.
type dispatcherAPI interface {
	dispatcher.API
	dispatcher.Client
}

// Service adapts a dispatcher to net/rpc method signatures.
type Service struct {
	ctx context.Context
	d   dispatcherAPI
}

func (s *Service) RegisterWorker(args RegisterArgs, reply *Ack) error {
	if err := s.d.RegisterWorker(s.ctx, args.WorkerID, args.Quota); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) Heartbeat(args HeartbeatArgs, reply *HeartbeatReply) error {
	assignments, err := s.d.Heartbeat(s.ctx, args.WorkerID, args.Progress)
	if err != nil {
		return err
	}
	reply.Assignments = assignments
	return nil
}

func (s *Service) AllocateGlobalIndex(args dispatcher.AllocateRequest, reply *dispatcher.Allocation) error {
	alloc, err := s.d.AllocateGlobalIndex(s.ctx, args)
	if err != nil {
		return err
	}
	*reply = alloc
	return nil
}

func (s *Service) ReportStreamComplete(args StreamArgs, reply *Ack) error {
	if err := s.d.ReportStreamComplete(s.ctx, args.WorkerID, args.Path, args.Stream); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) ReportStreamError(args StreamArgs, reply *Ack) error {
	if err := s.d.ReportStreamError(s.ctx, args.WorkerID, args.Path, args.Stream, args.Reason); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) StartSnapshot(args StartArgs, reply *Ack) error {
	if err := s.d.StartSnapshot(s.ctx, args.Path, args.Spec, args.Compression, args.Options); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) Status(args PathArgs, reply *dispatcher.Status) error {
	st, err := s.d.Status(s.ctx, args.Path)
	if err != nil {
		return err
	}
	*reply = st
	return nil
}

// Wait blocks the call until the snapshot ends or the server shuts down.
func (s *Service) Wait(args PathArgs, reply *dispatcher.Status) error {
	st, err := s.d.Wait(s.ctx, args.Path)
	if err != nil {
		return err
	}
	*reply = st
	return nil
}

func (s *Service) Cancel(args PathArgs, reply *Ack) error {
	if err := s.d.Cancel(s.ctx, args.Path, args.Reason); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) Streams(args PathArgs, reply *StreamsReply) error {
	streams, err := s.d.Streams(s.ctx, args.Path)
	if err != nil {
		return err
	}
	reply.Streams = streams
	return nil
}

// Server accepts rpc connections for a dispatcher.
type Server struct {
	d   dispatcherAPI
	log *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer wraps d.
func NewServer(d dispatcherAPI) *Server {
	return &Server{
		d:     d,
		log:   logging.Component("rpc"),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled, then closes the
// listener and every open connection.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, &Service{ctx: ctx, d: s.d}); err != nil {
		l.Close()
		return fmt.Errorf("register rpc service: %w", err)
	}

	go func() {
		<-ctx.Done()
		l.Close()
		s.closeConns()
	}()

	s.log.Info("rpc server listening", "address", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn, true)
		go func() {
			defer s.track(conn, false)
			srv.ServeConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
