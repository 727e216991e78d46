package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dispatcher"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
)

var (
	_ dispatcher.API    = (*Client)(nil)
	_ dispatcher.Client = (*Client)(nil)
)

// DialTimeout bounds connection attempts.
const DialTimeout = 5 * time.Second

// Client calls a remote dispatcher. The connection is opened lazily and
// re-opened after it breaks, so a restarted dispatcher is picked up by the
// next call.
type Client struct {
	addr string

	mu   sync.Mutex
	conn *rpc.Client
}

// NewClient returns a client for the dispatcher at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) client(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial dispatcher %s: %w", c.addr, err)
	}
	c.conn = rpc.NewClient(conn)
	return c.conn, nil
}

func (c *Client) drop(conn *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	conn, err := c.client(ctx)
	if err != nil {
		return err
	}
	call := conn.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
	}
	if call.Error == nil {
		return nil
	}

	var serverErr rpc.ServerError
	if errors.As(call.Error, &serverErr) {
		return remoteError(string(serverErr))
	}
	// Broken connection: dial again on the next call.
	c.drop(conn)
	return fmt.Errorf("%s: %w", method, call.Error)
}

// remoteError rebuilds the error a dispatcher returned from its message so
// callers can match sentinels and error kinds with errors.Is.
func remoteError(msg string) error {
	for _, sentinel := range []error{
		dispatcher.ErrUnknownWorker,
		dispatcher.ErrNotOwner,
		dispatcher.ErrSnapshotTerminal,
		dispatcher.ErrUnknownSnapshot,
	} {
		if strings.HasSuffix(msg, sentinel.Error()) {
			return &wireError{msg: msg, cause: sentinel}
		}
	}
	if e := snapshot.ParseError(msg); e != nil {
		return &wireError{msg: msg, cause: e}
	}
	return errors.New(msg)
}

type wireError struct {
	msg   string
	cause error
}

func (e *wireError) Error() string { return e.msg }
func (e *wireError) Unwrap() error { return e.cause }

func (c *Client) RegisterWorker(ctx context.Context, workerID string, quota int) error {
	return c.call(ctx, "RegisterWorker", RegisterArgs{WorkerID: workerID, Quota: quota}, &Ack{})
}

func (c *Client) Heartbeat(ctx context.Context, workerID string, progress []dispatcher.Progress) ([]dispatcher.Assignment, error) {
	var reply HeartbeatReply
	if err := c.call(ctx, "Heartbeat", HeartbeatArgs{WorkerID: workerID, Progress: progress}, &reply); err != nil {
		return nil, err
	}
	return reply.Assignments, nil
}

func (c *Client) AllocateGlobalIndex(ctx context.Context, req dispatcher.AllocateRequest) (dispatcher.Allocation, error) {
	var reply dispatcher.Allocation
	if err := c.call(ctx, "AllocateGlobalIndex", req, &reply); err != nil {
		return dispatcher.Allocation{}, err
	}
	return reply, nil
}

func (c *Client) ReportStreamComplete(ctx context.Context, workerID, path string, stream int) error {
	return c.call(ctx, "ReportStreamComplete", StreamArgs{WorkerID: workerID, Path: path, Stream: stream}, &Ack{})
}

func (c *Client) ReportStreamError(ctx context.Context, workerID, path string, stream int, reason string) error {
	return c.call(ctx, "ReportStreamError", StreamArgs{WorkerID: workerID, Path: path, Stream: stream, Reason: reason}, &Ack{})
}

func (c *Client) StartSnapshot(ctx context.Context, path string, spec dataset.Spec, compression string, opts dispatcher.StartOptions) error {
	return c.call(ctx, "StartSnapshot", StartArgs{Path: path, Spec: spec, Compression: compression, Options: opts}, &Ack{})
}

func (c *Client) Status(ctx context.Context, path string) (dispatcher.Status, error) {
	var reply dispatcher.Status
	if err := c.call(ctx, "Status", PathArgs{Path: path}, &reply); err != nil {
		return dispatcher.Status{}, err
	}
	return reply, nil
}

func (c *Client) Wait(ctx context.Context, path string) (dispatcher.Status, error) {
	var reply dispatcher.Status
	if err := c.call(ctx, "Wait", PathArgs{Path: path}, &reply); err != nil {
		return dispatcher.Status{}, err
	}
	return reply, nil
}

func (c *Client) Cancel(ctx context.Context, path, reason string) error {
	return c.call(ctx, "Cancel", PathArgs{Path: path, Reason: reason}, &Ack{})
}

func (c *Client) Streams(ctx context.Context, path string) ([]dispatcher.StreamInfo, error) {
	var reply StreamsReply
	if err := c.call(ctx, "Streams", PathArgs{Path: path}, &reply); err != nil {
		return nil, err
	}
	return reply.Streams, nil
}
