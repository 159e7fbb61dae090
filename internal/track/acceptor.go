package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	// serverFullLine is written to a connection rejected for capacity
	// before it is closed.
	serverFullLine = "server full, try again later.\r\n"

	// rejectWriteTimeout bounds the courtesy write to a rejected peer.
	rejectWriteTimeout = 2 * time.Second
)

// connWorker is the per-connection goroutine body. Session and
// Dispatcher both satisfy it.
type connWorker interface {
	Run(ctx context.Context)
}

// AcceptorConfig holds the two listen addresses.
type AcceptorConfig struct {
	// CommandAddr accepts operator command clients.
	CommandAddr string

	// TrackerAddr accepts GPS tracker devices.
	TrackerAddr string
}

// AcceptorDeps wires the shared slot table and the worker factories
// the supervisor builds around its collaborator set.
type AcceptorDeps struct {
	Table *SlotTable

	// NewTracker and NewClient construct the worker for a reserved
	// slot. The acceptor releases the slot after the worker returns.
	NewTracker func(slot *ClientSlot) *Session
	NewClient  func(slot *ClientSlot) *Dispatcher

	Stats  *ServerStats
	Logger *slog.Logger
}

// Acceptor owns the two TCP listeners and the accept loops. Every
// accepted connection is backed by a slot from the shared table;
// connections beyond capacity are turned away with a courtesy line.
type Acceptor struct {
	cfg AcceptorConfig

	table      *SlotTable
	newTracker func(slot *ClientSlot) *Session
	newClient  func(slot *ClientSlot) *Dispatcher

	cmdLn net.Listener
	trkLn net.Listener

	stats  *ServerStats
	logger *slog.Logger
}

// NewAcceptor creates an Acceptor. Call Listen before Run.
func NewAcceptor(cfg AcceptorConfig, deps AcceptorDeps) *Acceptor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := deps.Stats
	if stats == nil {
		stats = &ServerStats{}
	}

	return &Acceptor{
		cfg:        cfg,
		table:      deps.Table,
		newTracker: deps.NewTracker,
		newClient:  deps.NewClient,
		stats:      stats,
		logger:     logger.With(slog.String("component", "acceptor")),
	}
}

// Listen binds both TCP listeners. Binding is separate from serving so
// callers see bind errors synchronously and can read the bound
// addresses before traffic starts.
func (a *Acceptor) Listen(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReuseAddr(c)
		},
	}

	cmdLn, err := lc.Listen(ctx, "tcp", a.cfg.CommandAddr)
	if err != nil {
		return fmt.Errorf("listen command %s: %w", a.cfg.CommandAddr, err)
	}

	trkLn, err := lc.Listen(ctx, "tcp", a.cfg.TrackerAddr)
	if err != nil {
		closeErr := cmdLn.Close()
		return errors.Join(
			fmt.Errorf("listen tracker %s: %w", a.cfg.TrackerAddr, err),
			closeErr,
		)
	}

	a.cmdLn = cmdLn
	a.trkLn = trkLn

	a.logger.Info("listening",
		slog.String("command_addr", cmdLn.Addr().String()),
		slog.String("tracker_addr", trkLn.Addr().String()),
	)
	return nil
}

// CommandAddr returns the bound command listener address. Valid after
// Listen.
func (a *Acceptor) CommandAddr() net.Addr {
	if a.cmdLn == nil {
		return nil
	}
	return a.cmdLn.Addr()
}

// TrackerAddr returns the bound tracker listener address. Valid after
// Listen.
func (a *Acceptor) TrackerAddr() net.Addr {
	if a.trkLn == nil {
		return nil
	}
	return a.trkLn.Addr()
}

// Run serves both accept loops until ctx is cancelled, then waits for
// every connection worker to return.
func (a *Acceptor) Run(ctx context.Context) error {
	if a.cmdLn == nil || a.trkLn == nil {
		return errors.New("acceptor: Run called before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Unblock Accept when the supervisor cancels.
	stop := context.AfterFunc(ctx, func() {
		_ = a.cmdLn.Close()
		_ = a.trkLn.Close()
	})
	defer stop()

	g.Go(func() error { return a.serve(ctx, g, a.trkLn, RoleTracker) })
	g.Go(func() error { return a.serve(ctx, g, a.cmdLn, RoleCommand) })

	err := g.Wait()
	a.logger.Info("acceptor stopped")
	return err
}

// serve accepts connections on one listener, spawning a slot-backed
// worker per connection into g.
func (a *Acceptor) serve(ctx context.Context, g *errgroup.Group, ln net.Listener, role Role) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				a.logger.Warn("transient accept error",
					slog.String("role", role.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			return fmt.Errorf("accept %s on %s: %w", role, ln.Addr(), err)
		}

		a.handle(ctx, g, role, conn)
	}
}

// handle reserves a slot for conn and spawns its worker, or turns the
// connection away when the table is full.
func (a *Acceptor) handle(ctx context.Context, g *errgroup.Group, role Role, conn net.Conn) {
	slot, err := a.table.Reserve(role, conn)
	if err != nil {
		a.stats.RejectedTotal.Add(1)
		a.logger.Warn("connection rejected",
			slog.String("role", role.String()),
			slog.String("peer", peerString(conn)),
			slog.String("error", err.Error()),
		)
		_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
		_, _ = conn.Write([]byte(serverFullLine))
		_ = conn.Close()
		return
	}

	a.stats.AcceptedTotal.Add(1)

	var worker connWorker
	switch role {
	case RoleTracker:
		worker = a.newTracker(slot)
	default:
		worker = a.newClient(slot)
	}

	// The slot returns to the free list only after the worker is done
	// with the connection.
	g.Go(func() error {
		defer a.table.Release(slot)
		worker.Run(ctx)
		return nil
	})
}

// setReuseAddr sets SO_REUSEADDR so a restarting server can rebind its
// ports while old connections drain in TIME_WAIT.
func setReuseAddr(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
	}
	return sockErr
}
