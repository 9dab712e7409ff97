package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// Server speaks RESP2 over TCP in front of a DB. redcon owns the
// connections and pipelining; connections idle longer than the configured
// timeout are closed and TCP keepalive probes detect dead peers.
type Server struct {
	ctx             context.Context
	cancel          context.CancelFunc
	db              *DB
	config          *types.StoreConfig
	logger          types.Logger
	listener        net.Listener
	resp            *redcon.Server
	connWG          sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	connected       atomic.Int64
	acceptBackoff   time.Duration
}

func NewServer(ctx context.Context, db *DB, config *types.StoreConfig, logger types.Logger) *Server {
	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		ctx:             serverCtx,
		cancel:          cancel,
		db:              db,
		config:          config,
		logger:          logger,
		shutdownTimeout: 10 * time.Second,
	}
	s.state.Store(StateStopped)

	return s
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	}
	return s.listener.Addr().String()
}

// Listen binds the socket without serving, so callers can learn the
// address of a ":0" listener before Start.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	lc := net.ListenConfig{KeepAlive: time.Duration(s.config.TCPKeepAlive) * time.Second}
	if s.config.TCPKeepAlive == 0 {
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(s.ctx, "tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return types.WrapError(err, "failed to listen")
	}
	s.listener = ln

	return nil
}

func (s *Server) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := s.Listen(); err != nil {
		s.setState(StateStopped)
		return err
	}

	s.resp = redcon.NewServerNetwork("tcp", s.listener.Addr().String(), s.handle, s.accept, s.closed)
	s.resp.SetIdleClose(time.Duration(s.config.Timeout) * time.Second)
	s.resp.AcceptError = s.acceptFailed

	go func(resp *redcon.Server, ln net.Listener) {
		if err := resp.Serve(ln); err != nil {
			s.logger.Error("Cache store serve failed", zap.Error(err))
		}
	}(s.resp, s.listener)

	s.setState(StateRunning)

	s.logger.Info("Cache store listening",
		zap.String("addr", s.listener.Addr().String()),
		zap.Int("timeout", s.config.Timeout),
		zap.Int("tcp_keepalive", s.config.TCPKeepAlive),
		zap.String("maxmemory", s.config.MaxMemory),
		zap.String("maxmemory_policy", s.config.MaxMemoryPolicy),
		zap.Bool("appendonly", s.config.AppendOnly),
	)

	return nil
}

func (s *Server) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
	}()

	s.cancel()

	// Closing the listener ends redcon's accept loop, which then closes
	// every client connection.
	if err := s.resp.Close(); err != nil {
		_ = s.listener.Close()
	}
	s.listener = nil

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			s.connWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("Cache store shutdown timeout", zap.Error(err))
	} else {
		s.logger.Info("Cache store stopped gracefully")
	}

	return nil
}

func (s *Server) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Server) ConnectedClients() int64 {
	return s.connected.Load()
}

type connState struct {
	quit bool
}

// handle runs one command. redcon flushes the replies of a pipeline in a
// single write once every command in it has run.
func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	state, _ := conn.Context().(*connState)
	if state == nil || state.quit {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Cache store connection panic",
				zap.Any("panic", r), zap.String("remote", conn.RemoteAddr()))
			state.quit = true
			_ = conn.Close()
		}
	}()

	if s.db.Exec(cmd.Args, conn) {
		state.quit = true
		_ = conn.Close()
	}
}

func (s *Server) accept(conn redcon.Conn) bool {
	s.acceptBackoff = 0

	conn.SetContext(&connState{})
	s.connWG.Add(1)
	s.connected.Add(1)

	return true
}

func (s *Server) closed(conn redcon.Conn, err error) {
	defer s.connWG.Done()
	s.connected.Add(-1)

	var netErr net.Error

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.Debug("Closing idle cache store client", zap.String("remote", conn.RemoteAddr()))
	default:
		s.logger.Debug("Cache store client read failed",
			zap.String("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// acceptFailed backs off transient accept failures (EMFILE and friends)
// like net/http does. redcon calls it from its accept loop, so the sleep
// delays the next Accept.
func (s *Server) acceptFailed(err error) {
	if s.acceptBackoff == 0 {
		s.acceptBackoff = 5 * time.Millisecond
	} else {
		s.acceptBackoff *= 2
	}
	if s.acceptBackoff > time.Second {
		s.acceptBackoff = time.Second
	}

	s.logger.Warn("Cache store accept failed", zap.Error(err), zap.Duration("retry_in", s.acceptBackoff))
	time.Sleep(s.acceptBackoff)
}

func (s *Server) getState() State {
	return s.state.Load().(State)
}

func (s *Server) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Server) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
