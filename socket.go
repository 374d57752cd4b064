// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultServerAddress = ":1234"
	DefaultServerTimeout = 30 * time.Second
)

type ServerConfig struct {
	Address string
	// a session ends if the host stays silent this long
	Timeout time.Duration
	Version DapVersion
}

func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Address: DefaultServerAddress,
		Timeout: DefaultServerTimeout,
		Version: DapVersionV2,
	}
}

/* DebugSocket carries CMSIS-DAP v2 packets over a stream socket, one host
 * at a time. Each read is one request, each response is written back in
 * full.
 */
type DebugSocket struct {
	config  *ServerConfig
	dap     *Dap
	lock    *Spinlock
	monitor *FlashMonitor
}

/**
  Creates the session loop. Commands are processed holding lock; monitor,
  if not nil, is polled after every command.
*/
func NewDebugSocket(config *ServerConfig, dap *Dap, lock *Spinlock, monitor *FlashMonitor) *DebugSocket {
	return &DebugSocket{config: config, dap: dap, lock: lock, monitor: monitor}
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *DebugSocket) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)

	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.config.Address)
	}

	return s.Serve(ctx, listener)
}

/**
  Accepts hosts from listener and serves them one after another. Returns
  when ctx is done or the listener fails permanently.
*/
func (s *DebugSocket) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	logger.Infof("Waiting for connection on %s", listener.Addr())

	for {
		conn, err := listener.Accept()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "listener closed")
			}

			logger.Warnf("Failed to accept connection: %v", err)
			continue
		}

		s.ServeSession(ctx, conn)
	}
}

// ServeSession processes requests from conn until the host goes away, then
// suspends the debug port and closes conn.
func (s *DebugSocket) ServeSession(ctx context.Context, conn net.Conn) {
	logger.Infof("Connected to %s", conn.RemoteAddr())

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	request := make([]byte, Dap2PacketSize)
	response := make([]byte, Dap2PacketSize)

	for ctx.Err() == nil {
		if s.config.Timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.config.Timeout)); err != nil {
				logger.Warnf("set read deadline: %v", err)
			}
		}

		logger.Trace("Waiting for request")

		n, err := conn.Read(request)

		if err == io.EOF {
			logger.Warn("read EOF")
			break
		}

		if err != nil {
			logger.Warnf("read error: %v", err)
			break
		}

		logger.Tracef("Received %d bytes", n)

		n = s.process(request[:n], response)

		if n == 0 {
			continue
		}

		logger.Tracef("Responding with %d bytes", n)

		if _, err := conn.Write(response[:n]); err != nil {
			logger.Warnf("write error: %v", err)
			break
		}
	}

	WithSpinlock(s.lock, func() struct{} {
		s.dap.Suspend()
		return struct{}{}
	})

	if err := conn.Close(); err != nil {
		panic(fmt.Sprintf("socket: could not close connection to %s: %v", conn.RemoteAddr(), err))
	}

	logger.Infof("Disconnected from %s", conn.RemoteAddr())
}

func (s *DebugSocket) process(request []byte, response []byte) int {
	n := WithSpinlock(s.lock, func() int {
		return s.dap.ProcessCommand(request, response, s.config.Version)
	})

	if s.monitor != nil {
		s.monitor.HandlePending()
	}

	return n
}
