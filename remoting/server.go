// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remoting

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/spirit-labs/tekrpc/common"
	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/evloop"
	"github.com/spirit-labs/tekrpc/metrics"
)

// Server accepts connections, each becomes a Socket sharing the server's Handler which connects without an explicit
// Connect call.
type Server struct {
	handler             Handler
	tlsCtx              *TLSContext
	loop                *evloop.EventLoop
	cfg                 conf.Config
	lock                sync.Mutex
	listener            net.Listener
	started             bool
	acceptLoopExitGroup sync.WaitGroup
	sockets             sync.Map
	maxClients          atomic.Int64
	numClients          atomic.Int64
}

func NewServer(handler Handler, opts ...Option) (*Server, error) {
	o, err := buildOptions(handler, opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		handler: handler,
		loop:    o.loop,
		cfg:     o.cfg,
	}
	s.maxClients.Store(int64(o.cfg.MaxClients))
	return s, nil
}

// NewSSLServer creates a server which runs a TLS handshake on every accepted connection. The context must carry a
// certificate and private key and is frozen by this call.
func NewSSLServer(handler Handler, tlsCtx *TLSContext, opts ...Option) (*Server, error) {
	if tlsCtx == nil {
		return nil, errors.NewInvalidArgumentError("tls context must not be nil")
	}
	server, err := NewServer(handler, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := tlsCtx.freeze(true); err != nil {
		return nil, err
	}
	server.tlsCtx = tlsCtx
	return server, nil
}

// SetMaxClients caps the number of concurrent connections, 0 means unlimited. Connections over the cap are closed
// as soon as they are accepted, connections still in their TLS handshake count towards it.
func (s *Server) SetMaxClients(n int) error {
	if n < 0 {
		return errors.NewRPCErrorf(errors.EINVAL, "invalid max clients %d", n)
	}
	s.maxClients.Store(int64(n))
	return nil
}

func (s *Server) Start(host string, port int) error {
	if s.handler == nil || s.loop == nil {
		return errors.NewInvalidArgumentError("server must be created with NewServer or NewSSLServer")
	}
	if port < 0 || port > 65535 {
		return errors.NewRPCErrorf(errors.EINVAL, "invalid port %d", port)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return errors.NewAlreadyError("server already started")
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	list, err := net.Listen("tcp", address)
	if err != nil {
		log.Errorf("failed to listen on %s: %v", address, err)
		return errors.NewRPCErrorf(errors.EINVAL, "cannot listen on %s: %v", address, err)
	}
	s.listener = list
	s.started = true
	s.acceptLoopExitGroup.Add(1)
	common.Go("accept-loop", s.acceptLoop)
	log.Debugf("started %s server on %s", s.transport(), list.Addr().String())
	return nil
}

func (s *Server) transport() Transport {
	if s.tlsCtx != nil {
		return TransportTLS
	}
	return TransportTCP
}

func (s *Server) acceptLoop() {
	defer s.acceptLoopExitGroup.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Ok - was closed
			break
		}
		maxClients := s.maxClients.Load()
		if maxClients > 0 && s.numClients.Load() >= maxClients {
			log.Debugf("refusing connection from %s, server has %d clients", conn.RemoteAddr().String(), maxClients)
			metrics.AcceptsRefused.Inc()
			closeConn(conn)
			continue
		}
		s.numClients.Add(1)
		sock := newSocket(s.loop, s.handler, s.cfg, s.tlsCtx, s, "", 0)
		ctx, cancel := context.WithCancel(context.Background())
		// a new socket is idle, so this cannot fail
		sess, _ := sock.beginSession(cancel)
		s.sockets.Store(sock, struct{}{})
		common.Go("accept-handshake", func() {
			netConn, tlsRes, err := acceptConn(ctx, s.cfg, s.tlsCtx, conn)
			if !s.loop.Post(func() {
				sock.connectComplete(sess, netConn, tlsRes, err)
			}) && netConn != nil {
				closeConn(netConn)
			}
		})
	}
}

// Stop closes the listener and disconnects every socket, connected sockets receive OnDisconnect. Unless called from
// the event loop, Stop returns once those events have been delivered.
func (s *Server) Stop() error {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return errors.NewAlreadyError("server not started")
	}
	if err := s.listener.Close(); err != nil {
		log.Warnf("failed to close listener %v", err)
	}
	// Wait for accept loop to exit
	s.acceptLoopExitGroup.Wait()
	address := s.listener.Addr().String()
	s.started = false
	s.lock.Unlock()

	done := make(chan struct{})
	disconnectAll := func() {
		s.sockets.Range(func(sock, _ interface{}) bool {
			if err := sock.(*Socket).Disconnect(); err != nil {
				// Already disconnecting
			}
			return true
		})
		// teardowns were posted above, so this runs after all of them
		s.loop.Post(func() {
			close(done)
		})
	}
	if s.loop.InLoop() {
		disconnectAll()
	} else if s.loop.Post(disconnectAll) {
		select {
		case <-done:
		case <-s.loop.Done():
		}
	}
	log.Debugf("stopped server on %s", address)
	return nil
}

// Address returns the address the server is listening on, empty when not started.
func (s *Server) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the port the server is listening on, 0 when not started.
func (s *Server) Port() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// NumClients returns the number of accepted connections which have not yet disconnected.
func (s *Server) NumClients() int {
	return int(s.numClients.Load())
}

func (s *Server) socketClosed(sock *Socket) {
	if _, ok := s.sockets.LoadAndDelete(sock); ok {
		s.numClients.Add(-1)
	}
}
