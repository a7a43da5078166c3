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
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spirit-labs/tekrpc/certutil"
	"github.com/spirit-labs/tekrpc/common"
	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/evloop"
	"github.com/spirit-labs/tekrpc/logger"
	"github.com/spirit-labs/tekrpc/metrics"
	"github.com/spirit-labs/tekrpc/protocol"
)

var log = logger.GetLogger("remoting")

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Transport int

const (
	TransportTCP Transport = iota
	TransportTLS
)

func (t Transport) String() string {
	if t == TransportTLS {
		return "tls"
	}
	return "tcp"
}

type Addrinfo struct {
	Addr      string
	Port      int
	Transport Transport
}

func (a Addrinfo) String() string {
	return net.JoinHostPort(a.Addr, strconv.Itoa(a.Port))
}

// Socket is one end of a connection. Client sockets are created idle by Client.CreateSocket and may be connected
// again once disconnected, server sockets are created by the Server for each accepted connection. The public methods
// are safe to call from any goroutine, state changes and Handler calls always happen on the socket's event loop.
type Socket struct {
	id         string
	loop       *evloop.EventLoop
	handler    Handler
	cfg        conf.Config
	tlsCtx     *TLSContext
	server     *Server
	host       string
	port       int
	// stateLock serialises session changes made by callers with those made on the loop
	stateLock  sync.Mutex
	state      atomic.Int32
	sess       atomic.Pointer[session]
	sessionSeq uint64
}

// session is one connection attempt and, if it succeeds, the connection. Fields without a lock are only touched on
// the loop goroutine.
type session struct {
	id         uint64
	cancel     context.CancelFunc
	conn       net.Conn
	writeChan  chan outboundFrame
	writeOnce  sync.Once
	pending    map[uint32]*pendingRequest
	pendingSeq uint64
	connected  bool
	closed       bool

	infoLock     sync.RWMutex
	peer         Addrinfo
	peerChain    []certutil.X509Certificate
	verifyResult error
}

// closeWrites lets the writer flush what is queued, after which it closes the connection.
func (sess *session) closeWrites() {
	sess.writeOnce.Do(func() {
		close(sess.writeChan)
	})
}

type outboundFrame struct {
	msg   protocol.Message
	frame []byte
}

type pendingRequest struct {
	req        protocol.Request
	seq        uint64
	sentAt     time.Time
	timer      *evloop.Timer
	completion func(protocol.Response, error)
}

func (p *pendingRequest) complete(resp protocol.Response, err error) {
	if p.completion == nil {
		return
	}
	completion := p.completion
	p.completion = nil
	completion(resp, err)
}

func newSocket(loop *evloop.EventLoop, handler Handler, cfg conf.Config, tlsCtx *TLSContext, server *Server,
	host string, port int) *Socket {
	return &Socket{
		id:      uuid.New().String(),
		loop:    loop,
		handler: handler,
		cfg:     cfg,
		tlsCtx:  tlsCtx,
		server:  server,
		host:    host,
		port:    port,
	}
}

func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) State() State {
	return State(s.state.Load())
}

func (s *Socket) EventLoop() *evloop.EventLoop {
	return s.loop
}

func (s *Socket) Transport() Transport {
	if s.tlsCtx != nil {
		return TransportTLS
	}
	return TransportTCP
}

// GetPeerInfo returns the remote endpoint of the current, or last, connection. Before the first connection it
// returns the dial target of a client socket.
func (s *Socket) GetPeerInfo() Addrinfo {
	sess := s.sess.Load()
	if sess != nil {
		sess.infoLock.RLock()
		peer := sess.peer
		sess.infoLock.RUnlock()
		if peer.Addr != "" {
			return peer
		}
	}
	return Addrinfo{Addr: s.host, Port: s.port, Transport: s.Transport()}
}

// AsTLS returns the TLS view of the socket, EINVAL for a plain TCP socket.
func (s *Socket) AsTLS() (TLSSocket, error) {
	if s.tlsCtx == nil {
		return TLSSocket{}, errors.NewInvalidArgumentError("not a tls socket")
	}
	return TLSSocket{Socket: s}, nil
}

func (s *Socket) String() string {
	return "socket " + s.id + " " + s.GetPeerInfo().String()
}

func (s *Socket) side() string {
	if s.server != nil {
		return metrics.SideServer
	}
	return metrics.SideClient
}

// beginSession moves an idle or disconnected socket to Connecting with a new session.
func (s *Socket) beginSession(cancel context.CancelFunc) (*session, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	switch st := s.State(); st {
	case StateIdle, StateDisconnected:
	default:
		return nil, errors.NewAlreadyError("socket is " + st.String())
	}
	s.sessionSeq++
	sess := &session{
		id:     s.sessionSeq,
		cancel: cancel,
	}
	s.sess.Store(sess)
	s.state.Store(int32(StateConnecting))
	return sess, nil
}

// endSession moves a connecting or connected socket to Disconnecting and returns the session to tear down.
func (s *Socket) endSession() (*session, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	switch st := s.State(); st {
	case StateConnecting, StateConnected:
	default:
		return nil, errors.NewAlreadyError("socket is " + st.String())
	}
	s.state.Store(int32(StateDisconnecting))
	return s.sess.Load(), nil
}

// advance moves the socket from one state to another, provided sess is still its session.
func (s *Socket) advance(sess *session, from State, to State) bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.sess.Load() != sess || s.State() != from {
		return false
	}
	s.state.Store(int32(to))
	return true
}

func (s *Socket) setState(sess *session, to State) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.sess.Load() == sess {
		s.state.Store(int32(to))
	}
}

func errLoopStopped() error {
	return errors.NewInvalidArgumentError("event loop is stopped")
}

// callback runs application code, a panic is logged and does not abort the caller's bookkeeping.
func (s *Socket) callback(f func()) {
	defer common.RecoverPanic("handler of "+s.String(), nil)
	f()
}

// Connect starts connecting a client socket and returns without waiting for the loop. The outcome is reported with
// OnConnect or OnDisconnect.
func (s *Socket) Connect() error {
	if s.server != nil {
		return errors.NewInvalidArgumentError("cannot connect a server socket")
	}
	if s.loop.IsStopped() {
		return errLoopStopped()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := s.beginSession(cancel)
	if err != nil {
		cancel()
		return err
	}
	common.Go("dial", func() {
		s.dial(ctx, sess)
	})
	return nil
}

func (s *Socket) dial(ctx context.Context, sess *session) {
	conn, tlsRes, err := dialConn(ctx, s.cfg, s.tlsCtx, s.host, s.port)
	if !s.loop.Post(func() {
		s.connectComplete(sess, conn, tlsRes, err)
	}) && conn != nil {
		closeConn(conn)
	}
}

func (s *Socket) connectComplete(sess *session, conn net.Conn, tlsRes *tlsResult, err error) {
	// a Disconnect in flight owns the teardown
	if sess.closed || s.State() == StateDisconnecting {
		if conn != nil {
			closeConn(conn)
		}
		return
	}
	if err != nil {
		log.Debugf("%s failed to connect: %v", s, err)
		metrics.ConnectFailures.WithLabelValues(errors.Code(err).String()).Inc()
		s.teardown(sess, err)
		return
	}
	s.established(sess, conn, tlsRes)
}

func (s *Socket) established(sess *session, conn net.Conn, tlsRes *tlsResult) {
	if !s.advance(sess, StateConnecting, StateConnected) {
		closeConn(conn)
		return
	}
	sess.conn = conn
	sess.writeChan = make(chan outboundFrame, s.cfg.WriteQueueSize)
	sess.pending = map[uint32]*pendingRequest{}
	sess.infoLock.Lock()
	sess.peer = peerAddrinfo(conn, s.Transport())
	if tlsRes != nil {
		sess.peerChain = tlsRes.chain
		sess.verifyResult = tlsRes.verifyResult
	}
	sess.infoLock.Unlock()
	sess.connected = true
	metrics.Connects.WithLabelValues(s.side()).Inc()
	metrics.SocketsConnected.Inc()
	log.Debugf("%s connected", s)
	common.Go("read-loop", func() {
		s.readLoop(sess)
	})
	common.Go("write-loop", func() {
		s.writeLoop(sess)
	})
	s.callback(func() {
		s.handler.OnConnect(s)
	})
}

func peerAddrinfo(conn net.Conn, transport Transport) Addrinfo {
	info := Addrinfo{Transport: transport}
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		info.Addr = addr.IP.String()
		info.Port = addr.Port
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err == nil {
			info.Addr = host
			info.Port, _ = strconv.Atoi(port)
		}
	}
	return info
}

// Disconnect closes the connection, or abandons the connection attempt. Outstanding requests are failed with
// ConnectionClosed before OnDisconnect is delivered with a nil error.
// It returns without waiting for the loop.
func (s *Socket) Disconnect() error {
	sess, err := s.endSession()
	if err != nil {
		return err
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	if !s.loop.Post(func() {
		s.teardown(sess, nil)
	}) {
		s.setState(sess, StateDisconnected)
		return errLoopStopped()
	}
	return nil
}

// teardown ends the session: pending requests are failed, the writer flushes what is queued and closes the
// connection, and OnDisconnect is delivered. Server sockets which never connected are dropped silently.
func (s *Socket) teardown(sess *session, reason error) {
	if sess.closed {
		return
	}
	sess.closed = true
	if sess.cancel != nil {
		sess.cancel()
	}
	s.setState(sess, StateDisconnecting)
	if len(sess.pending) > 0 {
		pending := make([]*pendingRequest, 0, len(sess.pending))
		for _, p := range sess.pending {
			pending = append(pending, p)
		}
		sort.Slice(pending, func(i, j int) bool {
			return pending[i].seq < pending[j].seq
		})
		sess.pending = map[uint32]*pendingRequest{}
		closedErr := errors.NewConnectionClosedError()
		for _, p := range pending {
			if p.timer != nil {
				p.timer.Stop()
			}
			s.failMessage(p.req, p, closedErr)
		}
	}
	if sess.writeChan != nil {
		sess.closeWrites()
	} else if sess.conn != nil {
		closeConn(sess.conn)
	}
	s.setState(sess, StateDisconnected)
	if sess.connected {
		metrics.Disconnects.WithLabelValues(s.side()).Inc()
		metrics.SocketsConnected.Dec()
	}
	if s.server != nil {
		s.server.socketClosed(s)
	}
	if sess.connected || s.server == nil {
		log.Debugf("%s disconnected: %v", s, reason)
		s.callback(func() {
			s.handler.OnDisconnect(s, reason)
		})
	}
}

// failMessage resolves the request's completion, if any, then reports the failure with OnError.
func (s *Socket) failMessage(msg protocol.Message, p *pendingRequest, err error) {
	metrics.SendErrors.WithLabelValues(errors.Code(err).String()).Inc()
	if p != nil {
		s.callback(func() {
			p.complete(protocol.Response{}, err)
		})
	}
	s.callback(func() {
		s.handler.OnError(s, msg, err)
	})
}

// Send queues the message for writing. A Request sent with a timeout > 0 is tracked, its Response is matched to it
// and if none arrives in time OnError is delivered with ETIMEOUT. Only a socket which is not connected is reported
// through the returned error, every other failure is delivered to OnError.
func (s *Socket) Send(msg protocol.Message, timeout time.Duration) error {
	return s.send(msg, timeout, nil)
}

// Call sends the request and calls completion on the loop exactly once, with the matching Response, or with the
// error which resolved the request (ETIMEOUT, ConnectionClosed or a send failure). With a zero timeout the request
// waits for its response until the socket disconnects.
func (s *Socket) Call(req protocol.Request, timeout time.Duration, completion func(protocol.Response, error)) error {
	if completion == nil {
		return errors.NewInvalidArgumentError("completion must not be nil")
	}
	return s.send(req, timeout, completion)
}

// CallSync is the blocking form of Call, for use from goroutines other than the event loop. If ctx is done first its
// error is returned and the request is still resolved on the loop.
func (s *Socket) CallSync(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	if s.loop.InLoop() {
		return protocol.Response{}, errors.NewInvalidArgumentError("CallSync would block the event loop")
	}
	type result struct {
		resp protocol.Response
		err  error
	}
	ch := make(chan result, 1)
	if err := s.Call(req, timeout, func(resp protocol.Response, err error) {
		ch <- result{resp: resp, err: err}
	}); err != nil {
		return protocol.Response{}, err
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-s.loop.Done():
		return protocol.Response{}, errLoopStopped()
	}
}

func (s *Socket) send(msg protocol.Message, timeout time.Duration, completion func(protocol.Response, error)) error {
	switch m := msg.(type) {
	case *protocol.Request:
		msg = *m
	case *protocol.Response:
		msg = *m
	case *protocol.Notify:
		msg = *m
	case nil:
		return errors.NewInvalidArgumentError("message must not be nil")
	}
	if timeout < 0 {
		return errors.NewInvalidArgumentError("timeout must be >= 0")
	}
	sess := s.sess.Load()
	if sess == nil || s.State() != StateConnected {
		return errors.NewInvalidArgumentError("socket is not connected")
	}
	frame, err := protocol.EncodeFrame(msg)
	if err == nil && len(frame)-4 > s.cfg.MaxFrameSize {
		err = errors.NewRPCErrorf(errors.EINVAL, "message of %d bytes exceeds maximum frame size %d", len(frame)-4,
			s.cfg.MaxFrameSize)
	}
	var task func()
	if err != nil {
		task = func() {
			s.rejected(sess, msg, completion, err)
		}
	} else {
		task = func() {
			s.enqueue(sess, msg, frame, timeout, completion)
		}
	}
	if !s.loop.Post(task) {
		return errLoopStopped()
	}
	return nil
}

// rejected reports a message which never reached the outbound queue.
func (s *Socket) rejected(sess *session, msg protocol.Message, completion func(protocol.Response, error), err error) {
	var p *pendingRequest
	if completion != nil {
		p = &pendingRequest{completion: completion}
	}
	if sess.closed {
		// OnDisconnect has been delivered, only the completion is owed
		if p != nil {
			s.callback(func() {
				p.complete(protocol.Response{}, errors.NewConnectionClosedError())
			})
		}
		return
	}
	if s.State() != StateConnected && !errors.IsCode(err, errors.TypeMismatch) {
		err = errors.NewConnectionClosedError()
	}
	s.failMessage(msg, p, err)
}

func (s *Socket) enqueue(sess *session, msg protocol.Message, frame []byte, timeout time.Duration,
	completion func(protocol.Response, error)) {
	if sess.closed || s.State() != StateConnected {
		s.rejected(sess, msg, completion, errors.NewConnectionClosedError())
		return
	}
	var p *pendingRequest
	req, isRequest := msg.(protocol.Request)
	if isRequest && (timeout > 0 || completion != nil) {
		if _, exists := sess.pending[req.Msgid]; exists {
			s.rejected(sess, msg, completion, errors.NewRPCErrorf(errors.EINVAL,
				"request with msgid %d is already outstanding", req.Msgid))
			return
		}
		sess.pendingSeq++
		p = &pendingRequest{
			req:        req,
			seq:        sess.pendingSeq,
			sentAt:     time.Now(),
			completion: completion,
		}
		sess.pending[req.Msgid] = p
		if timeout > 0 {
			p.timer = evloop.StartTimer(s.loop, timeout, p, func(p *pendingRequest) {
				s.requestTimedOut(sess, p)
			})
		}
	}
	select {
	case sess.writeChan <- outboundFrame{msg: msg, frame: frame}:
	default:
		log.Warnf("%s outbound queue is full, dropping %s", s, msg.Type())
		if p != nil {
			s.removePending(sess, p)
		}
		s.failMessage(msg, p, errors.NewRPCErrorf(errors.ENOMEM,
			"outbound queue of %d frames is full", s.cfg.WriteQueueSize))
	}
}

func (s *Socket) removePending(sess *session, p *pendingRequest) {
	if p.timer != nil {
		p.timer.Stop()
	}
	if sess.pending[p.req.Msgid] == p {
		delete(sess.pending, p.req.Msgid)
	}
}

func (s *Socket) requestTimedOut(sess *session, p *pendingRequest) {
	if sess.closed || sess.pending[p.req.Msgid] != p {
		return
	}
	delete(sess.pending, p.req.Msgid)
	metrics.RequestTimeouts.Inc()
	s.failMessage(p.req, p, errors.NewTimeoutError("request "+p.req.Method+" msgid "+
		strconv.FormatUint(uint64(p.req.Msgid), 10)+" timed out after "+time.Since(p.sentAt).String()))
}

func (s *Socket) writeLoop(sess *session) {
	defer closeConn(sess.conn)
	failed := false
	for out := range sess.writeChan {
		if failed {
			// the connection is being torn down, remaining frames are failed by the loop
			continue
		}
		if err := s.writeFrame(sess.conn, out.frame); err != nil {
			failed = true
			out := out
			werr := errors.NewRPCErrorf(errors.ConnectionReset, "failed to write %s: %v", out.msg.Type(), err)
			s.loop.Post(func() {
				s.writeFailed(sess, out.msg, werr)
			})
			continue
		}
		metrics.MessagesOut.WithLabelValues(out.msg.Type().String()).Inc()
	}
}

func (s *Socket) writeFrame(conn net.Conn, frame []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(frame)
	return err
}

func (s *Socket) writeFailed(sess *session, msg protocol.Message, err error) {
	if sess.closed {
		return
	}
	log.Warnf("%s %v", s, err)
	var p *pendingRequest
	if req, ok := msg.(protocol.Request); ok {
		if pr, ok := sess.pending[req.Msgid]; ok {
			s.removePending(sess, pr)
			p = pr
		}
	}
	s.failMessage(msg, p, err)
	s.teardown(sess, errors.NewRPCErrorf(errors.ConnectionReset, "connection reset: %v", err))
}

func (s *Socket) readLoop(sess *session) {
	err := protocol.ReadFrames(sess.conn, s.cfg.MaxFrameSize, func(body []byte) error {
		msg, err := protocol.DecodeMessage(body)
		s.loop.Post(func() {
			s.dispatch(sess, msg, err)
		})
		return nil
	})
	if !s.loop.Post(func() {
		s.readFailed(sess, err)
	}) {
		// the loop has stopped so nothing else will end the session
		sess.closeWrites()
	}
}

func (s *Socket) readFailed(sess *session, err error) {
	if sess.closed {
		return
	}
	var reason error
	switch {
	case err == nil:
		reason = errors.NewRPCError(errors.ConnectionClosed, "connection closed by peer")
	case errors.IsCode(err, errors.ProtocolError):
		log.Warnf("%s %v", s, err)
		metrics.ProtocolErrors.Inc()
		reason = err
	default:
		reason = errors.NewRPCErrorf(errors.ConnectionReset, "connection reset: %v", err)
	}
	s.teardown(sess, reason)
}

func (s *Socket) dispatch(sess *session, msg protocol.Message, err error) {
	if sess.closed {
		return
	}
	if err != nil {
		metrics.ProtocolErrors.Inc()
		s.callback(func() {
			s.handler.OnError(s, nil, err)
		})
		return
	}
	metrics.MessagesIn.WithLabelValues(msg.Type().String()).Inc()
	if resp, ok := msg.(protocol.Response); ok {
		if p, ok := sess.pending[resp.Msgid]; ok {
			s.removePending(sess, p)
			resp.Request = p.req
			msg = resp
			s.callback(func() {
				p.complete(resp, nil)
			})
			if sess.closed {
				return
			}
		}
	}
	s.callback(func() {
		s.handler.OnMessage(s, msg)
	})
}

func closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil {
		// Ignore - the connection may already have been closed by the peer
	}
}
