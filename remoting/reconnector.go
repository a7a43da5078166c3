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
	"time"

	"github.com/spirit-labs/tekrpc/evloop"
	"github.com/spirit-labs/tekrpc/protocol"
)

type ReconnectPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of consecutive failed attempts after which the socket is left disconnected, 0 means
	// retry forever.
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Reconnector wraps a Handler and connects client sockets again after they lose their connection, waiting with
// exponential backoff between attempts. A socket disconnected with Disconnect is not reconnected. All events are
// passed on to the wrapped Handler. A Reconnector serves the sockets of a single event loop.
type Reconnector struct {
	handler Handler
	policy  ReconnectPolicy
	// only accessed on the event loop
	sockets map[*Socket]*reconnectState
}

type reconnectState struct {
	backoff  time.Duration
	attempts int
	timer    *evloop.Timer
}

func NewReconnector(handler Handler, policy ReconnectPolicy) *Reconnector {
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultReconnectPolicy().InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &Reconnector{
		handler: handler,
		policy:  policy,
		sockets: map[*Socket]*reconnectState{},
	}
}

func (r *Reconnector) OnConnect(socket *Socket) {
	if st, ok := r.sockets[socket]; ok {
		log.Debugf("%s reconnected after %d attempts", socket, st.attempts)
		delete(r.sockets, socket)
	}
	r.handler.OnConnect(socket)
}

func (r *Reconnector) OnDisconnect(socket *Socket, err error) {
	r.handler.OnDisconnect(socket, err)
	if err == nil || socket.server != nil {
		r.forget(socket)
		return
	}
	if socket.State() != StateDisconnected {
		// the handler connected it again itself
		return
	}
	st, ok := r.sockets[socket]
	if !ok {
		st = &reconnectState{backoff: r.policy.InitialBackoff}
		r.sockets[socket] = st
	} else {
		st.backoff *= 2
		if st.backoff > r.policy.MaxBackoff {
			st.backoff = r.policy.MaxBackoff
		}
	}
	if r.policy.MaxAttempts > 0 && st.attempts >= r.policy.MaxAttempts {
		log.Warnf("%s giving up reconnecting after %d attempts: %v", socket, st.attempts, err)
		delete(r.sockets, socket)
		return
	}
	st.attempts++
	log.Debugf("%s connection lost (%v), reconnecting in %s", socket, err, st.backoff)
	st.timer = evloop.StartTimer(socket.EventLoop(), st.backoff, socket, r.reconnect)
}

func (r *Reconnector) reconnect(socket *Socket) {
	if _, ok := r.sockets[socket]; !ok {
		return
	}
	if err := socket.Connect(); err != nil {
		log.Debugf("%s reconnect not attempted: %v", socket, err)
	}
}

func (r *Reconnector) OnMessage(socket *Socket, msg protocol.Message) {
	r.handler.OnMessage(socket, msg)
}

func (r *Reconnector) OnError(socket *Socket, msg protocol.Message, err error) {
	r.handler.OnError(socket, msg, err)
}

// Cancel stops any scheduled reconnection of the socket.
func (r *Reconnector) Cancel(socket *Socket) {
	if socket.EventLoop().InLoop() {
		r.forget(socket)
		return
	}
	socket.EventLoop().Post(func() {
		r.forget(socket)
	})
}

func (r *Reconnector) forget(socket *Socket) {
	if st, ok := r.sockets[socket]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.sockets, socket)
	}
}
