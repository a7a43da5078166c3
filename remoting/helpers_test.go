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
	"sync"
	"testing"
	"time"

	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/evloop"
	"github.com/spirit-labs/tekrpc/protocol"
	"github.com/spirit-labs/tekrpc/testutils"
	"github.com/stretchr/testify/require"
)

const (
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
	eventMessage    = "message"
	eventError      = "error"
)

type event struct {
	kind   string
	socket *Socket
	msg    protocol.Message
	err    error
}

// recordingHandler records every event and then calls the optional hooks.
type recordingHandler struct {
	lock         sync.Mutex
	events       []event
	onConnect    func(*Socket)
	onMessage    func(*Socket, protocol.Message)
	onDisconnect func(*Socket, error)
	loopCheck    *evloop.EventLoop
	notOnLoop    bool
}

func (h *recordingHandler) record(e event) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.loopCheck != nil && !h.loopCheck.InLoop() {
		h.notOnLoop = true
	}
	h.events = append(h.events, e)
}

func (h *recordingHandler) OnConnect(socket *Socket) {
	h.record(event{kind: eventConnect, socket: socket})
	if h.onConnect != nil {
		h.onConnect(socket)
	}
}

func (h *recordingHandler) OnDisconnect(socket *Socket, err error) {
	h.record(event{kind: eventDisconnect, socket: socket, err: err})
	if h.onDisconnect != nil {
		h.onDisconnect(socket, err)
	}
}

func (h *recordingHandler) OnMessage(socket *Socket, msg protocol.Message) {
	h.record(event{kind: eventMessage, socket: socket, msg: msg})
	if h.onMessage != nil {
		h.onMessage(socket, msg)
	}
}

func (h *recordingHandler) OnError(socket *Socket, msg protocol.Message, err error) {
	h.record(event{kind: eventError, socket: socket, msg: msg, err: err})
}

func (h *recordingHandler) getEvents() []event {
	h.lock.Lock()
	defer h.lock.Unlock()
	res := make([]event, len(h.events))
	copy(res, h.events)
	return res
}

func (h *recordingHandler) eventsOfKind(kind string) []event {
	var res []event
	for _, e := range h.getEvents() {
		if e.kind == kind {
			res = append(res, e)
		}
	}
	return res
}

func (h *recordingHandler) waitForEvents(t *testing.T, kind string, count int) []event {
	t.Helper()
	testutils.WaitUntil(t, func() (bool, error) {
		return len(h.eventsOfKind(kind)) >= count, nil
	})
	return h.eventsOfKind(kind)
}

func (h *recordingHandler) calledOffLoop() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.notOnLoop
}

func newTestLoop(t *testing.T) *evloop.EventLoop {
	loop := evloop.New(t.Name())
	loop.Start()
	t.Cleanup(loop.Stop)
	return loop
}

func testConfig() conf.Config {
	cfg := conf.NewDefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, handler Handler, loop *evloop.EventLoop) *Server {
	t.Helper()
	server, err := NewServer(handler, WithEventLoop(loop), WithConfig(testConfig()))
	require.NoError(t, err)
	require.NoError(t, server.Start("localhost", 0))
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			// Already stopped by the test
		}
	})
	return server
}

func connectSocket(t *testing.T, handler *recordingHandler, loop *evloop.EventLoop, server *Server) *Socket {
	t.Helper()
	client, err := NewClient(handler, WithEventLoop(loop), WithConfig(testConfig()))
	require.NoError(t, err)
	socket, err := client.CreateSocket("localhost", server.Port())
	require.NoError(t, err)
	before := len(handler.eventsOfKind(eventConnect))
	require.NoError(t, socket.Connect())
	handler.waitForEvents(t, eventConnect, before+1)
	require.Equal(t, StateConnected, socket.State())
	return socket
}

// echoHandler answers "echo" requests with their params and everything else with the error "not handled".
func echoHandler() *recordingHandler {
	h := &recordingHandler{}
	h.onMessage = func(socket *Socket, msg protocol.Message) {
		req, ok := protocol.AsRequest(msg)
		if !ok {
			return
		}
		var resp protocol.Response
		if req.Method == "echo" {
			resp = protocol.NewResponse(req.Msgid, req.Params, nil)
		} else {
			resp = protocol.NewResponse(req.Msgid, nil, "not handled")
		}
		if err := resp.Send(socket); err != nil {
			panic(err)
		}
	}
	return h
}
