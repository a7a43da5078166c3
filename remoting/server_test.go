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
	"testing"
	"time"

	"github.com/spirit-labs/tekrpc/common"
	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/protocol"
	"github.com/spirit-labs/tekrpc/testutils"
	"github.com/stretchr/testify/require"
)

func TestMaxClients(t *testing.T) {
	loop := newTestLoop(t)
	serverHandler := &recordingHandler{}
	server := startServer(t, serverHandler, loop)
	require.NoError(t, server.SetMaxClients(1))
	require.True(t, errors.IsCode(server.SetMaxClients(-1), errors.EINVAL))

	first := connectSocket(t, &recordingHandler{}, loop, server)
	serverHandler.waitForEvents(t, eventConnect, 1)
	require.Equal(t, 1, server.NumClients())

	// the tcp connection is accepted and closed straight away
	secondHandler := &recordingHandler{}
	client, err := NewClient(secondHandler, WithEventLoop(loop), WithConfig(testConfig()))
	require.NoError(t, err)
	second, err := client.CreateSocket("localhost", server.Port())
	require.NoError(t, err)
	require.NoError(t, second.Connect())
	disconnects := secondHandler.waitForEvents(t, eventDisconnect, 1)
	require.Error(t, disconnects[0].err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, len(serverHandler.eventsOfKind(eventConnect)))
	require.Equal(t, 1, server.NumClients())

	// the slot is free again once the first client goes
	require.NoError(t, first.Disconnect())
	serverHandler.waitForEvents(t, eventDisconnect, 1)
	require.Equal(t, 0, server.NumClients())
	require.NoError(t, second.Connect())
	secondHandler.waitForEvents(t, eventConnect, 2)
	serverHandler.waitForEvents(t, eventConnect, 2)
}

func TestMaxClientsFromConfig(t *testing.T) {
	loop := newTestLoop(t)
	cfg := testConfig()
	cfg.MaxClients = 2
	server, err := NewServer(&recordingHandler{}, WithEventLoop(loop), WithConfig(cfg))
	require.NoError(t, err)
	require.Equal(t, int64(2), server.maxClients.Load())
}

func TestServerStop(t *testing.T) {
	loop := newTestLoop(t)
	serverHandler := &recordingHandler{}
	server, err := NewServer(serverHandler, WithEventLoop(loop), WithConfig(testConfig()))
	require.NoError(t, err)
	require.True(t, errors.IsCode(server.Stop(), errors.EALREADY))
	require.NoError(t, server.Start("localhost", 0))
	require.True(t, errors.IsCode(server.Start("localhost", 0), errors.EALREADY))

	numClients := 3
	var handlers []*recordingHandler
	for i := 0; i < numClients; i++ {
		h := &recordingHandler{}
		handlers = append(handlers, h)
		connectSocket(t, h, loop, server)
	}
	serverHandler.waitForEvents(t, eventConnect, numClients)

	require.NoError(t, server.Stop())
	// every server socket had its OnDisconnect before Stop returned
	require.Equal(t, numClients, len(serverHandler.eventsOfKind(eventDisconnect)))
	for _, e := range serverHandler.eventsOfKind(eventDisconnect) {
		require.NoError(t, e.err)
	}
	for _, h := range handlers {
		disconnects := h.waitForEvents(t, eventDisconnect, 1)
		require.True(t, errors.IsCode(disconnects[0].err, errors.ConnectionClosed))
	}
	require.Equal(t, 0, server.NumClients())
	require.Equal(t, "", server.Address())
	require.True(t, errors.IsCode(server.Stop(), errors.EALREADY))

	// a stopped server can be started again
	require.NoError(t, server.Start("localhost", 0))
	connectSocket(t, &recordingHandler{}, loop, server)
	require.NoError(t, server.Stop())
}

func TestServerStopFromHandler(t *testing.T) {
	loop := newTestLoop(t)
	serverHandler := &recordingHandler{}
	var server *Server
	stopErr := make(chan error, 1)
	serverHandler.onMessage = func(socket *Socket, msg protocol.Message) {
		stopErr <- server.Stop()
	}
	server = startServer(t, serverHandler, loop)
	socket := connectSocket(t, &recordingHandler{}, loop, server)
	require.NoError(t, protocol.NewNotify("stop", nil).Send(socket))
	require.NoError(t, <-stopErr)
	serverHandler.waitForEvents(t, eventDisconnect, 1)
}

func TestZeroServer(t *testing.T) {
	var server Server
	require.True(t, errors.IsCode(server.Start("localhost", 0), errors.EINVAL))
	require.True(t, errors.IsCode(server.Stop(), errors.EALREADY))
}

func TestStartInvalidAddress(t *testing.T) {
	loop := newTestLoop(t)
	server, err := NewServer(&recordingHandler{}, WithEventLoop(loop))
	require.NoError(t, err)
	require.True(t, errors.IsCode(server.Start("localhost", -1), errors.EINVAL))
	first := startServer(t, &recordingHandler{}, loop)
	// port in use
	err = server.Start("localhost", first.Port())
	require.Error(t, err)
	require.True(t, errors.IsCode(err, errors.EINVAL))
	require.Contains(t, err.Error(), "cannot listen on")
	// a failed start leaves the server startable
	require.True(t, errors.IsCode(server.Stop(), errors.EALREADY))
	require.NoError(t, server.Start("localhost", 0))
	require.NoError(t, server.Stop())
}

func TestServerSocketsShareHandler(t *testing.T) {
	loop := newTestLoop(t)
	serverHandler := echoHandler()
	server := startServer(t, serverHandler, loop)
	for i := 0; i < 3; i++ {
		connectSocket(t, &recordingHandler{}, loop, server)
	}
	connects := serverHandler.waitForEvents(t, eventConnect, 3)
	ids := map[string]struct{}{}
	for _, e := range connects {
		ids[e.socket.ID()] = struct{}{}
	}
	require.Equal(t, 3, len(ids))
	testutils.WaitUntil(t, func() (bool, error) {
		return server.NumClients() == 3, nil
	})
}

func TestNoGoroutinesLeftAfterStop(t *testing.T) {
	kinds := []string{"accept-loop", "accept-handshake", "dial", "read-loop", "write-loop"}
	running := func() int64 {
		counts := common.RunningGRCounts()
		var total int64
		for _, kind := range kinds {
			total += counts[kind]
		}
		return total
	}
	before := running()

	loop := newTestLoop(t)
	serverHandler := echoHandler()
	server := startServer(t, serverHandler, loop)
	handler := &recordingHandler{}
	socket := connectSocket(t, handler, loop, server)
	resp, err := socket.CallSync(context.Background(), protocol.NewRequest("echo", 1), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "1", resp.Result.String())

	require.NoError(t, server.Stop())
	handler.waitForEvents(t, eventDisconnect, 1)
	testutils.WaitUntil(t, func() (bool, error) {
		return running() <= before, nil
	})
}
