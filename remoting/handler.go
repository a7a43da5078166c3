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

import "github.com/spirit-labs/tekrpc/protocol"

// Handler receives the events of every socket created by a Client or accepted by a Server. All methods are called on
// the socket's event loop goroutine and must not block. For a given socket the order is OnConnect, then any number
// of OnMessage and OnError, then OnDisconnect, after which nothing more is delivered for that connection.
type Handler interface {
	OnConnect(socket *Socket)
	// OnDisconnect is called with a nil error for a requested disconnect, otherwise with the transport error which
	// closed the connection or prevented it from being established.
	OnDisconnect(socket *Socket, err error)
	// OnMessage is called with every received Request and Notify, and with every received Response whether or not
	// it matched an outstanding request.
	OnMessage(socket *Socket, msg protocol.Message)
	// OnError reports a failure concerning a single message: a send failure, a request timeout or a request still
	// outstanding when the socket disconnected. msg is nil when a received frame could not be decoded.
	OnError(socket *Socket, msg protocol.Message, err error)
}

// HandlerFuncs adapts plain functions to a Handler, nil fields ignore the event.
type HandlerFuncs struct {
	ConnectFunc    func(socket *Socket)
	DisconnectFunc func(socket *Socket, err error)
	MessageFunc    func(socket *Socket, msg protocol.Message)
	ErrorFunc      func(socket *Socket, msg protocol.Message, err error)
}

func (h *HandlerFuncs) OnConnect(socket *Socket) {
	if h.ConnectFunc != nil {
		h.ConnectFunc(socket)
	}
}

func (h *HandlerFuncs) OnDisconnect(socket *Socket, err error) {
	if h.DisconnectFunc != nil {
		h.DisconnectFunc(socket, err)
	}
}

func (h *HandlerFuncs) OnMessage(socket *Socket, msg protocol.Message) {
	if h.MessageFunc != nil {
		h.MessageFunc(socket, msg)
	}
}

func (h *HandlerFuncs) OnError(socket *Socket, msg protocol.Message, err error) {
	if h.ErrorFunc != nil {
		h.ErrorFunc(socket, msg, err)
	}
}
