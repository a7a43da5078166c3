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

package protocol

import (
	"sync/atomic"
	"time"
)

type MessageType int

const (
	RequestType  MessageType = 0
	ResponseType MessageType = 1
	NotifyType   MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case RequestType:
		return "request"
	case ResponseType:
		return "response"
	case NotifyType:
		return "notify"
	default:
		return "unknown"
	}
}

// Message is one of Request, Response or Notify.
type Message interface {
	Type() MessageType
}

// Sender is anything messages can be sent through, typically a remoting socket.
type Sender interface {
	Send(msg Message, timeout time.Duration) error
}

var msgidSeq atomic.Uint32

// NextMsgid returns the next value of the process wide msgid sequence.
func NextMsgid() uint32 {
	return msgidSeq.Add(1)
}

type Request struct {
	Msgid  uint32
	Method string
	Params Value
}

func NewRequest(method string, params any) Request {
	return Request{Msgid: NextMsgid(), Method: method, Params: ValueOf(params)}
}

func (r Request) Type() MessageType {
	return RequestType
}

// Send sends the request. With a timeout > 0 the request is tracked until a response arrives or the timeout fires.
func (r Request) Send(s Sender, timeout time.Duration) error {
	return s.Send(r, timeout)
}

// Response carries both a result and an error slot, whichever is unused is nil. Request is the originating request as
// known to the requesting side, it is the zero Request for responses that did not match an outstanding request.
type Response struct {
	Msgid   uint32
	Result  Value
	Error   Value
	Request Request
}

func NewResponse(msgid uint32, result any, err any) Response {
	return Response{Msgid: msgid, Result: ValueOf(result), Error: ValueOf(err)}
}

func (r Response) Type() MessageType {
	return ResponseType
}

func (r Response) Send(s Sender) error {
	return s.Send(r, 0)
}

type Notify struct {
	Method string
	Params Value
}

func NewNotify(method string, params any) Notify {
	return Notify{Method: method, Params: ValueOf(params)}
}

func (n Notify) Type() MessageType {
	return NotifyType
}

func (n Notify) Send(s Sender) error {
	return s.Send(n, 0)
}

func AsRequest(msg Message) (Request, bool) {
	r, ok := msg.(Request)
	return r, ok
}

func AsResponse(msg Message) (Response, bool) {
	r, ok := msg.(Response)
	return r, ok
}

func AsNotify(msg Message) (Notify, bool) {
	n, ok := msg.(Notify)
	return n, ok
}
