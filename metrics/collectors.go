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

package metrics

import "github.com/prometheus/client_golang/prometheus/promauto"

const (
	SideClient = "client"
	SideServer = "server"
)

var (
	Connects = promauto.NewCounterVec(CounterOpts{
		Name: "tekrpc_connects_total",
		Help: "sockets which reached the connected state",
	}, []string{"side"})
	Disconnects = promauto.NewCounterVec(CounterOpts{
		Name: "tekrpc_disconnects_total",
		Help: "sockets which reached the disconnected state",
	}, []string{"side"})
	ConnectFailures = promauto.NewCounterVec(CounterOpts{
		Name: "tekrpc_connect_failures_total",
		Help: "connect attempts which failed in dial or handshake",
	}, []string{"code"})
	AcceptsRefused = promauto.NewCounter(CounterOpts{
		Name: "tekrpc_accepts_refused_total",
		Help: "inbound connections closed at accept because the server was at its client limit",
	})
	SocketsConnected = promauto.NewGauge(GaugeOpts{
		Name: "tekrpc_sockets_connected",
		Help: "sockets currently connected",
	})
	MessagesIn = promauto.NewCounterVec(CounterOpts{
		Name: "tekrpc_messages_in_total",
		Help: "messages received by kind",
	}, []string{"kind"})
	MessagesOut = promauto.NewCounterVec(CounterOpts{
		Name: "tekrpc_messages_out_total",
		Help: "messages written by kind",
	}, []string{"kind"})
	SendErrors = promauto.NewCounterVec(CounterOpts{
		Name: "tekrpc_send_errors_total",
		Help: "messages which failed to send by error code",
	}, []string{"code"})
	RequestTimeouts = promauto.NewCounter(CounterOpts{
		Name: "tekrpc_request_timeouts_total",
		Help: "tracked requests resolved by timeout",
	})
	ProtocolErrors = promauto.NewCounter(CounterOpts{
		Name: "tekrpc_protocol_errors_total",
		Help: "frames which could not be decoded",
	})
)
