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
	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/evloop"
)

// Client creates sockets sharing a Handler, an event loop and, for an SSL client, a TLSContext.
type Client struct {
	handler Handler
	tlsCtx  *TLSContext
	loop    *evloop.EventLoop
	cfg     conf.Config
}

func NewClient(handler Handler, opts ...Option) (*Client, error) {
	o, err := buildOptions(handler, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		handler: handler,
		loop:    o.loop,
		cfg:     o.cfg,
	}, nil
}

// NewSSLClient creates a client whose sockets connect over TLS. The context is frozen by this call.
func NewSSLClient(handler Handler, tlsCtx *TLSContext, opts ...Option) (*Client, error) {
	if tlsCtx == nil {
		return nil, errors.NewInvalidArgumentError("tls context must not be nil")
	}
	client, err := NewClient(handler, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := tlsCtx.freeze(false); err != nil {
		return nil, err
	}
	client.tlsCtx = tlsCtx
	return client, nil
}

// CreateSocket returns an idle socket for host and port, Connect must be called to connect it.
func (c *Client) CreateSocket(host string, port int) (*Socket, error) {
	if host == "" {
		return nil, errors.NewInvalidArgumentError("host must be specified")
	}
	if port <= 0 || port > 65535 {
		return nil, errors.NewRPCErrorf(errors.EINVAL, "invalid port %d", port)
	}
	return newSocket(c.loop, c.handler, c.cfg, c.tlsCtx, nil, host, port), nil
}

func (c *Client) EventLoop() *evloop.EventLoop {
	return c.loop
}
