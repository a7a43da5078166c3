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

type Option func(*options)

type options struct {
	loop *evloop.EventLoop
	cfg  conf.Config
}

// WithEventLoop binds sockets to the given loop instead of evloop.Default().
func WithEventLoop(loop *evloop.EventLoop) Option {
	return func(o *options) {
		o.loop = loop
	}
}

// WithConfig replaces the default configuration, zero valued settings take their defaults.
func WithConfig(cfg conf.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func buildOptions(handler Handler, opts []Option) (options, error) {
	if handler == nil {
		return options{}, errors.NewInvalidArgumentError("handler must not be nil")
	}
	o := options{cfg: conf.NewDefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	o.cfg.ApplyDefaults()
	if err := o.cfg.Validate(); err != nil {
		return options{}, err
	}
	if o.loop == nil {
		o.loop = evloop.Default()
	}
	if o.loop.IsStopped() {
		return options{}, errors.NewInvalidArgumentError("event loop is stopped")
	}
	// sockets post to the loop, so one that was never started must be running before the first Connect
	o.loop.Start()
	return o, nil
}
