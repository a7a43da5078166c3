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

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/spirit-labs/tekrpc/common"
	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/evloop"
	log "github.com/spirit-labs/tekrpc/logger"
	"github.com/spirit-labs/tekrpc/metrics"
	"github.com/spirit-labs/tekrpc/protocol"
	"github.com/spirit-labs/tekrpc/remoting"
	"golang.org/x/sync/errgroup"
)

type arguments struct {
	Config             kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Host               string          `help:"Host to listen on" default:"localhost"`
	Port               int             `help:"Port to listen on" default:"7070"`
	Remoting           conf.Config     `help:"Transport configuration" embed:"" prefix:""`
	Log                log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
	MetricsEnabled     bool            `help:"Set to true to export prometheus metrics" default:"false"`
	MetricsBindAddress string          `help:"Address the metrics http server listens on" default:"localhost:9102"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()

	r := &runner{}
	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if err := r.run(cfg); err != nil {
		logErrorAndExit(err.Error())
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Warnf("signal: %s received. tekrpc server will be stopped", sig.String())
	// hard stop if Stop() hangs
	tz := time.AfterFunc(5*time.Second, func() {
		log.Warn("stop did not complete in time. system will exit.")
		common.LogRunningGRs()
		common.DumpStacks()
		os.Exit(1)
	})
	if err := r.stop(); err != nil {
		log.Warnf("failure in stopping tekrpc server: %v", err)
	}
	tz.Stop()
	log.Infof("tekrpc server stopped")
}

type runner struct {
	loop          *evloop.EventLoop
	server        *remoting.Server
	metricsServer *metrics.Server
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, err
	}
	cfg.Remoting.ApplyDefaults()
	if err := cfg.Remoting.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *runner) run(cfg *arguments) error {
	r.loop = evloop.New("tekrpcd")
	r.loop.Start()
	opts := []remoting.Option{remoting.WithEventLoop(r.loop), remoting.WithConfig(cfg.Remoting)}
	var err error
	if cfg.Remoting.TLS.Enabled {
		var tlsCtx *remoting.TLSContext
		tlsCtx, err = remoting.NewTLSContextFromConfig(cfg.Remoting.TLS)
		if err != nil {
			return err
		}
		r.server, err = remoting.NewSSLServer(&echoHandler{}, tlsCtx, opts...)
	} else {
		r.server, err = remoting.NewServer(&echoHandler{}, opts...)
	}
	if err != nil {
		return err
	}
	if cfg.MetricsEnabled {
		r.metricsServer = metrics.NewServer(cfg.MetricsBindAddress)
	}

	var g errgroup.Group
	g.Go(func() error {
		return r.server.Start(cfg.Host, cfg.Port)
	})
	if r.metricsServer != nil {
		g.Go(r.metricsServer.Start)
	}
	if err := g.Wait(); err != nil {
		if stopErr := r.stop(); stopErr != nil {
			log.Warnf("failure in stopping after failed start: %v", stopErr)
		}
		return err
	}
	log.Infof("tekrpc server listening on %s", r.server.Address())
	return nil
}

func (r *runner) stop() error {
	var g errgroup.Group
	g.Go(func() error {
		if err := r.server.Stop(); err != nil && !errors.IsCode(err, errors.EALREADY) {
			return err
		}
		return nil
	})
	if r.metricsServer != nil {
		g.Go(func() error {
			if err := r.metricsServer.Stop(); err != nil && !errors.IsCode(err, errors.EALREADY) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	r.loop.Stop()
	return err
}

// echoHandler answers "echo" requests with their params. Any other request gets the error "not handled".
type echoHandler struct{}

func (e *echoHandler) OnConnect(socket *remoting.Socket) {
	log.Debugf("%s connected from %s", socket, socket.GetPeerInfo())
	if socket.Transport() == remoting.TransportTLS {
		tlsSocket, err := socket.AsTLS()
		if err != nil {
			return
		}
		if err := tlsSocket.GetVerifyResult(); err != nil {
			log.Warnf("%s failed peer verification, disconnecting: %v", socket, err)
			if err := socket.Disconnect(); err != nil {
				log.Warnf("failed to disconnect %s: %v", socket, err)
			}
		}
	}
}

func (e *echoHandler) OnDisconnect(socket *remoting.Socket, err error) {
	log.Debugf("%s disconnected: %v", socket, err)
}

func (e *echoHandler) OnMessage(socket *remoting.Socket, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Request:
		var resp protocol.Response
		if m.Method == "echo" {
			resp = protocol.NewResponse(m.Msgid, m.Params, nil)
		} else {
			resp = protocol.NewResponse(m.Msgid, nil, "not handled")
		}
		if err := resp.Send(socket); err != nil {
			log.Warnf("failed to respond to %s: %v", socket, err)
		}
	case protocol.Notify:
		log.Debugf("%s notify %s %s", socket, m.Method, m.Params)
	}
}

func (e *echoHandler) OnError(socket *remoting.Socket, msg protocol.Message, err error) {
	log.Warnf("%s error on %v: %v", socket, msg, err)
}
