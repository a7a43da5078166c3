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

import (
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spirit-labs/tekrpc/common"
	"github.com/spirit-labs/tekrpc/errors"
	log "github.com/spirit-labs/tekrpc/logger"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type (
	Labels      = prometheus.Labels
	Counter     = prometheus.Counter
	CounterVec  = prometheus.CounterVec
	CounterOpts = prometheus.CounterOpts
	Gauge       = prometheus.Gauge
	GaugeOpts   = prometheus.GaugeOpts
)

// Server exports the default registry over http at /metrics. Scrapes may use HTTP/1.1 or cleartext HTTP/2.
type Server struct {
	bindAddress string
	lock        sync.Mutex
	listener    net.Listener
	httpServer  *http.Server
}

type metricServer struct{}

func (ms *metricServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			DisableCompression: true,
		}),
	).ServeHTTP(w, r)
}

func NewServer(bindAddress string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", &metricServer{})
	return &Server{
		bindAddress: bindAddress,
		httpServer: &http.Server{
			Handler: h2c.NewHandler(mux, &http2.Server{}),
		},
	}
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener != nil {
		return errors.NewAlreadyError("metrics server already started")
	}
	list, err := net.Listen("tcp", s.bindAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	s.listener = list
	common.Go("metrics-server", func() {
		if err := s.httpServer.Serve(list); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("prometheus http export server failed %v", err)
		}
	})
	log.Debugf("started prometheus http server on address %s", list.Addr().String())
	return nil
}

// Address returns the bound address, empty until started.
func (s *Server) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return errors.NewAlreadyError("metrics server not started")
	}
	s.listener = nil
	return s.httpServer.Close()
}
