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
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestServerExportsCollectors(t *testing.T) {
	AcceptsRefused.Inc()
	MessagesIn.WithLabelValues("request").Inc()

	server := NewServer("localhost:0")
	require.NoError(t, server.Start())
	defer func() {
		require.NoError(t, server.Stop())
	}()
	require.True(t, errors.IsCode(server.Start(), errors.EALREADY))

	resp, err := http.Get("http://" + server.Address() + "/metrics")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)
	require.True(t, strings.Contains(out, "tekrpc_accepts_refused_total"))
	require.True(t, strings.Contains(out, `tekrpc_messages_in_total{kind="request"}`))
}

func TestServerAcceptsHTTP2Scrape(t *testing.T) {
	server := NewServer("localhost:0")
	require.NoError(t, server.Start())
	defer func() {
		require.NoError(t, server.Stop())
	}()
	httpCl := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
	resp, err := httpCl.Get("http://" + server.Address() + "/metrics")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, resp.ProtoMajor)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "tekrpc_"))
}

func TestStopNotStarted(t *testing.T) {
	server := NewServer("localhost:0")
	require.True(t, errors.IsCode(server.Stop(), errors.EALREADY))
	require.Equal(t, "", server.Address())
}
