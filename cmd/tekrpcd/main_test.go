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
	"context"
	"testing"
	"time"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/protocol"
	"github.com/spirit-labs/tekrpc/remoting"
	"github.com/spirit-labs/tekrpc/testutils"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	r := &runner{}
	cfg, err := r.loadConfig([]string{"--config", "testdata/config.hcl"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 0, cfg.Port)
	require.Equal(t, 10, cfg.Remoting.MaxClients)
	require.Equal(t, 2*time.Second, cfg.Remoting.WriteTimeout)
	require.Equal(t, 5*time.Second, cfg.Remoting.DialTimeout)
	require.Equal(t, "warn", cfg.Log.Level)
	require.True(t, cfg.MetricsEnabled)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	r := &runner{}
	cfg, err := r.loadConfig([]string{"--config", "testdata/config.hcl", "--max-clients", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Remoting.MaxClients)
}

func TestLoadConfigInvalid(t *testing.T) {
	r := &runner{}
	_, err := r.loadConfig([]string{"--tls-enabled", "--tls-verify-mode", "peer"})
	require.True(t, errors.IsCode(err, errors.EINVAL))
}

func TestRunEchoServer(t *testing.T) {
	r := &runner{}
	cfg, err := r.loadConfig([]string{"--config", "testdata/config.hcl"})
	require.NoError(t, err)
	require.NoError(t, r.run(cfg))
	defer func() {
		require.NoError(t, r.stop())
	}()
	require.NotEqual(t, "", r.metricsServer.Address())

	connected := make(chan struct{}, 1)
	client, err := remoting.NewClient(&remoting.HandlerFuncs{
		ConnectFunc: func(*remoting.Socket) {
			connected <- struct{}{}
		},
	}, remoting.WithEventLoop(r.loop))
	require.NoError(t, err)
	socket, err := client.CreateSocket("127.0.0.1", r.server.Port())
	require.NoError(t, err)
	require.NoError(t, socket.Connect())
	testutils.WaitUntil(t, func() (bool, error) {
		return len(connected) == 1, nil
	})

	resp, err := socket.CallSync(context.Background(), protocol.NewRequest("echo", []any{"a", 1}), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, `["a", 1]`, resp.Result.String())
	require.True(t, resp.Error.IsNil())

	resp, err = socket.CallSync(context.Background(), protocol.NewRequest("other", nil), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, `"not handled"`, resp.Error.String())
}
