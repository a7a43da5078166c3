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
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/spirit-labs/tekrpc/certutil"
	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/errors"
)

const keepAlivePeriod = 15 * time.Second

type tlsResult struct {
	chain        []certutil.X509Certificate
	verifyResult error
}

func dialConn(ctx context.Context, cfg conf.Config, tlsCtx *TLSContext, host string, port int) (net.Conn, *tlsResult, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: keepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, dialError(err)
	}
	if err := configureTCPConn(conn); err != nil {
		closeConn(conn)
		return nil, nil, errors.NewRPCErrorf(errors.ConnectionRefused, "failed to configure connection: %v", err)
	}
	if tlsCtx == nil {
		return conn, nil, nil
	}
	tlsConn := tls.Client(conn, tlsCtx.clientConfig(host))
	if err := handshake(ctx, cfg, tlsConn); err != nil {
		closeConn(conn)
		return nil, nil, err
	}
	state := tlsConn.ConnectionState()
	return tlsConn, &tlsResult{
		chain:        certutil.Chain(state.PeerCertificates),
		verifyResult: tlsCtx.verifyPeer(state, host, false),
	}, nil
}

// acceptConn prepares an accepted connection, running the server side of the TLS handshake if required.
func acceptConn(ctx context.Context, cfg conf.Config, tlsCtx *TLSContext, conn net.Conn) (net.Conn, *tlsResult, error) {
	if err := configureTCPConn(conn); err != nil {
		closeConn(conn)
		return nil, nil, errors.NewRPCErrorf(errors.ConnectionReset, "failed to configure connection: %v", err)
	}
	if tlsCtx == nil {
		return conn, nil, nil
	}
	tlsConn := tls.Server(conn, tlsCtx.serverConfig())
	if err := handshake(ctx, cfg, tlsConn); err != nil {
		closeConn(conn)
		return nil, nil, err
	}
	state := tlsConn.ConnectionState()
	return tlsConn, &tlsResult{
		chain:        certutil.Chain(state.PeerCertificates),
		verifyResult: tlsCtx.verifyPeer(state, "", true),
	}, nil
}

func configureTCPConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlive(true)
}

func handshake(ctx context.Context, cfg conf.Config, conn *tls.Conn) error {
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.NewTimeoutError("tls handshake timed out")
		}
		return errors.NewRPCErrorf(errors.TLSHandshakeFailed, "tls handshake failed: %v", err)
	}
	return nil
}

func dialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewRPCErrorf(errors.ETIMEOUT, "connect timed out: %v", err)
	}
	return errors.NewRPCErrorf(errors.ConnectionRefused, "connect failed: %v", err)
}
