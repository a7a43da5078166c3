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
	"github.com/spirit-labs/tekrpc/certutil"
	"github.com/spirit-labs/tekrpc/errors"
)

// TLSSocket is the view of a Socket which runs over TLS, obtained with Socket.AsTLS.
type TLSSocket struct {
	*Socket
}

// GetPeerCertificateChain returns the chain presented by the peer, leaf first. It is empty when the peer presented no
// certificate or the socket has not connected.
func (s TLSSocket) GetPeerCertificateChain() []certutil.X509Certificate {
	sess := s.sess.Load()
	if sess == nil {
		return nil
	}
	sess.infoLock.RLock()
	defer sess.infoLock.RUnlock()
	return sess.peerChain
}

// GetVerifyResult returns nil if the peer chain was accepted under the context's verify mode, otherwise a
// TLSVerifyFailed error naming the reason. The connection is kept either way, it is up to the handler to disconnect.
func (s TLSSocket) GetVerifyResult() error {
	noPeer := func() error {
		if s.tlsCtx.VerifyMode() == VerifyNone {
			return nil
		}
		return errors.NewRPCError(errors.TLSVerifyFailed, "no peer certificate")
	}
	sess := s.sess.Load()
	if sess == nil {
		return noPeer()
	}
	sess.infoLock.RLock()
	defer sess.infoLock.RUnlock()
	if sess.peer.Addr == "" {
		return noPeer()
	}
	return sess.verifyResult
}

// PresentPeerCertificate returns the leaf certificate of the peer, false if there is none.
func (s TLSSocket) PresentPeerCertificate() (certutil.X509Certificate, bool) {
	chain := s.GetPeerCertificateChain()
	if len(chain) == 0 {
		return certutil.X509Certificate{}, false
	}
	return chain[0], true
}
