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

package certutil

import (
	"crypto/x509"
	"strings"
	"testing"
	"time"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/spirit-labs/tekrpc/testutils"
	"github.com/stretchr/testify/require"
)

func TestVerifyChainOK(t *testing.T) {
	ca := testutils.NewTestCA(t, "test-ca")
	leaf := ca.Issue(t, "server", testutils.DefaultCertOptions())
	pool, err := LoadCertPool(ca.CertPath)
	require.NoError(t, err)

	err = VerifyChain([]*x509.Certificate{leaf.Cert}, VerifyOptions{Roots: pool, ServerName: "localhost"})
	require.NoError(t, err)
	err = VerifyChain([]*x509.Certificate{leaf.Cert}, VerifyOptions{Roots: pool, ClientAuth: true})
	require.NoError(t, err)
}

func TestVerifyChainFailures(t *testing.T) {
	ca := testutils.NewTestCA(t, "test-ca")
	otherCA := testutils.NewTestCA(t, "other-ca")
	pool, err := LoadCertPool(ca.CertPath)
	require.NoError(t, err)

	expired := ca.Issue(t, "expired", testutils.ExpiredCertOptions())
	untrusted := otherCA.Issue(t, "untrusted", testutils.DefaultCertOptions())
	valid := ca.Issue(t, "valid", testutils.DefaultCertOptions())

	tcs := []struct {
		name   string
		certs  []*x509.Certificate
		opts   VerifyOptions
		reason string
	}{
		{"expired", []*x509.Certificate{expired.Cert}, VerifyOptions{Roots: pool}, "certificate has expired"},
		{"untrusted issuer", []*x509.Certificate{untrusted.Cert}, VerifyOptions{Roots: pool}, "unable to get local issuer certificate"},
		{"hostname mismatch", []*x509.Certificate{valid.Cert}, VerifyOptions{Roots: pool, ServerName: "example.com"}, "hostname mismatch"},
		{"no certificate", nil, VerifyOptions{Roots: pool}, "no peer certificate"},
		{"not yet valid", []*x509.Certificate{valid.Cert}, VerifyOptions{Roots: pool, CurrentTime: time.Now().Add(-24 * time.Hour)}, "certificate has expired"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyChain(tc.certs, tc.opts)
			require.Error(t, err)
			require.True(t, errors.IsCode(err, errors.TLSVerifyFailed))
			require.True(t, strings.HasPrefix(err.Error(), tc.reason), err.Error())
		})
	}
}

func TestChainSnapshot(t *testing.T) {
	ca := testutils.NewTestCA(t, "snapshot-ca")
	leaf := ca.Issue(t, "leaf", testutils.DefaultCertOptions())
	chain := Chain([]*x509.Certificate{leaf.Cert, ca.Cert})
	require.Len(t, chain, 2)
	require.False(t, chain[0].IsCA)
	require.Equal(t, "leaf", chain[0].GetSubject().CommonName)
	require.Equal(t, "snapshot-ca", chain[0].GetIssuer().CommonName)
	require.True(t, strings.Contains(chain[0].Subject.DN, "CN=leaf"))
	require.True(t, chain[1].IsCA)
	require.Empty(t, Chain(nil))
}

func TestLoadCertPoolAndKeyPair(t *testing.T) {
	ca := testutils.NewTestCA(t, "pool-ca")
	leaf := ca.Issue(t, "leaf", testutils.DefaultCertOptions())
	_, err := LoadCertPool(ca.CertPath, leaf.CertPath)
	require.NoError(t, err)
	_, err = LoadCertPool(leaf.KeyPath)
	require.Error(t, err)
	_, err = LoadCertPool("does/not/exist.pem")
	require.Error(t, err)

	kp, err := CreateKeyPair(leaf.CertPath, leaf.KeyPath)
	require.NoError(t, err)
	require.Len(t, kp.Certificate, 1)
	_, err = CreateKeyPair(leaf.CertPath, ca.KeyPath)
	require.Error(t, err)
}
