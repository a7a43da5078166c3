//go:build !release

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

package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var serialSeq int64 = 1000

// TestCA is a throwaway certificate authority. Everything it issues is written as PEM files below a test temp dir.
type TestCA struct {
	Dir      string
	CertPath string
	KeyPath  string
	Cert     *x509.Certificate
	key      *ecdsa.PrivateKey
}

type CertKeyPair struct {
	CertPath string
	KeyPath  string
	Cert     *x509.Certificate
}

type CertOptions struct {
	NotBefore time.Time
	NotAfter  time.Time
	DNSNames  []string
	IPs       []net.IP
	IsCA      bool
}

// DefaultCertOptions is valid for an hour around now, for localhost.
func DefaultCertOptions() CertOptions {
	now := time.Now()
	return CertOptions{
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(time.Hour),
		DNSNames:  []string{"localhost"},
		IPs:       []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
}

// ExpiredCertOptions produces a certificate which stopped being valid an hour ago.
func ExpiredCertOptions() CertOptions {
	opts := DefaultCertOptions()
	opts.NotBefore = time.Now().Add(-48 * time.Hour)
	opts.NotAfter = time.Now().Add(-time.Hour)
	return opts
}

func NewTestCA(t *testing.T, name string) *TestCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(atomic.AddInt64(&serialSeq, 1)),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"tekrpc test"}},
		NotBefore:             now.Add(-72 * time.Hour),
		NotAfter:              now.Add(72 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	dir := t.TempDir()
	ca := &TestCA{Dir: dir, Cert: cert, key: key}
	ca.CertPath, ca.KeyPath = writePair(t, dir, name, der, key)
	return ca
}

// Issue signs a new certificate usable for both server and client authentication.
func (ca *TestCA) Issue(t *testing.T, name string, opts CertOptions) CertKeyPair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(atomic.AddInt64(&serialSeq, 1)),
		Subject:      pkix.Name{CommonName: name, Organization: []string{"tekrpc test"}},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		DNSNames:     opts.DNSNames,
		IPAddresses:  opts.IPs,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if opts.IsCA {
		tmpl.BasicConstraintsValid = true
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	certPath, keyPath := writePair(t, ca.Dir, name, der, key)
	return CertKeyPair{CertPath: certPath, KeyPath: keyPath, Cert: cert}
}

func writePair(t *testing.T, dir string, name string, der []byte, key *ecdsa.PrivateKey) (string, string) {
	t.Helper()
	certPath := filepath.Join(dir, name+"-cert.pem")
	keyPath := filepath.Join(dir, name+"-key.pem")
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, certPem, 0o600))
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	require.NoError(t, os.WriteFile(keyPath, keyPem, 0o600))
	return certPath, keyPath
}
