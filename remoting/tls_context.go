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
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"
	"sync"

	"github.com/spirit-labs/tekrpc/certutil"
	"github.com/spirit-labs/tekrpc/conf"
	"github.com/spirit-labs/tekrpc/errors"
)

type VerifyMode int

const (
	// VerifyNone accepts any peer certificate, or none, GetVerifyResult always returns nil.
	VerifyNone VerifyMode = iota
	// VerifyPeer validates the peer chain against the CA bundle once the handshake completes.
	VerifyPeer
)

func (v VerifyMode) String() string {
	switch v {
	case VerifyNone:
		return conf.VerifyModeNone
	case VerifyPeer:
		return conf.VerifyModePeer
	default:
		return "unknown"
	}
}

// TLSContext holds the certificate, trust and cipher settings shared by every socket of an SSL client or server.
// It is mutable until handed to NewSSLClient or NewSSLServer, after that setters fail with EALREADY.
type TLSContext struct {
	lock         sync.Mutex
	certPEM      []byte
	keyPEM       []byte
	roots        *x509.CertPool
	cipherSuites []uint16
	verifyMode   VerifyMode
	frozen       *tls.Config
}

func NewTLSContext() *TLSContext {
	return &TLSContext{}
}

func NewTLSContextFromConfig(cfg conf.TLSConfig) (*TLSContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := NewTLSContext()
	if cfg.CertPath != "" {
		if _, err := certutil.CreateKeyPair(cfg.CertPath, cfg.KeyPath); err != nil {
			return nil, errors.NewRPCErrorf(errors.EINVAL, "invalid tls key pair: %v", err)
		}
		if err := ctx.SetCertificate(cfg.CertPath); err != nil {
			return nil, err
		}
		if err := ctx.SetPrivateKey(cfg.KeyPath); err != nil {
			return nil, err
		}
	}
	if cfg.CAPath != "" {
		if err := ctx.SetCAFile(cfg.CAPath); err != nil {
			return nil, err
		}
	}
	if cfg.Ciphers != "" {
		if err := ctx.SetCiphers(cfg.Ciphers); err != nil {
			return nil, err
		}
	}
	if cfg.VerifyMode == conf.VerifyModePeer {
		if err := ctx.SetVerifyMode(VerifyPeer); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// SetCertificate loads a PEM certificate file, the leaf first followed by any intermediates.
func (c *TLSContext) SetCertificate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewRPCErrorf(errors.EINVAL, "cannot read certificate file %s: %v", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.NewRPCErrorf(errors.EINVAL, "no PEM certificate found in %s", path)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return errors.NewRPCErrorf(errors.EINVAL, "invalid certificate in %s: %v", path, err)
	}
	return c.update(func() {
		c.certPEM = data
	})
}

func (c *TLSContext) SetPrivateKey(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewRPCErrorf(errors.EINVAL, "cannot read private key file %s: %v", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || !strings.HasSuffix(block.Type, "PRIVATE KEY") {
		return errors.NewRPCErrorf(errors.EINVAL, "no PEM private key found in %s", path)
	}
	return c.update(func() {
		c.keyPEM = data
	})
}

// SetCAFile loads the trusted CA bundle used to verify peers.
func (c *TLSContext) SetCAFile(path string) error {
	pool, err := certutil.LoadCertPool(path)
	if err != nil {
		return errors.NewRPCErrorf(errors.EINVAL, "cannot load CA file: %v", err)
	}
	return c.update(func() {
		c.roots = pool
	})
}

// SetCiphers restricts the TLS 1.2 cipher suites. See parseCiphers for the accepted syntax.
func (c *TLSContext) SetCiphers(list string) error {
	suites, err := parseCiphers(list)
	if err != nil {
		return err
	}
	return c.update(func() {
		c.cipherSuites = suites
	})
}

func (c *TLSContext) SetVerifyMode(mode VerifyMode) error {
	if mode != VerifyNone && mode != VerifyPeer {
		return errors.NewRPCErrorf(errors.EINVAL, "unknown verify mode %d", mode)
	}
	return c.update(func() {
		c.verifyMode = mode
	})
}

func (c *TLSContext) VerifyMode() VerifyMode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.verifyMode
}

func (c *TLSContext) update(f func()) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.frozen != nil {
		return errors.NewAlreadyError("tls context is in use and can no longer be changed")
	}
	f()
	return nil
}

// freeze validates the settings and builds the configuration snapshot shared by all sockets. Calling it again
// returns the same snapshot.
func (c *TLSContext) freeze(requireCert bool) (*tls.Config, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.frozen == nil {
		cfg := &tls.Config{
			MinVersion:   tls.VersionTLS12,
			CipherSuites: c.cipherSuites,
		}
		if c.certPEM != nil || c.keyPEM != nil {
			if c.certPEM == nil || c.keyPEM == nil {
				return nil, errors.NewInvalidArgumentError("certificate and private key must be set together")
			}
			pair, err := tls.X509KeyPair(c.certPEM, c.keyPEM)
			if err != nil {
				return nil, errors.NewRPCErrorf(errors.EINVAL, "certificate and private key do not match: %v", err)
			}
			cfg.Certificates = []tls.Certificate{pair}
		}
		if c.verifyMode == VerifyPeer && c.roots == nil {
			return nil, errors.NewInvalidArgumentError("a CA file must be set for verify mode peer")
		}
		c.frozen = cfg
	}
	if requireCert && len(c.frozen.Certificates) == 0 {
		return nil, errors.NewInvalidArgumentError("a certificate and private key must be set")
	}
	return c.frozen, nil
}

// The handshake never fails on verification, the chain is checked afterwards by verifyPeer.
func (c *TLSContext) clientConfig(serverName string) *tls.Config {
	cfg := c.frozen.Clone()
	cfg.InsecureSkipVerify = true
	cfg.ServerName = serverName
	return cfg
}

func (c *TLSContext) serverConfig() *tls.Config {
	cfg := c.frozen.Clone()
	if c.verifyMode == VerifyPeer {
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg
}

func (c *TLSContext) verifyPeer(state tls.ConnectionState, serverName string, clientAuth bool) error {
	if c.verifyMode == VerifyNone {
		return nil
	}
	return certutil.VerifyChain(state.PeerCertificates, certutil.VerifyOptions{
		Roots:      c.roots,
		ServerName: serverName,
		ClientAuth: clientAuth,
	})
}

// OpenSSL cipher list keywords which select groups of suites. Go only negotiates its own secure set so these are
// accepted and ignored.
var cipherKeywords = map[string]struct{}{
	"ALL": {}, "DEFAULT": {}, "COMPLEMENTOFALL": {}, "COMPLEMENTOFDEFAULT": {}, "HIGH": {}, "MEDIUM": {}, "LOW": {},
	"EXP": {}, "EXPORT": {}, "NULL": {}, "eNULL": {}, "aNULL": {}, "kRSA": {}, "aRSA": {}, "RSA": {}, "ECDHE": {},
	"EECDH": {}, "ECDH": {}, "ECDSA": {}, "aECDSA": {}, "EDH": {}, "DHE": {}, "ADH": {}, "AECDH": {}, "AES": {},
	"AES128": {}, "AES256": {}, "AESGCM": {}, "CHACHA20": {}, "3DES": {}, "DES": {}, "RC4": {}, "MD5": {},
	"SHA1": {}, "SHA": {}, "SHA256": {}, "SHA384": {}, "PSK": {}, "SRP": {}, "KRB5": {}, "TLSv1.2": {},
	"TLSv1": {}, "SSLv3": {},
}

// OpenSSL names of the suites Go implements.
var opensslCipherNames = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// parseCiphers accepts a ':' or ',' separated list. Go suite names (TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256) and their
// OpenSSL names (ECDHE-RSA-AES128-GCM-SHA256) select suites. OpenSSL keywords, combinations (EECDH+HIGH), and
// tokens prefixed with '!', '-', '+' or '@' are ignored. A list selecting no suite leaves Go's defaults in place.
func parseCiphers(list string) ([]uint16, error) {
	goNames := map[string]uint16{}
	for _, suite := range tls.CipherSuites() {
		goNames[suite.Name] = suite.ID
	}
	tokens := strings.FieldsFunc(list, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})
	var suites []uint16
	for _, token := range tokens {
		if id, ok := goNames[token]; ok {
			suites = append(suites, id)
			continue
		}
		if id, ok := opensslCipherNames[token]; ok {
			suites = append(suites, id)
			continue
		}
		if strings.ContainsAny(token[:1], "!-+@") {
			continue
		}
		if ignoredCipherExpression(token) {
			continue
		}
		return nil, errors.NewRPCErrorf(errors.EINVAL, "unknown cipher %q", token)
	}
	return suites, nil
}

func ignoredCipherExpression(token string) bool {
	for _, part := range strings.Split(token, "+") {
		if _, ok := cipherKeywords[part]; !ok {
			return false
		}
	}
	return true
}
