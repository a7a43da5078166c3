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
	"time"

	"github.com/spirit-labs/tekrpc/errors"
)

type DN struct {
	DN         string
	CommonName string
}

// X509Certificate is a read only snapshot of a certificate taken from a live handshake.
type X509Certificate struct {
	Subject DN
	Issuer  DN
	IsCA    bool
}

func (c X509Certificate) GetSubject() DN {
	return c.Subject
}

func (c X509Certificate) GetIssuer() DN {
	return c.Issuer
}

func NewX509Certificate(cert *x509.Certificate) X509Certificate {
	return X509Certificate{
		Subject: DN{DN: cert.Subject.String(), CommonName: cert.Subject.CommonName},
		Issuer:  DN{DN: cert.Issuer.String(), CommonName: cert.Issuer.CommonName},
		IsCA:    cert.BasicConstraintsValid && cert.IsCA,
	}
}

// Chain snapshots certificates in the order presented by the peer, leaf first.
func Chain(certs []*x509.Certificate) []X509Certificate {
	chain := make([]X509Certificate, 0, len(certs))
	for _, cert := range certs {
		chain = append(chain, NewX509Certificate(cert))
	}
	return chain
}

type VerifyOptions struct {
	Roots *x509.CertPool
	// ServerName is checked against the leaf when verifying a server certificate. Empty skips the check.
	ServerName string
	// ClientAuth verifies the leaf for client authentication instead of server authentication.
	ClientAuth  bool
	CurrentTime time.Time
}

// VerifyChain validates a presented chain and returns nil or a TLSVerifyFailed error whose message names the
// failure.
func VerifyChain(certs []*x509.Certificate, opts VerifyOptions) error {
	if len(certs) == 0 {
		return errors.NewRPCError(errors.TLSVerifyFailed, "no peer certificate")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	x509Opts := x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: intermediates,
		DNSName:       opts.ServerName,
		CurrentTime:   opts.CurrentTime,
	}
	if opts.ClientAuth {
		x509Opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	if _, err := certs[0].Verify(x509Opts); err != nil {
		return errors.NewRPCErrorf(errors.TLSVerifyFailed, "%s: %v", verifyFailureReason(err), err)
	}
	return nil
}

func verifyFailureReason(err error) string {
	switch e := err.(type) {
	case x509.CertificateInvalidError:
		switch e.Reason {
		case x509.Expired:
			return "certificate has expired"
		case x509.NotAuthorizedToSign:
			return "invalid CA certificate"
		case x509.IncompatibleUsage:
			return "unsupported certificate purpose"
		case x509.NameConstraintsWithoutSANs, x509.CANotAuthorizedForThisName:
			return "name constraints violation"
		case x509.TooManyIntermediates:
			return "certificate chain too long"
		default:
			return "invalid certificate"
		}
	case x509.UnknownAuthorityError:
		return "unable to get local issuer certificate"
	case x509.HostnameError:
		return "hostname mismatch"
	case x509.SystemRootsError:
		return "unable to load trusted roots"
	default:
		return "certificate verify failed"
	}
}
