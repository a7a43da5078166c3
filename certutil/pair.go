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
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/spirit-labs/tekrpc/errors"
)

func CreateKeyPair(certPath string, keyPath string) (tls.Certificate, error) {
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}
	keyPair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}
	return keyPair, nil
}

// LoadCertPool reads one or more PEM files of trusted certificates into a single pool.
func LoadCertPool(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, errors.Errorf("failed to append trusted certs PEM from %s (invalid PEM block?)", path)
		}
	}
	return pool, nil
}
