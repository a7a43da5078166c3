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

package conf

import (
	"time"

	"github.com/spirit-labs/tekrpc/errors"
)

const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultWriteQueueSize   = 1000
	DefaultMaxFrameSize     = 16 * 1024 * 1024
	DefaultMaxClients       = 0

	VerifyModeNone = "none"
	VerifyModePeer = "peer"
)

type Config struct {
	DialTimeout      time.Duration `help:"Timeout for establishing the TCP connection" default:"5s"`
	HandshakeTimeout time.Duration `help:"Timeout for the TLS handshake" default:"5s"`
	WriteTimeout     time.Duration `help:"Deadline applied to each frame written to a connection" default:"5s"`
	WriteQueueSize   int           `help:"Maximum number of frames queued for writing per connection" default:"1000"`
	MaxFrameSize     int           `help:"Maximum size in bytes of a single frame" default:"16777216"`
	MaxClients       int           `help:"Maximum number of concurrently connected clients of a server. 0 means unlimited" default:"0"`
	TLS              TLSConfig     `embed:"" prefix:"tls-"`
}

type TLSConfig struct {
	Enabled    bool   `help:"Set to true to enable TLS" default:"false"`
	CertPath   string `help:"Path to a PEM encoded file containing the certificate"`
	KeyPath    string `help:"Path to a PEM encoded file containing the private key"`
	CAPath     string `help:"Path to a PEM encoded file containing the trusted CA certificates"`
	Ciphers    string `help:"Colon separated list of allowed cipher suites"`
	VerifyMode string `help:"Peer certificate verification mode" enum:"none,peer" default:"none"`
}

func NewDefaultConfig() Config {
	return Config{
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		WriteQueueSize:   DefaultWriteQueueSize,
		MaxFrameSize:     DefaultMaxFrameSize,
		MaxClients:       DefaultMaxClients,
		TLS: TLSConfig{
			VerifyMode: VerifyModeNone,
		},
	}
}

// ApplyDefaults fills in any zero valued settings. Useful when a Config is built by hand rather than by kong.
func (c *Config) ApplyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.TLS.VerifyMode == "" {
		c.TLS.VerifyMode = VerifyModeNone
	}
}

func (c *Config) Validate() error {
	if c.DialTimeout < 0 {
		return errors.NewInvalidConfigurationError("dial-timeout must be >= 0")
	}
	if c.HandshakeTimeout < 0 {
		return errors.NewInvalidConfigurationError("handshake-timeout must be >= 0")
	}
	if c.WriteTimeout < 0 {
		return errors.NewInvalidConfigurationError("write-timeout must be >= 0")
	}
	if c.WriteQueueSize < 1 {
		return errors.NewInvalidConfigurationError("write-queue-size must be > 0")
	}
	if c.MaxFrameSize < 1 {
		return errors.NewInvalidConfigurationError("max-frame-size must be > 0")
	}
	if c.MaxClients < 0 {
		return errors.NewInvalidConfigurationError("max-clients must be >= 0")
	}
	return c.TLS.Validate()
}

func (t *TLSConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.VerifyMode != VerifyModeNone && t.VerifyMode != VerifyModePeer {
		return errors.NewInvalidConfigurationError("tls-verify-mode must be one of 'none' or 'peer'")
	}
	if t.CertPath != "" && t.KeyPath == "" {
		return errors.NewInvalidConfigurationError("tls-key-path must be specified if tls-cert-path is specified")
	}
	if t.KeyPath != "" && t.CertPath == "" {
		return errors.NewInvalidConfigurationError("tls-cert-path must be specified if tls-key-path is specified")
	}
	if t.VerifyMode == VerifyModePeer && t.CAPath == "" {
		return errors.NewInvalidConfigurationError("tls-ca-path must be specified if tls-verify-mode is 'peer'")
	}
	return nil
}
