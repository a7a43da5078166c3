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

package logger

import (
	"testing"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNamedLoggerFollowsGlobalLevel(t *testing.T) {
	config := Config{
		Level:  "warn",
		Format: "console",
	}
	err := config.Configure()
	require.NoError(t, err)
	defer resetLogger(t)

	l := GetLogger("remoting-test")
	require.Equal(t, "remoting-test", l.Name())
	l.Infof("testing logging")
	l.Warnf("WARN testing logging %s", "args")

	require.False(t, l.Enabled(zap.DebugLevel))
	require.False(t, l.Enabled(zap.InfoLevel))
	require.True(t, l.Enabled(zap.WarnLevel))
	require.False(t, DebugEnabled())

	// same name returns the same logger
	require.Same(t, l, GetLogger("remoting-test"))
}

func TestHeldLoggerFollowsReconfigure(t *testing.T) {
	defer resetLogger(t)
	l := GetLogger("held-test")
	require.NoError(t, (&Config{Level: "error", Format: "console"}).Configure())
	require.False(t, l.Enabled(zap.WarnLevel))
	require.NoError(t, (&Config{Level: "debug", Format: "console"}).Configure())
	require.True(t, l.Enabled(zap.DebugLevel))
}

func TestReconfigureRebuildsNamedLoggers(t *testing.T) {
	defer resetLogger(t)
	require.NoError(t, (&Config{Level: "error", Format: "json"}).Configure())
	l := GetLogger("evloop-test")
	require.False(t, l.Enabled(zap.WarnLevel))

	require.NoError(t, (&Config{Level: "debug", Format: "console"}).Configure())
	l = GetLogger("evloop-test")
	require.True(t, l.Enabled(zap.DebugLevel))
	require.True(t, DebugEnabled())
	l.Debugf("debug %d debug %d", 1, 2)
	Debugf("debug %d", 3)
	Infof("info %d", 4)
	Warnf("warn %d", 5)
	Errorf("error %d", 6)
}

func TestConfigureInvalid(t *testing.T) {
	err := (&Config{Level: "loud", Format: "console"}).Configure()
	require.Error(t, err)
	require.True(t, errors.IsCode(err, errors.EINVAL))

	err = (&Config{Level: "info", Format: "xml"}).Configure()
	require.Error(t, err)
	require.Equal(t, "invalid configuration: log-format must be one of 'console' or 'json'", err.Error())
}

func resetLogger(t *testing.T) {
	t.Helper()
	require.NoError(t, (&Config{Level: "info", Format: "console"}).Configure())
}
