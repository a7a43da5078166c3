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
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spirit-labs/tekrpc/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Format string `help:"Format to write log lines in" enum:"console,json" default:"console"`
	Level  string `help:"Lowest log level that will be emitted" enum:"debug,info,warn,error" default:"info"`
}

func (cfg *Config) Configure() error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return errors.NewInvalidConfigurationError(err.Error())
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format != "console" && format != "json" {
		return errors.NewInvalidConfigurationError("log-format must be one of 'console' or 'json'")
	}
	Initialise(level, format)
	return nil
}

// root is replaced wholesale on Initialise, generation lets named loggers notice.
type root struct {
	generation uint64
	logger     *zap.Logger
	sugar      *zap.SugaredLogger
	debug      bool
}

var (
	initLock   sync.Mutex
	current    atomic.Pointer[root]
	generation uint64
)

func init() {
	Initialise(zapcore.InfoLevel, "console")
}

func Initialise(level zapcore.Level, encoding string) {
	initLock.Lock()
	defer initLock.Unlock()
	generation++
	l := CreateLogger(level, encoding)
	current.Store(&root{
		generation: generation,
		logger:     l,
		sugar:      l.Sugar(),
		debug:      l.Core().Enabled(zapcore.DebugLevel),
	})
}

func CreateLogger(level zapcore.Level, encoding string) *zap.Logger {
	encoderConf := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var encoder zapcore.Encoder
	if encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConf)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConf)
	}
	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000000"))
}

func DebugEnabled() bool {
	return current.Load().debug
}

// Logger is a named child of the process wide logger. It can be held in a package variable, it picks up the
// configuration of every later Initialise.
type Logger struct {
	name  string
	child atomic.Pointer[namedChild]
}

type namedChild struct {
	generation uint64
	logger     *zap.Logger
	sugar      *zap.SugaredLogger
}

var namedLoggers sync.Map

func GetLogger(name string) *Logger {
	if l, ok := namedLoggers.Load(name); ok {
		return l.(*Logger)
	}
	l, _ := namedLoggers.LoadOrStore(name, &Logger{name: name})
	return l.(*Logger)
}

func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) resolve() *namedChild {
	r := current.Load()
	c := l.child.Load()
	if c == nil || c.generation != r.generation {
		named := r.logger.Named(l.name)
		c = &namedChild{generation: r.generation, logger: named, sugar: named.Sugar()}
		l.child.Store(c)
	}
	return c
}

func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.resolve().logger.Core().Enabled(level)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	l.resolve().sugar.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.resolve().sugar.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.resolve().sugar.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.resolve().sugar.Errorf(format, args...)
}

func sugar() *zap.SugaredLogger {
	return current.Load().sugar
}

func Info(args ...interface{}) {
	sugar().Info(args...)
}

func Infof(format string, args ...interface{}) {
	sugar().Infof(format, args...)
}

func Debugf(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	sugar().Debugf(format, args...)
}

func Warn(args ...interface{}) {
	sugar().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	sugar().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	sugar().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	sugar().Fatalf(format, args...)
}
