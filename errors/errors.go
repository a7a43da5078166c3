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

package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type ErrCode int

const (
	OK ErrCode = iota
	EINVAL
	EALREADY
	ENOMEM
	ETIMEOUT
	ConnectionRefused ErrCode = iota + 1000
	ConnectionReset
	ConnectionClosed
	TLSHandshakeFailed
	TLSVerifyFailed
	ProtocolError ErrCode = iota + 2000
	TypeMismatch
	InternalError ErrCode = iota + 5000
)

var codeNames = map[ErrCode]string{
	OK:                 "OK",
	EINVAL:             "EINVAL",
	EALREADY:           "EALREADY",
	ENOMEM:             "ENOMEM",
	ETIMEOUT:           "ETIMEOUT",
	ConnectionRefused:  "ECONNREFUSED",
	ConnectionReset:    "ECONNRESET",
	ConnectionClosed:   "ECONNCLOSED",
	TLSHandshakeFailed: "ETLSHANDSHAKE",
	TLSVerifyFailed:    "ETLSVERIFY",
	ProtocolError:      "EPROTO",
	TypeMismatch:       "ETYPEMISMATCH",
	InternalError:      "EINTERNAL",
}

func (c ErrCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int(c))
}

// RPCError is the outcome reported by the transport for anything the application is expected to inspect.
// Only Code takes part in control flow, Msg is diagnostic.
type RPCError struct {
	Code ErrCode
	Msg  string
}

func (e RPCError) Error() string {
	return e.Msg
}

func NewRPCError(code ErrCode, msg string) RPCError {
	return RPCError{Code: code, Msg: msg}
}

func NewRPCErrorf(code ErrCode, msgFormat string, args ...interface{}) RPCError {
	return RPCError{Code: code, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewInvalidArgumentError(msg string) RPCError {
	return NewRPCError(EINVAL, msg)
}

func NewInvalidConfigurationError(msg string) RPCError {
	return NewRPCErrorf(EINVAL, "invalid configuration: %s", msg)
}

func NewAlreadyError(msg string) RPCError {
	return NewRPCError(EALREADY, msg)
}

func NewTimeoutError(msg string) RPCError {
	return NewRPCError(ETIMEOUT, msg)
}

func NewConnectionClosedError() RPCError {
	return NewRPCError(ConnectionClosed, "connection closed")
}

// NewInternalError hides the real cause behind a reference, the cause itself goes to the logs.
func NewInternalError(errReference string) RPCError {
	return NewRPCErrorf(InternalError, "internal error - reference: %s please consult logs for details", errReference)
}

// Code returns the code carried by err. nil maps to OK and errors that are not RPCErrors map to InternalError.
func Code(err error) ErrCode {
	if err == nil {
		return OK
	}
	var rerr RPCError
	if As(err, &rerr) {
		return rerr.Code
	}
	return InternalError
}

func IsCode(err error, code ErrCode) bool {
	return Code(err) == code
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}

func Is(err, target error) bool {
	return pkgerrors.Is(err, target)
}
