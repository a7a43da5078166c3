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

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Bodies are msgpack-rpc arrays:
//
//	request  [0, msgid, method, params]
//	response [1, msgid, error, result]
//	notify   [2, method, params]

// EncodeMessage returns the msgpack body for the message.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeFrame returns the message body prefixed with its length as a big-endian uint32.
func EncodeFrame(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if err := encodeMessage(&buf, msg); err != nil {
		return nil, err
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-4))
	return frame, nil
}

func encodeMessage(buf *bytes.Buffer, msg Message) error {
	enc := newEncoder(buf)
	var err error
	switch m := msg.(type) {
	case Request:
		err = encodeAll(enc, 4, int(RequestType), m.Msgid, m.Method, m.Params)
	case *Request:
		err = encodeAll(enc, 4, int(RequestType), m.Msgid, m.Method, m.Params)
	case Response:
		err = encodeAll(enc, 4, int(ResponseType), m.Msgid, m.Error, m.Result)
	case *Response:
		err = encodeAll(enc, 4, int(ResponseType), m.Msgid, m.Error, m.Result)
	case Notify:
		err = encodeAll(enc, 3, int(NotifyType), m.Method, m.Params)
	case *Notify:
		err = encodeAll(enc, 3, int(NotifyType), m.Method, m.Params)
	default:
		return errors.NewRPCErrorf(errors.EINVAL, "unsupported message type %T", msg)
	}
	if err != nil {
		if _, ok := err.(errors.RPCError); ok {
			return err
		}
		return errors.NewRPCErrorf(errors.TypeMismatch, "cannot encode %s: %v", msg.Type(), err)
	}
	return nil
}

func encodeAll(enc *msgpack.Encoder, arity int, vals ...any) error {
	if err := enc.EncodeArrayLen(arity); err != nil {
		return err
	}
	for _, v := range vals {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMessage parses a frame body. The body is copied, the returned message does not reference it.
func DecodeMessage(body []byte) (Message, error) {
	r := bytes.NewReader(append([]byte(nil), body...))
	msg, err := decodeMessage(msgpack.NewDecoder(r))
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, protocolError("%d trailing bytes after message", r.Len())
	}
	return msg, nil
}

func decodeMessage(dec *msgpack.Decoder) (Message, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, protocolError("message is not an array: %v", err)
	}
	if n < 1 {
		return nil, protocolError("message array of length %d", n)
	}
	typ, err := dec.DecodeInt()
	if err != nil {
		return nil, protocolError("invalid message type: %v", err)
	}
	switch MessageType(typ) {
	case RequestType:
		if n != 4 {
			return nil, protocolError("request array of length %d", n)
		}
		var req Request
		if req.Msgid, err = dec.DecodeUint32(); err != nil {
			return nil, protocolError("invalid request msgid: %v", err)
		}
		if req.Method, err = dec.DecodeString(); err != nil {
			return nil, protocolError("invalid request method: %v", err)
		}
		if req.Params, err = decodeRawValue(dec); err != nil {
			return nil, protocolError("invalid request params: %v", err)
		}
		return req, nil
	case ResponseType:
		if n != 4 {
			return nil, protocolError("response array of length %d", n)
		}
		var resp Response
		if resp.Msgid, err = dec.DecodeUint32(); err != nil {
			return nil, protocolError("invalid response msgid: %v", err)
		}
		if resp.Error, err = decodeRawValue(dec); err != nil {
			return nil, protocolError("invalid response error: %v", err)
		}
		if resp.Result, err = decodeRawValue(dec); err != nil {
			return nil, protocolError("invalid response result: %v", err)
		}
		return resp, nil
	case NotifyType:
		if n != 3 {
			return nil, protocolError("notify array of length %d", n)
		}
		var notif Notify
		if notif.Method, err = dec.DecodeString(); err != nil {
			return nil, protocolError("invalid notify method: %v", err)
		}
		if notif.Params, err = decodeRawValue(dec); err != nil {
			return nil, protocolError("invalid notify params: %v", err)
		}
		return notif, nil
	default:
		return nil, protocolError("unknown message type %d", typ)
	}
}

func decodeRawValue(dec *msgpack.Decoder) (Value, error) {
	raw, err := dec.DecodeRaw()
	if err != nil {
		return Value{}, err
	}
	return valueFromRaw(raw), nil
}

func newEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return enc
}

func protocolError(msgFormat string, args ...any) error {
	return errors.NewRPCErrorf(errors.ProtocolError, msgFormat, args...)
}
