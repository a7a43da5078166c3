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
	"reflect"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Structured is implemented by application types which travel as an ordered tuple of their fields. Fields returns
// pointers to the fields in wire order, the same order is used to encode and to decode, so it is part of the type's
// wire contract. Adding, removing or reordering fields breaks compatibility with peers using the old layout.
//
//	type Base struct {
//		IntVal    int
//		StringVal string
//	}
//
//	func (b *Base) Fields() []any {
//		return []any{&b.IntVal, &b.StringVal}
//	}
type Structured interface {
	Fields() []any
}

func structuredOf(v any) (Structured, bool) {
	if s, ok := v.(Structured); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil, false
		}
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	// Fields is usually declared on the pointer receiver, so a struct passed by value needs an addressable copy
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	s, ok := p.Interface().(Structured)
	return s, ok
}

func encodeValue(enc *msgpack.Encoder, v any) error {
	if v == nil {
		return enc.EncodeNil()
	}
	if s, ok := structuredOf(v); ok {
		return encodeStructured(enc, s)
	}
	return enc.Encode(v)
}

func encodeStructured(enc *msgpack.Encoder, s Structured) error {
	fields := s.Fields()
	if err := enc.EncodeArrayLen(len(fields)); err != nil {
		return err
	}
	for _, f := range fields {
		if err := encodeValue(enc, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(dec *msgpack.Decoder, target any) error {
	if s, ok := target.(Structured); ok {
		return decodeStructured(dec, s)
	}
	return dec.Decode(target)
}

func decodeStructured(dec *msgpack.Decoder, s Structured) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return errors.NewRPCErrorf(errors.TypeMismatch, "expected a field sequence for %T: %v", s, err)
	}
	fields := s.Fields()
	if n != len(fields) {
		return errors.NewRPCErrorf(errors.TypeMismatch, "field count mismatch for %T: encoded %d, declared %d", s, n, len(fields))
	}
	for i, f := range fields {
		if err := decodeValue(dec, f); err != nil {
			if errors.IsCode(err, errors.TypeMismatch) {
				return err
			}
			return errors.NewRPCErrorf(errors.TypeMismatch, "field %d of %T: %v", i, s, err)
		}
	}
	return nil
}
