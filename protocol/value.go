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
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/spirit-labs/tekrpc/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Value is an opaque, self describing payload. An outgoing Value holds the Go value it was created from and is
// encoded when sent, a received Value holds the msgpack encoding and is decoded on demand with As or Interface.
type Value struct {
	v   any
	raw msgpack.RawMessage
}

var nilEncoding = msgpack.RawMessage{0xc0}

func ValueOf(v any) Value {
	if val, ok := v.(Value); ok {
		return val
	}
	return Value{v: v}
}

func Nil() Value {
	return Value{}
}

func valueFromRaw(raw msgpack.RawMessage) Value {
	return Value{raw: raw}
}

func (v Value) IsNil() bool {
	if v.raw != nil {
		return bytes.Equal(v.raw, nilEncoding)
	}
	if v.v == nil {
		return true
	}
	rv := reflect.ValueOf(v.v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Bytes returns the msgpack encoding of the value.
func (v Value) Bytes() ([]byte, error) {
	if v.raw != nil {
		return v.raw, nil
	}
	var buf bytes.Buffer
	enc := newEncoder(&buf)
	if err := encodeValue(enc, v.v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if v.raw != nil {
		return enc.Encode(v.raw)
	}
	return encodeValue(enc, v.v)
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeRaw()
	if err != nil {
		return err
	}
	v.v = nil
	v.raw = raw
	return nil
}

// As decodes the value into dst, which must be a non nil pointer. A Structured dst requires an encoded field sequence
// of exactly its declared arity. On any failure a TypeMismatch error is returned and dst is left untouched.
func (v Value) As(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.NewInvalidArgumentError("decode destination must be a non nil pointer")
	}
	raw, err := v.Bytes()
	if err != nil {
		return err
	}
	scratch := reflect.New(rv.Type().Elem())
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	if err := decodeValue(dec, scratch.Interface()); err != nil {
		if errors.IsCode(err, errors.TypeMismatch) {
			return err
		}
		return errors.NewRPCErrorf(errors.TypeMismatch, "cannot decode %s into %s: %v", v.String(), rv.Type().Elem(), err)
	}
	rv.Elem().Set(scratch.Elem())
	return nil
}

// Interface decodes the value generically. Integers come back as int64 or uint64, floats as float64, maps as
// map[string]any when every key is a string and map[any]any otherwise.
func (v Value) Interface() (any, error) {
	if v.raw == nil {
		raw, err := v.Bytes()
		if err != nil {
			return nil, err
		}
		return valueFromRaw(raw).Interface()
	}
	dec := msgpack.NewDecoder(bytes.NewReader(v.raw))
	dec.UseLooseInterfaceDecoding(true)
	dec.SetMapDecoder(decodeGenericMap)
	res, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, errors.NewRPCErrorf(errors.TypeMismatch, "malformed value: %v", err)
	}
	return res, nil
}

func decodeGenericMap(dec *msgpack.Decoder) (interface{}, error) {
	m, err := dec.DecodeUntypedMap()
	if err != nil {
		return nil, err
	}
	sm := make(map[string]interface{}, len(m))
	for k, v := range m {
		s, ok := k.(string)
		if !ok {
			return m, nil
		}
		sm[s] = v
	}
	return sm, nil
}

// String renders the value for diagnostics.
func (v Value) String() string {
	i, err := v.Interface()
	if err != nil {
		return fmt.Sprintf("<invalid: %v>", err)
	}
	var sb strings.Builder
	stringify(&sb, i)
	return sb.String()
}

func stringify(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("nil")
	case string:
		sb.WriteString(strconv.Quote(t))
	case []byte:
		sb.WriteString("bin(")
		sb.WriteString(strconv.Quote(string(t)))
		sb.WriteString(")")
	case []interface{}:
		sb.WriteString("[")
		for i, e := range t {
			if i > 0 {
				sb.WriteString(", ")
			}
			stringify(sb, e)
		}
		sb.WriteString("]")
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(": ")
			stringify(sb, t[k])
		}
		sb.WriteString("}")
	case map[interface{}]interface{}:
		type entry struct {
			key string
			val any
		}
		entries := make([]entry, 0, len(t))
		for k, e := range t {
			var kb strings.Builder
			stringify(&kb, k)
			entries = append(entries, entry{key: kb.String(), val: e})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].key < entries[j].key
		})
		sb.WriteString("{")
		for i, e := range entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.key)
			sb.WriteString(": ")
			stringify(sb, e.val)
		}
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "%v", t)
	}
}
