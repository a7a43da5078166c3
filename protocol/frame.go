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
	"encoding/binary"
	"io"

	"github.com/spirit-labs/tekrpc/errors"
)

const readBuffSize = 8 * 1024

// ReadFrames reads frames that are length prefixed with a big-endian 32 bit integer and calls fn with each body.
// The buffer passed to fn is reused once fn returns, a buffer grown for a large frame is released after it. A frame longer than maxFrameSize fails with a ProtocolError
// before its body is read, maxFrameSize <= 0 means no limit. Returns nil when r reaches EOF on a frame boundary.
func ReadFrames(r io.Reader, maxFrameSize int, fn func([]byte) error) error {
	buff := make([]byte, readBuffSize)
	var err error
	var readPos, n int
	for {
		bytesRequired := 4 - readPos
		if bytesRequired > 0 {
			n, err = io.ReadAtLeast(r, buff[readPos:], bytesRequired)
			readPos += n
			if err != nil {
				if err == io.EOF && readPos > 0 {
					err = io.ErrUnexpectedEOF
				}
				break
			}
		}
		frameSize := int(binary.BigEndian.Uint32(buff))
		if maxFrameSize > 0 && frameSize > maxFrameSize {
			return errors.NewRPCErrorf(errors.ProtocolError, "frame of %d bytes exceeds maximum of %d", frameSize, maxFrameSize)
		}
		totSize := 4 + frameSize
		bytesRequired = totSize - readPos
		if bytesRequired > 0 {
			if totSize > len(buff) {
				nb := make([]byte, totSize)
				copy(nb, buff[:readPos])
				buff = nb
			}
			n, err = io.ReadAtLeast(r, buff[readPos:], bytesRequired)
			readPos += n
			if err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				break
			}
		}
		if err = fn(buff[4:totSize]); err != nil {
			break
		}
		remaining := readPos - totSize
		if len(buff) > readBuffSize && remaining <= readBuffSize {
			// drop the buffer grown for a large frame
			nb := make([]byte, readBuffSize)
			copy(nb, buff[totSize:readPos])
			buff = nb
		} else if remaining > 0 {
			// bytes of following frames were already read
			copy(buff, buff[totSize:readPos])
		}
		readPos = remaining
	}
	if err == io.EOF {
		return nil
	}
	return err
}
