// Copyright 2025 The SpectreProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"io"
)

// maxReplayBytes bounds the in-memory copy kept for the fallback re-issue.
// A body that grows past it can no longer be replayed, and fallback is
// disabled for that request.
const maxReplayBytes = 1 << 20

// replayableBody wraps a single-read request body and records the bytes the
// first transport consumed, so a fallback attempt can read the original
// stream again: the recorded prefix first, then whatever the first attempt
// never reached.
type replayableBody struct {
	src        io.ReadCloser
	buf        bytes.Buffer
	limit      int
	overflowed bool
	closed     bool
}

func newReplayableBody(src io.ReadCloser, limit int) *replayableBody {
	return &replayableBody{src: src, limit: limit}
}

func (b *replayableBody) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 && !b.overflowed {
		if b.buf.Len()+n > b.limit {
			b.overflowed = true
			b.buf.Reset()
		} else {
			b.buf.Write(p[:n])
		}
	}
	return n, err
}

// Close records the close without closing the source, keeping the unread
// remainder available for a replay.
func (b *replayableBody) Close() error {
	b.closed = true
	return nil
}

// Replay returns a reader over the recorded prefix followed by the unread
// remainder of the source. It reports false when the prefix outgrew the
// buffer, in which case the original bytes are gone.
func (b *replayableBody) Replay() (io.ReadCloser, bool) {
	if b.overflowed {
		return nil, false
	}
	return &replayReader{
		Reader: io.MultiReader(bytes.NewReader(b.buf.Bytes()), b.src),
		src:    b.src,
	}, true
}

type replayReader struct {
	io.Reader
	src io.Closer
}

func (r *replayReader) Close() error {
	return r.src.Close()
}
