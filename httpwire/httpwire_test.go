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

package httpwire

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRequest(t *testing.T) {
	header := make(http.Header)
	header.Set("Host", "httpbin.org")
	header.Set("Accept-Encoding", "identity")
	header.Set("User-Agent", "test")
	var buf bytes.Buffer
	err := WriteRequest(&buf, http.MethodGet, "/get?x=1", header, nil)
	require.NoError(t, err)
	require.Equal(t,
		"GET /get?x=1 HTTP/1.1\r\n"+
			"Host: httpbin.org\r\n"+
			"Accept-Encoding: identity\r\n"+
			"User-Agent: test\r\n"+
			"\r\n",
		buf.String())
}

func TestWriteRequest_Body(t *testing.T) {
	header := make(http.Header)
	header.Set("Host", "example.com")
	header.Set("Content-Length", "5")
	var buf bytes.Buffer
	err := WriteRequest(&buf, http.MethodPost, "/", header, strings.NewReader("hello"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(buf.String(), "\r\n\r\nhello"))
	require.True(t, strings.HasPrefix(buf.String(), "POST / HTTP/1.1\r\nHost: example.com\r\n"))
}

func body(t *testing.T, raw string) *Response {
	t.Helper()
	resp, err := ReadResponse(io.NopCloser(strings.NewReader(raw)))
	require.NoError(t, err)
	return resp
}

func TestReadResponse_FixedLength(t *testing.T) {
	resp := body(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhelloEXTRA")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestReadResponse_Chunked(t *testing.T) {
	resp := body(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(payload))
}

func TestReadResponse_ChunkedSingleByteReads(t *testing.T) {
	// Exercise the decoder against a reader that returns one byte at a time.
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\nA\r\n0123456789\r\n0\r\n\r\n"
	resp, err := ReadResponse(io.NopCloser(&oneByteReader{r: strings.NewReader(raw)}))
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc0123456789", string(payload))
}

type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestReadResponse_ChunkedTruncated(t *testing.T) {
	resp := body(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhe")
	_, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadResponse_UntilEOF(t *testing.T) {
	resp := body(t, "HTTP/1.1 200 OK\r\n\r\nstreamed until close")
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "streamed until close", string(payload))
}

func TestReadResponse_NoReason(t *testing.T) {
	resp := body(t, "HTTP/1.1 204\r\n\r\n")
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, "", resp.Reason)
}

func TestReadResponse_InvalidStatusLine(t *testing.T) {
	for _, raw := range []string{
		"NTTP/1.1 200 OK\r\n\r\n",
		"HTTP/2 200 OK\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
	} {
		_, err := ReadResponse(io.NopCloser(strings.NewReader(raw)))
		require.ErrorIs(t, err, ErrInvalidStatusLine, "status line %q", raw)
	}
}

func TestReadResponse_MalformedHeader(t *testing.T) {
	_, err := ReadResponse(io.NopCloser(strings.NewReader("HTTP/1.1 200 OK\r\nbogus\r\n\r\n")))
	require.Error(t, err)
}

func TestReadResponse_HeaderWhitespace(t *testing.T) {
	resp := body(t, "HTTP/1.1 404 Not Found\r\nX-Test:  padded\r\n\r\n")
	assert.Equal(t, "padded", resp.Header.Get("X-Test"))
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "Not Found", resp.Reason)
}

func TestReadResponse_BodyNotBuffered(t *testing.T) {
	// The parser must return before the body is complete.
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\n"))
		pw.Write([]byte("ab"))
	}()
	resp, err := ReadResponse(pr)
	require.NoError(t, err)
	chunk := make([]byte, 2)
	_, err = io.ReadFull(resp.Body, chunk)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(chunk))
	go pw.Write([]byte("cd"))
	_, err = io.ReadFull(resp.Body, chunk)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(chunk))
	pw.Close()
}
