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
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidStatusLine is returned when the upstream's status line does not
// parse as HTTP/1.0 or HTTP/1.1.
var ErrInvalidStatusLine = errors.New("invalid status line")

// Response is a parsed HTTP/1.1 response whose Body streams bytes as they
// arrive from the upstream. The parser never buffers the full body.
// Closing the Body closes the underlying stream.
type Response struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       io.ReadCloser
}

var statusLineRegexp = regexp.MustCompile(`^HTTP/1\.[01] (\d+) ?(.*)$`)

// ReadResponse reads the status line and headers from rc and returns a
// [Response] whose Body decodes the transfer encoding:
//
//   - chunked, if Transfer-Encoding contains "chunked";
//   - fixed length, if Content-Length is present;
//   - otherwise, everything until the peer closes the stream.
//
// Header parsing completes before any body byte is surfaced.
func ReadResponse(rc io.ReadCloser) (*Response, error) {
	br := bufio.NewReader(rc)
	statusLine, err := readHeaderLine(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read status line: %w", err)
	}
	m := statusLineRegexp.FindStringSubmatch(statusLine)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusLine, statusLine)
	}
	statusCode, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusLine, statusLine)
	}
	resp := &Response{
		StatusCode: statusCode,
		Reason:     m[2],
		Header:     make(http.Header),
	}
	for {
		line, err := readHeaderLine(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		resp.Header.Add(name, strings.TrimLeft(value, " \t"))
	}

	switch {
	case strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked"):
		resp.Body = &bodyReader{r: &chunkedReader{br: br}, c: rc}
	case resp.Header.Get("Content-Length") != "":
		n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid Content-Length %q", resp.Header.Get("Content-Length"))
		}
		resp.Body = &bodyReader{r: io.LimitReader(br, n), c: rc}
	default:
		resp.Body = &bodyReader{r: br, c: rc}
	}
	return resp, nil
}

// readHeaderLine reads one CRLF-terminated line, without the terminator.
// A bare LF terminator is also accepted.
func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// bodyReader streams the decoded body and ties Close to the underlying stream.
type bodyReader struct {
	r io.Reader
	c io.Closer
}

func (b *bodyReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *bodyReader) Close() error {
	return b.c.Close()
}

// chunkedReader decodes the chunked transfer coding from
// https://datatracker.ietf.org/doc/html/rfc7230#section-4.1.
type chunkedReader struct {
	br *bufio.Reader
	// remaining payload bytes of the chunk being read.
	remaining int64
	done      bool
	err       error
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.done {
		return 0, io.EOF
	}
	if cr.remaining == 0 {
		if err := cr.beginChunk(); err != nil {
			cr.err = err
			return 0, err
		}
		if cr.done {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.br.Read(p)
	cr.remaining -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		cr.err = fmt.Errorf("stream ended mid-chunk: %w", err)
		return n, cr.err
	}
	if cr.remaining == 0 {
		if err := cr.consumeCRLF(); err != nil {
			cr.err = err
			return n, err
		}
	}
	return n, nil
}

// beginChunk reads the "size CRLF" line and prepares the next payload.
// A size of zero terminates the body after its trailing CRLF.
func (cr *chunkedReader) beginChunk() error {
	line, err := readHeaderLine(cr.br)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("failed to read chunk size: %w", err)
	}
	// Chunk extensions after ";" are ignored.
	sizeStr, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("invalid chunk size %q", line)
	}
	if size == 0 {
		cr.done = true
		return cr.consumeCRLF()
	}
	cr.remaining = size
	return nil
}

func (cr *chunkedReader) consumeCRLF() error {
	for _, want := range []byte("\r\n") {
		b, err := cr.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("failed to read chunk terminator: %w", err)
		}
		if b != want {
			return fmt.Errorf("malformed chunk terminator 0x%02x", b)
		}
	}
	return nil
}
