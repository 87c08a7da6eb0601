/*
 *
 * Copyright 2014 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package h2 implements a multiplexed HTTP/2 transport over a byte
// stream: framing, HPACK, per-stream and per-connection flow control,
// the stream lifecycle state machine and round-robin frame scheduling.
// Client and server roles share the same connection type; the role
// only changes stream id parity and header conversion.
package h2

import (
	"bufio"
	"io"
	"math"
	"time"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/h2/hpack"
)

const (
	// http2MaxFrameLen specifies the max length of a HTTP2 frame.
	http2MaxFrameLen = 16384 // 16KB frame

	// https://httpwg.org/specs/rfc7540.html#SettingValues
	http2InitHeaderTableSize = 4096

	defaultWindowSize = 65535

	// maxWindowSize is the largest flow control window an endpoint may
	// advertise, 2^31-1.
	maxWindowSize = math.MaxInt32

	defaultMaxStreamsClient = 100

	defaultClientMaxHeaderListSize = uint32(16 << 20)
	defaultServerMaxHeaderListSize = uint32(16 << 20)

	// Streams the local peer reset are remembered for resetStreamDuration
	// so late frames for them are tolerated instead of treated as
	// protocol errors, up to resetStreamMax at a time.
	resetStreamDuration = 30 * time.Second
	resetStreamMax      = 10

	infinity                     = time.Duration(math.MaxInt64)
	defaultClientKeepaliveTime   = infinity
	defaultClientKeepaliveTimeout = 20 * time.Second
	defaultServerKeepaliveTime   = 2 * time.Hour
	defaultServerKeepaliveTimeout = 20 * time.Second
	defaultKeepalivePolicyMinTime = 5 * time.Minute
)

// clientPreface is the magic the client must send before any frame.
var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// side tells apart the two roles of a connection. It decides stream id
// parity and the direction of the header conversions.
type side int

const (
	clientSide side = iota
	serverSide
)

type framer struct {
	writer *bufWriter
	fr     *frame.Framer
}

func newFramer(conn io.ReadWriter, writeBufferSize, readBufferSize int, maxHeaderListSize uint32, maxFrameSize uint32) *framer {
	if writeBufferSize < 0 {
		writeBufferSize = 0
	}
	var r io.Reader = conn
	if readBufferSize > 0 {
		r = bufio.NewReaderSize(r, readBufferSize)
	}
	w := newBufWriter(conn, writeBufferSize)
	f := &framer{
		writer: w,
		fr:     frame.NewFramer(w, r),
	}
	f.fr.SetMaxReadFrameSize(maxFrameSize)
	// Opt-in to Frame reuse API on framer to reduce garbage.
	// Frames aren't safe to read from after a subsequent call to ReadFrame.
	f.fr.ReadMetaHeaders = hpack.NewDecoder(http2InitHeaderTableSize, nil)
	f.fr.MaxHeaderListSize = maxHeaderListSize
	return f
}

// bufWriter is a buffered writer in front of the connection. Flush is
// driven by the writer loop when it runs out of work.
type bufWriter struct {
	buf  []byte
	n    int
	conn io.Writer
	err  error
}

func newBufWriter(conn io.Writer, batchSize int) *bufWriter {
	return &bufWriter{
		buf:  make([]byte, batchSize*2),
		conn: conn,
	}
}

func (w *bufWriter) Write(b []byte) (n int, err error) {
	if w.err != nil {
		return 0, w.err
	}
	if len(w.buf) == 0 {
		n, err = w.conn.Write(b)
		return n, err
	}
	for len(b) > 0 {
		nn := copy(w.buf[w.n:], b)
		b = b[nn:]
		w.n += nn
		n += nn
		if w.n == len(w.buf) {
			err = w.Flush()
			if err != nil {
				break
			}
		}
	}
	return n, err
}

func (w *bufWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	if w.n == 0 {
		return nil
	}
	_, w.err = w.conn.Write(w.buf[:w.n])
	w.n = 0
	return w.err
}

func minTime(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
