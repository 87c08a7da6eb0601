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

package h2

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/nio"
)

// H2Stream is one multiplexed request/response exchange. It is both
// the arena entry the connection schedules by key and the user-facing
// handle: Read/Write move the body, Request/Response carry the
// converted headers.
//
// All protocol fields (state, flows, queue links) are guarded by the
// owning transport's mu. The user-facing channels (headerChan, done)
// are published with atomics by the reader goroutine.
type H2Stream struct {
	// Id is the wire stream id. Zero until the first HEADERS frame of
	// a locally initiated stream is actually scheduled, which is when
	// ids are assigned so they stay monotonic on the wire.
	Id uint32

	t *H2Transport

	// arena bookkeeping; guarded by t.mu.
	key    storeKey
	next   [numQueues]storeKey
	queued [numQueues]bool

	// ref counts live user handles. The last drop of a handle on a
	// stream that is not yet closed schedules RST_STREAM(CANCEL), so
	// the peer learns promptly that interest was lost.
	ref int

	// isCounted is set while the stream occupies a concurrency slot.
	isCounted bool
	// localInit records which side opened the stream.
	localInit bool

	state    streamState
	sendFlow flowControl
	recvFlow flowControl

	// pendingSend holds this stream's queued outbound frames;
	// bufferedSendData is the DATA byte total inside it.
	pendingSend      frameDeque
	bufferedSendData int

	// resetAt is when a locally reset stream may be forgotten.
	resetAt time.Time

	// finished marks that terminal cleanup already ran.
	finished bool

	// contentLength is the declared remaining body length on the
	// receive side, -1 when unknown.
	contentLength int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// headerChan closes when the response headers are available.
	headerChan       chan struct{}
	headerChanClosed uint32

	// sendAvail is signalled when buffered send data drains below the
	// backpressure threshold.
	sendAvail chan struct{}

	Request  *http.Request
	Response *http.Response

	// buf delivers DATA payloads from the reader goroutine to Read.
	buf *nio.RecvBufferReader

	// headerSent - server side, response headers queued.
	headerSent uint32

	// Error is the first fatal error seen on the stream.
	Error error

	nio.Stats
}

func (s *H2Stream) queuedAnywhere() bool {
	for _, q := range s.queued {
		if q {
			return true
		}
	}
	return false
}

// Context returns the context of the stream.
func (s *H2Stream) Context() context.Context { return s.ctx }

// Done returns a channel closed when the stream is fully closed.
func (s *H2Stream) Done() <-chan struct{} { return s.done }

// Conn returns the underlying connection, for remote addr and similar.
func (s *H2Stream) Conn() net.Conn { return s.t.conn }

func (s *H2Stream) LocalAddr() net.Addr  { return s.t.conn.LocalAddr() }
func (s *H2Stream) RemoteAddr() net.Addr { return s.t.conn.RemoteAddr() }

func (s *H2Stream) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *H2Stream) SetReadDeadline(t time.Time) error {
	s.buf.ReadDeadline = t
	return nil
}

func (s *H2Stream) SetWriteDeadline(t time.Time) error {
	// Writes are buffered and paced by flow control; a write deadline
	// would only bound the backpressure wait.
	return nil
}

// Header returns the response headers, to be filled in by a server
// handler before WriteHeader.
func (s *H2Stream) Header() http.Header { return s.Response.Header }

// WriteHeader queues the response headers with the given status. Only
// meaningful on the server side; repeated calls are ignored.
func (s *H2Stream) WriteHeader(statusCode int) {
	if atomic.SwapUint32(&s.headerSent, 1) == 1 {
		return
	}
	s.Response.StatusCode = statusCode
	if err := s.t.sendResponseHeaders(s, false); err != nil {
		s.t.logf("transport: failed to write response headers for stream %d: %v", s.Id, err)
	}
}

// Read reads body bytes. Consumed bytes are returned to the peer as
// WINDOW_UPDATE credit, batched by the half-window hysteresis.
func (s *H2Stream) Read(p []byte) (int, error) {
	n, err := s.buf.Read(p)
	if n > 0 {
		s.RcvdBytes += int64(n)
		s.t.updateWindow(s, uint32(n))
	}
	return n, err
}

// Write queues body bytes. It blocks when too much data is already
// buffered, which is how peer flow control back-pressures the caller.
func (s *H2Stream) Write(p []byte) (int, error) {
	err := s.t.sendData(s, p, false)
	if err != nil {
		return 0, err
	}
	s.SentBytes += int64(len(p))
	return len(p), nil
}

// CloseWrite sends END_STREAM: an empty DATA frame on the client, the
// trailers (if any were set) on the server.
func (s *H2Stream) CloseWrite() error {
	if s.t.side == serverSide {
		if atomic.SwapUint32(&s.headerSent, 1) == 0 {
			if s.Response.StatusCode == 0 {
				s.Response.StatusCode = 200
			}
			if len(s.Response.Trailer) == 0 {
				return s.t.sendResponseHeaders(s, true)
			}
			if err := s.t.sendResponseHeaders(s, false); err != nil {
				return err
			}
		}
		if len(s.Response.Trailer) > 0 {
			return s.t.sendTrailers(s, s.Response.Trailer)
		}
	}
	return s.t.sendData(s, nil, true)
}

// Close closes the write side if still open and drops the caller's
// handle. If the stream is not finished by then it is reset so it
// does not linger on the peer.
func (s *H2Stream) Close() error {
	s.t.mu.Lock()
	sendOpen := !s.state.isSendClosed() && !s.state.isIdle()
	s.t.mu.Unlock()
	var err error
	if sendOpen {
		err = s.CloseWrite()
	}
	s.t.dropRef(s)
	return err
}

// CloseError resets the stream with the given code. Read and Write
// are unblocked and the stream context is cancelled.
func (s *H2Stream) CloseError(code uint32) {
	s.t.resetStream(s, frame.ErrCode(code), false)
	s.t.dropRef(s)
}

// WaitHeaders blocks until the response headers (or the stream's end)
// arrived. Client side only; on the server, headers always precede
// the stream.
func (s *H2Stream) WaitHeaders(ctx context.Context) error {
	if s.headerChan == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		s.CloseError(uint32(frame.ErrCodeCancel))
		return ContextErr(ctx.Err())
	case <-s.headerChan:
	}
	s.t.mu.Lock()
	err := s.Error
	code := s.Response.StatusCode
	s.t.mu.Unlock()
	if err != nil && code == 0 {
		return err
	}
	return nil
}

// GoString is implemented by H2Stream so context.String() won't race
// when printing %#v.
func (s *H2Stream) GoString() string {
	return fmt.Sprintf("<stream: %p, %d>", s, s.Id)
}

// closeHeaderChan publishes the headers, or their definitive absence.
func (s *H2Stream) closeHeaderChan() {
	if s.headerChan != nil && atomic.CompareAndSwapUint32(&s.headerChanClosed, 0, 1) {
		close(s.headerChan)
	}
}
