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
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/nio"
)

func (t *H2Transport) handleData(f *frame.DataFrame) {
	// The whole frame payload counts against flow control, padding
	// included.
	size := f.Header().Length
	t.mu.Lock()
	if size > 0 {
		if err := t.recvFlow.recvData(size); err != nil {
			t.mu.Unlock()
			t.Close(connectionErrorf(true, err, "connection flow control violated"))
			return
		}
		// Connection credit is decoupled from application reads and
		// returned as soon as the frame is accounted for; only stream
		// credit back-pressures the sender.
		t.recvFlow.assignCapacity(size)
		if incr, over := t.recvFlow.unclaimedCapacity(); over {
			t.recvFlow.claimCapacity(incr)
			t.recvFlow.incWindow(incr)
			t.control = append(t.control, &controlFrame{kind: ctrlWindowUpdate, increment: incr})
			t.wcond.Signal()
		}
	}
	s := t.streams.find(f.Header().StreamID)
	if s == nil || s.state.isClosed() {
		// Recently reset or finished; the bytes already counted against
		// the connection window.
		t.mu.Unlock()
		return
	}
	if !s.state.canRecvData() {
		t.closeStreamLocked(s,
			frame.StreamErrorf(s.Id, frame.ErrCodeStreamClosed, "DATA on half-closed stream"),
			true, frame.ErrCodeStreamClosed)
		t.mu.Unlock()
		return
	}
	if size > 0 {
		if err := s.recvFlow.recvData(size); err != nil {
			t.closeStreamLocked(s, err, true, frame.ErrCodeFlowControl)
			t.mu.Unlock()
			return
		}
	}
	data := f.Data()
	if pad := size - uint32(len(data)); pad > 0 {
		// Padding credit goes straight back.
		s.recvFlow.assignCapacity(pad)
		t.pendingWindowUpdate.push(&t.streams, s)
		t.wcond.Signal()
	}
	if s.contentLength >= 0 {
		s.contentLength -= int64(len(data))
		if s.contentLength < 0 {
			t.closeStreamLocked(s,
				frame.StreamErrorf(s.Id, frame.ErrCodeProtocol, "received more data than declared content-length"),
				true, frame.ErrCodeProtocol)
			t.mu.Unlock()
			return
		}
	}
	eos := f.StreamEnded()
	if eos && s.contentLength > 0 {
		t.closeStreamLocked(s,
			frame.StreamErrorf(s.Id, frame.ErrCodeProtocol, "received less data than declared content-length"),
			true, frame.ErrCodeProtocol)
		t.mu.Unlock()
		return
	}
	var buf *bytes.Buffer
	if len(data) > 0 {
		buf = nio.GetBuffer()
		buf.Write(data)
		s.RcvdPackets++
		s.LastRead = time.Now()
	}
	var finish bool
	if eos {
		s.state.recvClose()
		finish = s.state.isClosed()
	}
	t.mu.Unlock()

	if buf != nil {
		s.buf.Put(nio.RecvMsg{Buffer: buf})
	}
	if eos {
		s.buf.Put(nio.RecvMsg{Err: io.EOF})
	}
	if finish {
		t.closeStream(s, nil, false, 0)
	}
}

func (t *H2Transport) handleRSTStream(f *frame.RSTStreamFrame) {
	t.mu.Lock()
	s := t.streams.find(f.StreamID)
	if s == nil {
		t.mu.Unlock()
		return
	}
	if s.state.isLocallyReset() {
		// Our own reset is queued or already sent; the peer's reset
		// supersedes it and ours need not go out.
		for {
			of := s.pendingSend.popFront()
			if of == nil {
				break
			}
			if of.data != nil {
				nio.PutBuffer(of.data)
			}
		}
		s.state.recvReset(f.ErrCode, true)
		t.mu.Unlock()
		return
	}
	if f.ErrCode == frame.ErrCodeRefusedStream && s.Error == nil {
		s.Error = ErrRejected
	}
	s.state.recvReset(f.ErrCode, false)
	t.finishStreamLocked(s)
	t.mu.Unlock()
}

func (t *H2Transport) operateHeaders(f *frame.MetaHeadersFrame) {
	if t.side == serverSide {
		t.operateServerHeaders(f)
	} else {
		t.operateClientHeaders(f)
	}
}

// operateServerHeaders accepts a request (or request trailers) on the
// server side and dispatches the stream to Handle.
func (t *H2Transport) operateServerHeaders(f *frame.MetaHeadersFrame) {
	id := f.Header().StreamID
	eos := f.StreamEnded()
	t.mu.Lock()
	t.expireResetsLocked(time.Now(), false)
	if s := t.streams.find(id); s != nil {
		if s.state.isClosed() {
			// Tolerated for recently reset streams.
			t.mu.Unlock()
			return
		}
		// A second HEADERS on a live stream is the request trailers.
		if !eos {
			t.closeStreamLocked(s,
				frame.StreamErrorf(id, frame.ErrCodeProtocol, "HEADERS mid-stream without END_STREAM"),
				true, frame.ErrCodeProtocol)
			t.mu.Unlock()
			return
		}
		if s.contentLength > 0 {
			t.closeStreamLocked(s,
				frame.StreamErrorf(id, frame.ErrCodeProtocol, "received less data than declared content-length"),
				true, frame.ErrCodeProtocol)
			t.mu.Unlock()
			return
		}
		if s.Request.Trailer == nil {
			s.Request.Trailer = http.Header{}
		}
		for _, hf := range f.RegularFields() {
			s.Request.Trailer.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
		s.state.recvClose()
		finish := s.state.isClosed()
		t.mu.Unlock()
		s.buf.Put(nio.RecvMsg{Err: io.EOF})
		if finish {
			t.closeStream(s, nil, false, 0)
		}
		return
	}
	// New stream: client ids are odd and strictly increasing.
	if id%2 != 1 || id <= t.maxPeerID {
		t.mu.Unlock()
		t.Close(connectionErrorf(true, nil, "received HEADERS for invalid stream id %d", id))
		return
	}
	t.maxPeerID = id
	if t.state != reachable || !t.counts.canOpenRecv() || t.Handle == nil {
		t.control = append(t.control, &controlFrame{kind: ctrlReset, streamID: id, code: frame.ErrCodeRefusedStream})
		t.wcond.Signal()
		t.mu.Unlock()
		return
	}
	s := t.newStreamLocked(t.ctx, false)
	s.Id = id
	t.streams.registerID(s)
	if _, err := s.state.recvOpen(eos); err != nil {
		t.mu.Unlock()
		t.Close(err)
		return
	}
	t.counts.incRecv()
	s.isCounted = true
	s.ref = 1
	t.idleSince = time.Time{}
	req, cl, err := requestFromHeaders(f)
	if err != nil {
		s.Error = err
		t.queueResetLocked(s, frame.ErrCodeProtocol)
		s.state.sendReset(frame.ErrCodeProtocol, false)
		t.finishStreamLocked(s)
		t.mu.Unlock()
		return
	}
	req.Body = s
	req = req.WithContext(s.ctx)
	s.Request = req
	s.Response = &http.Response{
		Header:  http.Header{},
		Trailer: http.Header{},
		Request: req,
	}
	s.contentLength = cl
	varzStreamsStarted.Add(1)
	t.mu.Unlock()

	if eos {
		s.buf.Put(nio.RecvMsg{Err: io.EOF})
	}
	t.streamEvent(EventStreamStart, s)
	if f.Truncated {
		// The header block exceeded our advertised limit and was
		// dropped mid-decode; tell the client instead of hanging.
		go t.serveHeaderListTooLarge(s)
		return
	}
	go t.serveStream(s)
}

func (t *H2Transport) serveStream(s *H2Stream) {
	t.Handle(s)
	// The handler owns the stream while it runs; whatever it left open
	// is finished here.
	s.Close()
}

func (t *H2Transport) serveHeaderListTooLarge(s *H2Stream) {
	s.Response.StatusCode = http.StatusRequestHeaderFieldsTooLarge
	atomic.StoreUint32(&s.headerSent, 1)
	t.sendResponseHeaders(s, true)
	t.dropRef(s)
}

// operateClientHeaders delivers a response (or response trailers) to
// the waiting client stream.
func (t *H2Transport) operateClientHeaders(f *frame.MetaHeadersFrame) {
	id := f.Header().StreamID
	eos := f.StreamEnded()
	t.mu.Lock()
	s := t.streams.find(id)
	if s == nil || s.state.isClosed() {
		t.mu.Unlock()
		return
	}
	if atomic.LoadUint32(&s.headerChanClosed) == 0 {
		// Response headers.
		if f.Truncated {
			t.closeStreamLocked(s, ErrHeaderListTooBig, true, frame.ErrCodeFrameSize)
			t.mu.Unlock()
			return
		}
		status := f.PseudoValue(":status")
		code, err := strconv.Atoi(status)
		if err != nil {
			t.closeStreamLocked(s, ErrMalformedHeaders, true, frame.ErrCodeProtocol)
			t.mu.Unlock()
			return
		}
		if code >= 100 && code < 200 && !eos {
			// Informational; the real response is still coming.
			t.mu.Unlock()
			return
		}
		if _, err := s.state.recvOpen(eos); err != nil {
			t.mu.Unlock()
			t.Close(err)
			return
		}
		s.Response.StatusCode = code
		s.Response.Status = status + " " + http.StatusText(code)
		s.Response.Proto = "HTTP/2.0"
		s.Response.ProtoMajor = 2
		for _, hf := range f.RegularFields() {
			s.Response.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
		if cl, ok := parseContentLength(s.Response.Header.Get("Content-Length")); ok {
			s.contentLength = cl
			s.Response.ContentLength = cl
		}
		finish := eos && s.state.isClosed()
		t.mu.Unlock()
		s.closeHeaderChan()
		t.streamEvent(Event_Response, s)
		if eos {
			s.buf.Put(nio.RecvMsg{Err: io.EOF})
			if finish {
				t.closeStream(s, nil, false, 0)
			}
		}
		return
	}
	// Trailers.
	if !eos {
		t.closeStreamLocked(s,
			frame.StreamErrorf(id, frame.ErrCodeProtocol, "HEADERS mid-stream without END_STREAM"),
			true, frame.ErrCodeProtocol)
		t.mu.Unlock()
		return
	}
	if s.contentLength > 0 {
		t.closeStreamLocked(s,
			frame.StreamErrorf(id, frame.ErrCodeProtocol, "received less data than declared content-length"),
			true, frame.ErrCodeProtocol)
		t.mu.Unlock()
		return
	}
	if s.Response.Trailer == nil {
		s.Response.Trailer = http.Header{}
	}
	for _, hf := range f.RegularFields() {
		s.Response.Trailer.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	s.state.recvClose()
	finish := s.state.isClosed()
	t.mu.Unlock()
	s.buf.Put(nio.RecvMsg{Err: io.EOF})
	if finish {
		t.closeStream(s, nil, false, 0)
	}
}
