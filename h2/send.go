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
	"net/http"
	"time"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/h2/hpack"
	"github.com/h2mux/h2mux/nio"
)

// newStreamLocked allocates a stream in the arena. The id is not
// assigned here; locally initiated streams get theirs when the first
// HEADERS frame is scheduled.
func (t *H2Transport) newStreamLocked(ctx context.Context, localInit bool) *H2Stream {
	sctx, cancel := context.WithCancel(ctx)
	s := &H2Stream{
		t:             t,
		localInit:     localInit,
		ctx:           sctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		sendAvail:     make(chan struct{}, 1),
		sendFlow:      newFlowControl(t.peerInitialWindow),
		recvFlow:      newFlowControl(t.localInitialWindow),
		contentLength: -1,
	}
	s.Open = time.Now()
	s.buf = nio.NewRecvBuffer(sctx.Done(), nio.PutBuffer, nil)
	t.streams.insert(s)
	return s
}

// NewStream opens a client stream for req. The HEADERS frame is queued
// here; the stream id exists only after the writer schedules it. The
// returned handle must be Closed by the caller.
func (t *H2Transport) NewStream(ctx context.Context, req *http.Request) (*H2Stream, error) {
	hf, err := t.createRequestHeaders(req)
	if err != nil {
		return nil, err
	}
	// Requests that can't carry a body end the stream on the HEADERS.
	eos := req.Body == nil && req.Method != "CONNECT"

	t.mu.Lock()
	if t.state == closing {
		t.mu.Unlock()
		return nil, ErrConnClosing
	}
	if t.state == draining {
		t.mu.Unlock()
		return nil, errStreamDrain
	}
	if limit := t.peerMaxHeaderList; limit != nil && headerListSize(hf) > uint64(*limit) {
		t.mu.Unlock()
		return nil, ErrHeaderListTooBig
	}
	s := t.newStreamLocked(ctx, true)
	s.ref = 1
	s.Request = req
	s.Response = &http.Response{
		Header:  http.Header{},
		Trailer: http.Header{},
		Request: req,
		Body:    s,
	}
	s.headerChan = make(chan struct{})
	s.state.sendOpen(eos)
	s.pendingSend.pushBack(&outFrame{kind: outHeaders, hf: hf, endStream: eos})
	if t.counts.canOpenSend() {
		t.counts.incSend()
		s.isCounted = true
		t.idleSince = time.Time{}
		t.pendingSend.push(&t.streams, s)
		t.wcond.Signal()
	} else {
		// Over the peer's concurrency limit: held until a slot frees.
		t.pendingOpen.push(&t.streams, s)
	}
	varzStreamsStarted.Add(1)
	t.mu.Unlock()
	t.streamEvent(EventStreamRequestStart, s)
	return s, nil
}

// sendResponseHeaders queues the server's response HEADERS from
// s.Response.
func (t *H2Transport) sendResponseHeaders(s *H2Stream, endStream bool) error {
	hf := createResponseHeaders(s.Response.StatusCode, s.Response.Header)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == closing {
		return ErrConnClosing
	}
	if s.state.isSendClosed() {
		return errStreamDone
	}
	if err := s.state.sendOpen(endStream); err != nil {
		return err
	}
	s.pendingSend.pushBack(&outFrame{kind: outHeaders, hf: hf, endStream: endStream})
	t.pendingSend.push(&t.streams, s)
	t.wcond.Signal()
	return nil
}

// sendTrailers queues trailers and ends the send side.
func (t *H2Transport) sendTrailers(s *H2Stream, trailer http.Header) error {
	var hf []hpack.HeaderField
	for k, vv := range trailer {
		lk := lowerHeader(k)
		for _, v := range vv {
			hf = append(hf, hpack.HeaderField{Name: lk, Value: v})
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == closing {
		return ErrConnClosing
	}
	if s.state.isSendClosed() {
		return errStreamDone
	}
	if err := s.state.sendClose(); err != nil {
		return err
	}
	s.pendingSend.pushBack(&outFrame{kind: outTrailers, hf: hf, endStream: true})
	t.pendingSend.push(&t.streams, s)
	t.wcond.Signal()
	return nil
}

// sendData queues p (copied into a pooled buffer). It blocks once more
// than maxStreamBufferedSend bytes are queued, which is how the peer's
// flow control reaches the caller.
func (t *H2Transport) sendData(s *H2Stream, p []byte, endStream bool) error {
	for {
		t.mu.Lock()
		if t.state == closing {
			t.mu.Unlock()
			return ErrConnClosing
		}
		if s.state.isClosed() {
			reset := s.state.isLocallyReset()
			err := s.Error
			t.mu.Unlock()
			if reset {
				return ErrSendAfterReset
			}
			if err != nil {
				return err
			}
			return errStreamDone
		}
		if s.state.isSendClosed() {
			t.mu.Unlock()
			return errStreamDone
		}
		if s.bufferedSendData < maxStreamBufferedSend || len(p) == 0 {
			if endStream {
				if err := s.state.sendClose(); err != nil {
					t.mu.Unlock()
					return err
				}
			}
			buf := nio.GetBuffer()
			buf.Write(p)
			s.pendingSend.pushBack(&outFrame{kind: outData, data: buf, endStream: endStream})
			s.bufferedSendData += len(p)
			t.pendingSend.push(&t.streams, s)
			t.wcond.Signal()
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		select {
		case <-s.sendAvail:
		case <-s.done:
		case <-s.ctx.Done():
			return ContextErr(s.ctx.Err())
		case <-t.done:
			return ErrConnClosing
		}
	}
}

// resetStream closes the stream with RST_STREAM(code) toward the peer.
func (t *H2Transport) resetStream(s *H2Stream, code frame.ErrCode, scheduled bool) {
	t.mu.Lock()
	if s.state.isClosed() {
		t.mu.Unlock()
		return
	}
	s.state.sendReset(code, scheduled)
	t.queueResetLocked(s, code)
	t.finishStreamLocked(s)
	t.mu.Unlock()
}

// dropRef releases one user handle. The last drop of an unfinished
// stream cancels it toward the peer, so a forgotten stream never
// lingers on both sides.
func (t *H2Transport) dropRef(s *H2Stream) {
	t.mu.Lock()
	if s.ref > 0 {
		s.ref--
	}
	if s.ref > 0 {
		t.mu.Unlock()
		return
	}
	if !s.state.isClosed() {
		s.state.sendReset(frame.ErrCodeCancel, true)
		t.queueResetLocked(s, frame.ErrCodeCancel)
		t.finishStreamLocked(s)
	} else {
		t.streams.releaseIfDone(s)
	}
	t.mu.Unlock()
}

// updateWindow returns n consumed bytes to the stream's receive
// window. The actual WINDOW_UPDATE is batched: the writer only emits
// one once more than half the window is owed.
func (t *H2Transport) updateWindow(s *H2Stream, n uint32) {
	t.mu.Lock()
	if !s.state.isRecvClosed() {
		s.recvFlow.assignCapacity(n)
		t.pendingWindowUpdate.push(&t.streams, s)
		t.wcond.Signal()
	}
	t.mu.Unlock()
}
