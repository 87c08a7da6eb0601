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
	"time"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/h2/hpack"
	"github.com/h2mux/h2mux/nio"
)

// maxStreamBufferedSend is the per-stream cap on queued DATA bytes;
// Write blocks above it until the scheduler drains the queue.
const maxStreamBufferedSend = 64 << 10

// writeAction is one unit of work extracted from the scheduler under
// the lock and written to the wire outside it.
type writeAction struct {
	s         *H2Stream
	kind      outFrameKind
	streamID  uint32
	hf        []hpack.HeaderField
	endStream bool
	data      []byte
	recycle   *bytes.Buffer
	code      frame.ErrCode
}

// writer is the only goroutine that touches the wire after the
// handshake. It services the control queue first, then owed
// WINDOW_UPDATEs, then streams round-robin, and flushes when it runs
// out of work.
func (t *H2Transport) writer() {
	defer close(t.writerDone)
	dirty := false
	for {
		t.mu.Lock()
		for len(t.control) == 0 && !t.hasStreamWorkLocked() {
			if t.state == closing {
				t.mu.Unlock()
				t.framer.writer.Flush()
				return
			}
			if dirty {
				t.mu.Unlock()
				t.framer.writer.Flush()
				dirty = false
				t.mu.Lock()
				continue
			}
			t.wcond.Wait()
		}
		if t.state == closing {
			t.mu.Unlock()
			t.framer.writer.Flush()
			return
		}
		var err error
		if len(t.control) > 0 {
			cf := t.control[0]
			t.control[0] = nil
			t.control = t.control[1:]
			t.mu.Unlock()
			err = t.writeControl(cf)
			if err == nil && cf.kind == ctrlGoAway && cf.closeConn {
				t.framer.writer.Flush()
				t.Close(connectionErrorf(false, nil, "goaway: %s", string(cf.debug)))
				return
			}
		} else if id, incr, ok := t.nextWindowUpdateLocked(); ok {
			t.mu.Unlock()
			err = t.framer.fr.WriteWindowUpdate(id, incr)
		} else if wa, ok := t.popFrameLocked(); ok {
			t.mu.Unlock()
			err = t.writeFrame(wa)
		} else {
			t.mu.Unlock()
			continue
		}
		dirty = true
		if err != nil {
			t.Close(connectionErrorf(true, err, "write: %v", err))
			return
		}
	}
}

func (t *H2Transport) hasStreamWorkLocked() bool {
	return !t.pendingWindowUpdate.isEmpty() || !t.pendingSend.isEmpty()
}

func (t *H2Transport) writeControl(cf *controlFrame) error {
	switch cf.kind {
	case ctrlSettings:
		return t.framer.fr.WriteSettings(cf.settings...)
	case ctrlSettingsAck:
		return t.framer.fr.WriteSettingsAck()
	case ctrlPing:
		return t.framer.fr.WritePing(cf.ack, cf.data)
	case ctrlGoAway:
		return t.framer.fr.WriteGoAway(cf.streamID, cf.code, cf.debug)
	case ctrlWindowUpdate:
		return t.framer.fr.WriteWindowUpdate(cf.streamID, cf.increment)
	case ctrlReset:
		return t.framer.fr.WriteRSTStream(cf.streamID, cf.code)
	}
	return nil
}

// nextWindowUpdateLocked pops streams owing the peer credit until one
// crosses the batching threshold. Below-threshold streams keep their
// assigned capacity and are re-queued by the next Read.
func (t *H2Transport) nextWindowUpdateLocked() (id, incr uint32, ok bool) {
	for {
		s := t.pendingWindowUpdate.pop(&t.streams)
		if s == nil {
			return 0, 0, false
		}
		if s.state.isRecvClosed() {
			t.streams.releaseIfDone(s)
			continue
		}
		unclaimed, over := s.recvFlow.unclaimedCapacity()
		if !over {
			continue
		}
		s.recvFlow.claimCapacity(unclaimed)
		s.recvFlow.incWindow(unclaimed)
		return s.Id, unclaimed, true
	}
}

// popFrameLocked is the round-robin scheduler. It takes the next
// sendable frame; a DATA frame is capped by the max frame size, the
// stream window and the connection window, and whatever does not fit
// stays at the front of the stream's own queue.
func (t *H2Transport) popFrameLocked() (writeAction, bool) {
	for {
		s := t.pendingSend.pop(&t.streams)
		if s == nil {
			return writeAction{}, false
		}
		f := s.pendingSend.peekFront()
		if f == nil {
			t.streams.releaseIfDone(s)
			continue
		}
		if s.state.isClosed() && s.state.cause.kind != causeEndStream &&
			s.state.cause.kind != causeScheduled && f.kind != outReset {
			// The stream died before its frames went out; only a
			// queued reset is still worth sending. A clean END_STREAM
			// close keeps flushing what was queued before it, and a
			// scheduled reset flushes queued header blocks (a
			// synthesized 431) before the RST_STREAM.
			for {
				of := s.pendingSend.popFront()
				if of == nil {
					break
				}
				if of.data != nil {
					nio.PutBuffer(of.data)
				}
			}
			t.streams.releaseIfDone(s)
			continue
		}
		var wa writeAction
		switch f.kind {
		case outHeaders:
			if s.Id == 0 {
				if t.nextID > maxWindowSize {
					s.pendingSend.popFront()
					t.failStreamLocked(s, ErrOverflowedStreamID)
					continue
				}
				s.Id = t.nextID
				t.nextID += 2
				t.streams.registerID(s)
			}
			s.pendingSend.popFront()
			wa = writeAction{s: s, kind: outHeaders, streamID: s.Id, hf: f.hf, endStream: f.endStream}
		case outTrailers:
			s.pendingSend.popFront()
			wa = writeAction{s: s, kind: outTrailers, streamID: s.Id, hf: f.hf, endStream: true}
		case outReset:
			s.pendingSend.popFront()
			if s.Id == 0 {
				// Cancelled before anything reached the wire.
				t.streams.releaseIfDone(s)
				continue
			}
			wa = writeAction{s: s, kind: outReset, streamID: s.Id, code: f.code}
		case outData:
			n := f.data.Len()
			if m := int(t.peerMaxFrameSize); n > m {
				n = m
			}
			if sw := s.sendFlow.windowSize(); int32(n) > sw {
				n = int(sw)
			}
			if cw := t.sendFlow.windowSize(); int32(n) > cw {
				n = int(cw)
			}
			if n < 0 {
				n = 0
			}
			if n == 0 && f.data.Len() > 0 {
				// Blocked on flow control. The frame stays where it is; a
				// dry connection window parks the stream on the capacity
				// queue, a dry stream window is revived by the peer's
				// WINDOW_UPDATE directly.
				if t.sendFlow.windowSize() <= 0 {
					t.pendingCapacity.push(&t.streams, s)
				}
				continue
			}
			endStream := f.endStream && n == f.data.Len()
			if n > 0 {
				s.sendFlow.decSendWindow(uint32(n))
				t.sendFlow.decSendWindow(uint32(n))
			}
			data := f.data.Next(n)
			var recycle *bytes.Buffer
			if f.data.Len() == 0 {
				s.pendingSend.popFront()
				recycle = f.data
			}
			s.bufferedSendData -= n
			if s.bufferedSendData < maxStreamBufferedSend {
				select {
				case s.sendAvail <- struct{}{}:
				default:
				}
			}
			wa = writeAction{s: s, kind: outData, streamID: s.Id, data: data, recycle: recycle, endStream: endStream}
		}
		if !s.pendingSend.isEmpty() {
			// Back to the tail; every stream with work gets a turn.
			t.pendingSend.push(&t.streams, s)
		} else {
			t.streams.releaseIfDone(s)
		}
		return wa, true
	}
}

func (t *H2Transport) failStreamLocked(s *H2Stream, err error) {
	if s.Error == nil {
		s.Error = err
	}
	// The stream never reached the wire; nothing queued can be sent.
	for {
		of := s.pendingSend.popFront()
		if of == nil {
			break
		}
		if of.data != nil {
			nio.PutBuffer(of.data)
		}
	}
	s.state.sendReset(frame.ErrCodeInternal, true)
	t.finishStreamLocked(s)
}

func (t *H2Transport) writeFrame(wa writeAction) error {
	switch wa.kind {
	case outHeaders, outTrailers:
		return t.writeHeaderBlock(wa.streamID, wa.hf, wa.endStream)
	case outData:
		err := t.framer.fr.WriteData(wa.streamID, wa.endStream, wa.data)
		if wa.recycle != nil {
			nio.PutBuffer(wa.recycle)
		}
		if wa.s != nil {
			wa.s.LastWrite = time.Now()
		}
		return err
	case outReset:
		return t.framer.fr.WriteRSTStream(wa.streamID, wa.code)
	}
	return nil
}

// writeHeaderBlock encodes the fields and emits HEADERS plus as many
// CONTINUATIONs as the peer's max frame size requires.
func (t *H2Transport) writeHeaderBlock(id uint32, hf []hpack.HeaderField, endStream bool) error {
	t.mu.Lock()
	if ts := t.pendingTableSize; ts != nil {
		t.hEnc.SetMaxDynamicTableSize(*ts)
		t.pendingTableSize = nil
	}
	max := int(t.peerMaxFrameSize)
	t.mu.Unlock()
	t.hBuf.Reset()
	for _, f := range hf {
		if err := t.hEnc.WriteField(f); err != nil {
			return err
		}
	}
	first := true
	for {
		b := t.hBuf.Next(max)
		end := t.hBuf.Len() == 0
		var err error
		if first {
			err = t.framer.fr.WriteHeaders(frame.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: b,
				EndStream:     endStream,
				EndHeaders:    end,
			})
			first = false
		} else {
			err = t.framer.fr.WriteContinuation(id, end, b)
		}
		if err != nil {
			return err
		}
		if end {
			return nil
		}
	}
}
