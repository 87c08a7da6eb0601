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
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/h2/hpack"
	"github.com/h2mux/h2mux/nio"
	"github.com/h2mux/h2mux/tel"
)

// Varz-style counters, exposed on /debug/vars and in prometheus form
// through tel.HandleMetrics. Stream outcomes share one labeled metric.
var (
	varzConnections      = tel.Get("h2_connections_total")
	varzStreamsStarted   = tel.WithLabels("h2_streams_total", "started")
	varzStreamsSucceeded = tel.WithLabels("h2_streams_total", "succeeded")
	varzStreamsFailed    = tel.WithLabels("h2_streams_total", "failed")
	varzKeepalives       = tel.Get("h2_keepalives_total")
	varzGoAways          = tel.Get("h2_goaway_total")
)

type transportState int

const (
	reachable transportState = iota
	draining
	closing
)

type ctrlKind uint8

const (
	ctrlSettings ctrlKind = iota
	ctrlSettingsAck
	ctrlPing
	ctrlGoAway
	ctrlWindowUpdate
	ctrlReset
)

// controlFrame is one queued connection-level frame. Control frames
// jump ahead of all stream traffic; the writer drains this FIFO before
// consulting the stream scheduler.
type controlFrame struct {
	kind     ctrlKind
	settings []frame.Setting

	// ping
	ack  bool
	data [8]byte

	// goaway / window update / reset
	streamID  uint32
	increment uint32
	code      frame.ErrCode
	debug     []byte
	closeConn bool
}

var (
	keepalivePingData = [8]byte{0x6b, 0x65, 0x65, 0x70, 0x61, 0x6c, 0x76, 0x31}
	drainPingData     = [8]byte{0x64, 0x72, 0x61, 0x69, 0x6e, 0x70, 0x6e, 0x67}
)

// H2Transport is one HTTP/2 connection, client or server. A reader
// goroutine parses and dispatches inbound frames; a writer goroutine
// drains the control queue and the round-robin stream scheduler. All
// mutable state is guarded by mu; the writer extracts work under the
// lock and writes to the wire outside it.
type H2Transport struct {
	// lastRead is the unix nano time of the last inbound frame, for
	// keepalive. Accessed atomically.
	lastRead int64

	side side
	conn net.Conn
	ctx  context.Context
	cancel context.CancelFunc

	framer *framer
	opts   *H2Config

	// Handle is called on each accepted stream, server side. Set it
	// before the connection starts reading.
	Handle func(*H2Stream)

	Events

	readerDone chan struct{}
	writerDone chan struct{}
	// done closes when the connection is fully shut down.
	done     chan struct{}
	doneOnce sync.Once

	kp               ClientParameters
	keepaliveEnabled bool
	kep              EnforcementPolicy

	mu    sync.Mutex
	wcond *sync.Cond // writer wakeup, shares mu

	streams store
	counts  counts

	pendingSend         streamQueue
	pendingCapacity     streamQueue
	pendingWindowUpdate streamQueue
	pendingOpen         streamQueue
	pendingResetExpired streamQueue

	// Connection-level flow control. sendFlow is the peer's grant to
	// us, recvFlow is our grant to the peer.
	sendFlow flowControl
	recvFlow flowControl

	control []*controlFrame

	// nextID is the next locally initiated stream id; ids are assigned
	// when the first HEADERS frame is scheduled, not when the stream is
	// created, so they are monotonic on the wire.
	nextID uint32
	// maxPeerID is the highest peer-initiated stream id seen.
	maxPeerID uint32

	peerInitialWindow  uint32
	localInitialWindow uint32
	peerMaxFrameSize   uint32
	peerMaxHeaderList  *uint32
	// pendingTableSize is a peer HEADER_TABLE_SIZE update the writer
	// has not applied to its encoder yet.
	pendingTableSize *uint32

	// expectSettings is set until the peer's first frame, which must be
	// SETTINGS.
	expectSettings bool

	state        transportState
	goAwayReason GoAwayReason
	goAwayDebug  string
	// lastPingAt and pingStrikes implement the server's keepalive
	// enforcement policy.
	lastPingAt  time.Time
	pingStrikes uint8

	// idleSince is set while no streams are active, for the server's
	// max-idle policy.
	idleSince time.Time

	// Error is the fatal error that shut the connection down.
	Error error

	// hBuf/hEnc are the writer goroutine's header encoder state.
	hBuf bytes.Buffer
	hEnc *hpack.Encoder
}

func newH2Transport(ctx context.Context, conn net.Conn, cfg *H2Config, s side) *H2Transport {
	if cfg == nil {
		cfg = &H2Config{}
	}
	ctx, cancel := context.WithCancel(ctx)
	maxStreams := cfg.MaxConcurrentStreams
	if maxStreams == 0 {
		maxStreams = defaultMaxStreamsClient
	}
	t := &H2Transport{
		side:       s,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		opts:       cfg,
		framer:     newFramer(conn, cfg.WriteBufferSize, cfg.ReadBufferSize, cfg.maxHeaderListSize(), cfg.maxFrameSize()),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),

		streams: newStore(),
		// The peer's limits start at the protocol defaults and are
		// replaced by its first SETTINGS frame.
		counts: newCounts(defaultMaxStreamsClient, maxStreams),

		pendingSend:         newStreamQueue(qSend),
		pendingCapacity:     newStreamQueue(qCapacity),
		pendingWindowUpdate: newStreamQueue(qWindowUpdate),
		pendingOpen:         newStreamQueue(qOpen),
		pendingResetExpired: newStreamQueue(qResetExpire),

		sendFlow: newFlowControl(defaultWindowSize),
		recvFlow: newFlowControl(defaultWindowSize),

		peerInitialWindow:  defaultWindowSize,
		localInitialWindow: cfg.initialWindowSize(),
		peerMaxFrameSize:   http2MaxFrameLen,

		expectSettings: true,
	}
	t.wcond = sync.NewCond(&t.mu)
	t.hEnc = hpack.NewEncoder(&t.hBuf)
	t.lastRead = time.Now().UnixNano()
	varzConnections.Add(1)
	return t
}

// localSettings is the SETTINGS frame announced at connection start.
func (t *H2Transport) localSettings() []frame.Setting {
	var ss []frame.Setting
	if t.side == serverSide {
		ss = append(ss, frame.Setting{ID: frame.SettingMaxConcurrentStreams, Val: t.counts.maxRecv})
		// Push is never offered to clients and never accepted from servers.
		ss = append(ss, frame.Setting{ID: frame.SettingEnablePush, Val: 0})
	}
	if t.localInitialWindow != defaultWindowSize {
		ss = append(ss, frame.Setting{ID: frame.SettingInitialWindowSize, Val: t.localInitialWindow})
	}
	if v := t.opts.maxFrameSize(); v != http2MaxFrameLen {
		ss = append(ss, frame.Setting{ID: frame.SettingMaxFrameSize, Val: v})
	}
	ss = append(ss, frame.Setting{ID: frame.SettingMaxHeaderListSize, Val: t.opts.maxHeaderListSize()})
	if t.opts.HeaderTableSize != nil {
		ss = append(ss, frame.Setting{ID: frame.SettingHeaderTableSize, Val: *t.opts.HeaderTableSize})
	}
	return ss
}

func (t *H2Transport) logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// reader parses and dispatches inbound frames until the connection
// dies. Stream-scoped errors reset one stream; everything else takes
// the connection down.
func (t *H2Transport) reader() {
	defer close(t.readerDone)
	for {
		f, err := t.framer.fr.ReadFrame()
		if t.keepaliveEnabled {
			atomic.StoreInt64(&t.lastRead, time.Now().UnixNano())
		}
		if err != nil {
			if se, ok := err.(frame.StreamError); ok {
				t.mu.Lock()
				s := t.streams.find(se.StreamID)
				t.mu.Unlock()
				if s != nil {
					t.closeStream(s, se, true, se.Code)
				} else {
					t.queueControl(&controlFrame{kind: ctrlReset, streamID: se.StreamID, code: se.Code})
				}
				continue
			}
			t.Close(connectionErrorf(true, err, "read frame: %v", err))
			return
		}
		if t.expectSettings {
			sf, ok := f.(*frame.SettingsFrame)
			if !ok || sf.IsAck() {
				t.Close(connectionErrorf(true, nil, "first frame received is %T, want SETTINGS", f))
				return
			}
			t.expectSettings = false
		}
		switch f := f.(type) {
		case *frame.MetaHeadersFrame:
			t.operateHeaders(f)
		case *frame.DataFrame:
			t.handleData(f)
		case *frame.RSTStreamFrame:
			t.handleRSTStream(f)
		case *frame.SettingsFrame:
			t.handleSettings(f)
		case *frame.PingFrame:
			t.handlePing(f)
		case *frame.GoAwayFrame:
			t.handleGoAway(f)
		case *frame.WindowUpdateFrame:
			t.handleWindowUpdate(f)
		case *frame.PushPromiseFrame:
			// Push is disabled on both sides.
			t.Close(connectionErrorf(true, nil, "received PUSH_PROMISE with push disabled"))
			return
		default:
			// Unknown frame types are ignored, per RFC 7540 section 4.1.
		}
	}
}

func (t *H2Transport) queueControl(cf *controlFrame) {
	t.mu.Lock()
	t.control = append(t.control, cf)
	t.wcond.Signal()
	t.mu.Unlock()
}

func (t *H2Transport) handleSettings(f *frame.SettingsFrame) {
	if f.IsAck() {
		return
	}
	if f.HasDuplicates() {
		t.Close(connectionErrorf(true, nil, "SETTINGS frame with duplicate entries"))
		return
	}
	var ss []frame.Setting
	f.ForeachSetting(func(s frame.Setting) error {
		ss = append(ss, s)
		return nil
	})
	t.mu.Lock()
	for _, s := range ss {
		if err := s.Valid(); err != nil {
			t.mu.Unlock()
			t.Close(connectionErrorf(true, err, "invalid setting %v", s))
			return
		}
		switch s.ID {
		case frame.SettingInitialWindowSize:
			// Applies retroactively to every open stream's send window;
			// the result may be negative.
			delta := int64(s.Val) - int64(t.peerInitialWindow)
			t.peerInitialWindow = s.Val
			t.streams.forEach(func(st *H2Stream) {
				if delta > 0 {
					st.sendFlow.incWindow(uint32(delta))
					if !st.pendingSend.isEmpty() {
						t.pendingSend.push(&t.streams, st)
					}
				} else {
					st.sendFlow.decSendWindow(uint32(-delta))
				}
			})
		case frame.SettingMaxFrameSize:
			t.peerMaxFrameSize = s.Val
		case frame.SettingMaxConcurrentStreams:
			t.counts.applyRemoteMaxConcurrent(s.Val)
			t.promotePendingOpenLocked()
		case frame.SettingMaxHeaderListSize:
			v := s.Val
			t.peerMaxHeaderList = &v
		case frame.SettingHeaderTableSize:
			v := s.Val
			t.pendingTableSize = &v
		case frame.SettingEnablePush:
			if t.side == clientSide && s.Val != 0 {
				t.mu.Unlock()
				t.Close(connectionErrorf(true, nil, "server sent ENABLE_PUSH=%d", s.Val))
				return
			}
		}
	}
	t.control = append(t.control, &controlFrame{kind: ctrlSettingsAck})
	t.wcond.Signal()
	t.mu.Unlock()
	t.MuxEvent(Event_Settings)
}

const maxPingStrikes = 2

func (t *H2Transport) handlePing(f *frame.PingFrame) {
	if f.IsAck() {
		if f.Data == drainPingData {
			t.finishDrain()
		}
		// Keepalive acks only need the lastRead timestamp bump that
		// already happened in the reader.
		return
	}
	if t.side == serverSide && t.kep.MinTime > 0 {
		now := time.Now()
		defer func() { t.lastPingAt = now }()
		t.mu.Lock()
		active := t.counts.numSend+t.counts.numRecv > 0
		t.mu.Unlock()
		if (!active && !t.kep.PermitWithoutStream) || t.lastPingAt.Add(t.kep.MinTime).After(now) {
			t.pingStrikes++
		} else {
			t.pingStrikes = 0
		}
		if t.pingStrikes > maxPingStrikes {
			t.mu.Lock()
			t.control = append(t.control, &controlFrame{
				kind:      ctrlGoAway,
				streamID:  t.maxPeerID,
				code:      frame.ErrCodeEnhanceYourCalm,
				debug:     []byte("too_many_pings"),
				closeConn: true,
			})
			t.wcond.Signal()
			t.mu.Unlock()
			return
		}
	}
	t.queueControl(&controlFrame{kind: ctrlPing, ack: true, data: f.Data})
}

func (t *H2Transport) handleGoAway(f *frame.GoAwayFrame) {
	varzGoAways.Add(1)
	t.mu.Lock()
	if t.state == closing {
		t.mu.Unlock()
		return
	}
	t.goAwayReason = GoAwayNoReason
	if f.ErrCode == frame.ErrCodeEnhanceYourCalm && string(f.DebugData()) == "too_many_pings" {
		t.goAwayReason = GoAwayTooManyPings
	}
	t.goAwayDebug = string(f.DebugData())
	t.state = draining

	// Locally initiated streams above the advertised id were never
	// processed by the peer and are safe to retry elsewhere.
	var rejected []*H2Stream
	t.streams.forEach(func(s *H2Stream) {
		if s.localInit && s.Id > f.LastStreamID && !s.state.isClosed() {
			rejected = append(rejected, s)
		}
	})
	// Pending opens never reached the wire at all.
	for {
		s := t.pendingOpen.pop(&t.streams)
		if s == nil {
			break
		}
		rejected = append(rejected, s)
	}
	for _, s := range rejected {
		s.Error = ErrRejected
		s.state.recvReset(frame.ErrCodeRefusedStream, s.state.isLocallyReset())
		t.finishStreamLocked(s)
	}
	t.maybeCloseIfDoneLocked()
	t.mu.Unlock()
	t.MuxEvent(Event_GoAway)
}

func (t *H2Transport) handleWindowUpdate(f *frame.WindowUpdateFrame) {
	t.mu.Lock()
	if f.StreamID == 0 {
		if err := t.sendFlow.incWindow(f.Increment); err != nil {
			t.mu.Unlock()
			t.Close(connectionErrorf(true, err, "connection window overflow"))
			return
		}
		t.distributeCapacityLocked()
		t.wcond.Signal()
		t.mu.Unlock()
		return
	}
	s := t.streams.find(f.StreamID)
	if s == nil || s.state.isClosed() {
		// Late update for a finished stream; harmless.
		t.mu.Unlock()
		return
	}
	if err := s.sendFlow.incWindow(f.Increment); err != nil {
		t.queueResetLocked(s, frame.ErrCodeFlowControl)
		s.state.sendReset(frame.ErrCodeFlowControl, false)
		t.finishStreamLocked(s)
		t.mu.Unlock()
		return
	}
	if !s.pendingSend.isEmpty() {
		t.pendingSend.push(&t.streams, s)
		t.wcond.Signal()
	}
	t.mu.Unlock()
}

// distributeCapacityLocked moves streams blocked on the connection
// window back to the scheduler, first come first served, while credit
// remains.
func (t *H2Transport) distributeCapacityLocked() {
	for t.sendFlow.windowSize() > 0 {
		s := t.pendingCapacity.pop(&t.streams)
		if s == nil {
			return
		}
		if s.state.isClosed() && s.pendingSend.isEmpty() {
			t.streams.releaseIfDone(s)
			continue
		}
		if !s.pendingSend.isEmpty() {
			t.pendingSend.push(&t.streams, s)
		}
	}
}

// promotePendingOpenLocked starts queued opens while the peer's
// concurrency limit has room.
func (t *H2Transport) promotePendingOpenLocked() {
	for t.counts.canOpenSend() {
		s := t.pendingOpen.pop(&t.streams)
		if s == nil {
			return
		}
		if s.state.isClosed() {
			t.streams.releaseIfDone(s)
			continue
		}
		t.counts.incSend()
		s.isCounted = true
		t.idleSince = time.Time{}
		t.pendingSend.push(&t.streams, s)
		t.wcond.Signal()
	}
}

// expireResetsLocked forgets locally reset streams whose grace period
// ended, or the oldest one when the tracking budget is full.
func (t *H2Transport) expireResetsLocked(now time.Time, force bool) {
	for {
		head := t.streams.resolve(t.pendingResetExpired.head)
		if head == nil {
			return
		}
		if !force && now.Before(head.resetAt) {
			return
		}
		t.pendingResetExpired.pop(&t.streams)
		t.counts.decReset()
		t.streams.releaseIfDone(head)
		force = false
	}
}

// queueResetLocked drops the stream's queued DATA and schedules
// RST_STREAM. Header blocks already queued for a stream that reached
// the wire (a synthesized 431, trailers) still go out ahead of the
// reset; a stream with no id yet never made it to the wire, so
// everything is dropped.
func (t *H2Transport) queueResetLocked(s *H2Stream, code frame.ErrCode) {
	var keep []*outFrame
	for {
		f := s.pendingSend.popFront()
		if f == nil {
			break
		}
		if s.Id != 0 && (f.kind == outHeaders || f.kind == outTrailers) {
			keep = append(keep, f)
			continue
		}
		if f.data != nil {
			nio.PutBuffer(f.data)
		}
	}
	for _, f := range keep {
		s.pendingSend.pushBack(f)
	}
	s.bufferedSendData = 0
	s.pendingSend.pushBack(&outFrame{kind: outReset, code: code})
	t.pendingSend.push(&t.streams, s)

	// Remember the reset for a while so late frames from the peer are
	// tolerated instead of treated as protocol errors.
	if !t.counts.canTrackReset() {
		t.logf("transport: %v; forgetting the oldest", ErrTooManyResets)
		t.expireResetsLocked(time.Now(), true)
	}
	if t.counts.canTrackReset() {
		t.counts.incReset()
		s.resetAt = time.Now().Add(resetStreamDuration)
		t.pendingResetExpired.push(&t.streams, s)
	}
	t.wcond.Signal()
}

// finishStreamLocked runs the terminal bookkeeping once a stream's
// state machine reached closed: concurrency slots, stats, pending
// reads and waiters.
func (t *H2Transport) finishStreamLocked(s *H2Stream) {
	if s.finished {
		return
	}
	s.finished = true
	if s.isCounted {
		t.counts.decStream(s.localInit)
		s.isCounted = false
		t.promotePendingOpenLocked()
		if t.counts.numSend+t.counts.numRecv == 0 {
			t.idleSince = time.Now()
		}
	}
	if s.state.cause.kind == causeEndStream {
		varzStreamsSucceeded.Add(1)
	} else {
		varzStreamsFailed.Add(1)
	}
	if err := s.state.ensureReasonToRecv(); err != nil {
		if s.Error == nil {
			s.Error = err
		}
		s.buf.Put(nio.RecvMsg{Err: err})
		s.cancel()
	} else {
		s.buf.Put(nio.RecvMsg{Err: io.EOF})
	}
	s.closeHeaderChan()
	close(s.done)
	t.streams.releaseIfDone(s)
	t.maybeCloseIfDoneLocked()
	go t.streamEvent(EventStreamClosed, s)
}

// closeStream terminates one stream: err is delivered to pending
// reads, and rst queues RST_STREAM with rstCode.
func (t *H2Transport) closeStream(s *H2Stream, err error, rst bool, rstCode frame.ErrCode) {
	t.mu.Lock()
	t.closeStreamLocked(s, err, rst, rstCode)
	t.mu.Unlock()
}

func (t *H2Transport) closeStreamLocked(s *H2Stream, err error, rst bool, rstCode frame.ErrCode) {
	if s.finished {
		return
	}
	if err != nil && s.Error == nil {
		s.Error = err
	}
	if rst && !s.state.isClosed() {
		s.state.sendReset(rstCode, false)
		t.queueResetLocked(s, rstCode)
	} else if err != nil && !s.state.isClosed() {
		s.state.recvErr(err)
	}
	t.finishStreamLocked(s)
}

// maybeCloseIfDoneLocked shuts the connection down once it is draining
// and the last stream finished.
func (t *H2Transport) maybeCloseIfDoneLocked() {
	if t.state != draining {
		return
	}
	if t.counts.numSend+t.counts.numRecv > 0 {
		return
	}
	go t.Close(nil)
}

// Drain starts a graceful shutdown: a heads-up GOAWAY with the maximum
// stream id, then a ping; when the ping is acknowledged every in-flight
// stream has been seen and the real GOAWAY with the last accepted id
// follows. New streams are refused meanwhile.
func (t *H2Transport) Drain(debug string) {
	t.mu.Lock()
	if t.state != reachable {
		t.mu.Unlock()
		return
	}
	t.state = draining
	t.control = append(t.control,
		&controlFrame{kind: ctrlGoAway, streamID: maxWindowSize, code: frame.ErrCodeNo, debug: []byte(debug)},
		&controlFrame{kind: ctrlPing, data: drainPingData})
	t.wcond.Signal()
	t.mu.Unlock()
	varzGoAways.Add(1)
	t.MuxEvent(Event_GoAway)
}

// finishDrain sends the definitive GOAWAY after the drain ping came
// back.
func (t *H2Transport) finishDrain() {
	t.mu.Lock()
	if t.state != draining {
		t.mu.Unlock()
		return
	}
	last := t.maxPeerID
	t.control = append(t.control, &controlFrame{kind: ctrlGoAway, streamID: last, code: frame.ErrCodeNo})
	t.wcond.Signal()
	t.maybeCloseIfDoneLocked()
	t.mu.Unlock()
}

// Close tears the connection down. Every active stream fails with err
// (ErrConnClosing when nil) and both goroutines stop.
func (t *H2Transport) Close(err error) {
	t.mu.Lock()
	if t.state == closing {
		t.mu.Unlock()
		return
	}
	t.state = closing
	if err == nil {
		err = ErrConnClosing
	}
	t.Error = err
	var active []*H2Stream
	t.streams.forEach(func(s *H2Stream) {
		if !s.finished {
			active = append(active, s)
		}
	})
	for _, s := range active {
		if !s.state.isClosed() {
			s.state.recvErr(err)
		}
		t.finishStreamLocked(s)
	}
	t.wcond.Broadcast()
	t.mu.Unlock()

	t.cancel()
	t.conn.Close()
	t.doneOnce.Do(func() { close(t.done) })
	t.MuxEvent(Event_ConnClose)
}

// Done closes when the connection is fully shut down.
func (t *H2Transport) Done() <-chan struct{} { return t.done }

// GetGoAwayReason returns the reason and debug data of the last GOAWAY
// received from the peer.
func (t *H2Transport) GetGoAwayReason() (GoAwayReason, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goAwayReason, t.goAwayDebug
}

// keepalive probes the peer when the connection has been silent for
// kp.Time and closes it when even the probe gets no answer.
func (t *H2Transport) keepalive() {
	timer := time.NewTimer(t.kp.Time)
	defer timer.Stop()
	prevNano := time.Now().UnixNano()
	outstanding := false
	timeoutLeft := time.Duration(0)
	for {
		select {
		case <-timer.C:
		case <-t.done:
			return
		}
		lastRead := atomic.LoadInt64(&t.lastRead)
		if lastRead > prevNano {
			// Something arrived since the last check; no probe needed.
			outstanding = false
			prevNano = lastRead
			timer.Reset(time.Duration(lastRead-time.Now().UnixNano()) + t.kp.Time)
			continue
		}
		if outstanding {
			if timeoutLeft <= 0 {
				t.Close(connectionErrorf(true, nil, "keepalive ping not acked within timeout"))
				return
			}
			sleep := minTime(t.kp.Timeout, timeoutLeft)
			timeoutLeft -= sleep
			timer.Reset(sleep)
			continue
		}
		t.mu.Lock()
		if t.state == closing {
			t.mu.Unlock()
			return
		}
		idle := t.counts.numSend+t.counts.numRecv == 0
		if idle && !t.kp.PermitWithoutStream {
			t.mu.Unlock()
			timer.Reset(t.kp.Time)
			continue
		}
		varzKeepalives.Add(1)
		t.control = append(t.control, &controlFrame{kind: ctrlPing, data: keepalivePingData})
		t.wcond.Signal()
		t.mu.Unlock()
		outstanding = true
		timeoutLeft = t.kp.Timeout
		sleep := minTime(t.kp.Timeout, t.kp.Time)
		timeoutLeft -= sleep
		timer.Reset(sleep)
	}
}

// serverKeepalive enforces MaxConnectionIdle and sends server-side
// liveness pings.
func (t *H2Transport) serverKeepalive() {
	skp := t.opts.ServerKeepalive
	if skp.Time == 0 {
		skp.Time = defaultServerKeepaliveTime
	}
	if skp.Timeout == 0 {
		skp.Timeout = defaultServerKeepaliveTimeout
	}
	interval := skp.Time
	if skp.MaxConnectionIdle != 0 && skp.MaxConnectionIdle < interval {
		interval = skp.MaxConnectionIdle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	outstandingSince := time.Time{}
	for {
		select {
		case <-ticker.C:
		case <-t.done:
			return
		}
		if skp.MaxConnectionIdle != 0 {
			t.mu.Lock()
			idleSince := t.idleSince
			t.mu.Unlock()
			if !idleSince.IsZero() && time.Since(idleSince) >= skp.MaxConnectionIdle {
				t.Drain("max_idle")
				return
			}
		}
		lastRead := time.Unix(0, atomic.LoadInt64(&t.lastRead))
		if time.Since(lastRead) < skp.Time {
			outstandingSince = time.Time{}
			continue
		}
		if !outstandingSince.IsZero() && time.Since(outstandingSince) >= skp.Timeout {
			t.Close(connectionErrorf(true, nil, "server keepalive ping not acked within timeout"))
			return
		}
		if outstandingSince.IsZero() {
			outstandingSince = time.Now()
			varzKeepalives.Add(1)
			t.queueControl(&controlFrame{kind: ctrlPing, data: keepalivePingData})
		}
	}
}
