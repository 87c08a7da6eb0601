package h2

import (
	"errors"

	"github.com/h2mux/h2mux/h2/frame"
)

// The stream lifecycle of RFC 7540 section 5.1, with each open side
// tracked separately so a HEADERS/DATA arriving out of order is caught
// exactly where the RFC wants it caught.
//
//	idle -> open | reservedLocal | reservedRemote
//	open -> halfClosedLocal | halfClosedRemote -> closed
//
// closed is terminal. The only backward-looking exception: a reset we
// queued ourselves may be overridden by the peer's own RST_STREAM
// arriving first, so the recorded cause stays accurate.
type stateKind uint8

const (
	stateIdle stateKind = iota
	stateReservedLocal
	stateReservedRemote
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

var stateName = map[stateKind]string{
	stateIdle:             "idle",
	stateReservedLocal:    "reservedLocal",
	stateReservedRemote:   "reservedRemote",
	stateOpen:             "open",
	stateHalfClosedLocal:  "halfClosedLocal",
	stateHalfClosedRemote: "halfClosedRemote",
	stateClosed:           "closed",
}

func (k stateKind) String() string { return stateName[k] }

// peerState is the per-side sub-state while a stream is open:
// before the first HEADERS of that direction, the side is still
// awaiting headers; after, it is streaming DATA.
type peerState uint8

const (
	peerAwaitingHeaders peerState = iota
	peerStreaming
)

// causeKind records why a stream reached closed.
type causeKind uint8

const (
	causeNone causeKind = iota
	// causeEndStream - both sides finished cleanly with END_STREAM.
	causeEndStream
	// causeProto - the peer broke the protocol on this stream.
	causeProto
	// causeLocallyReset - we sent (or queued) RST_STREAM ourselves.
	causeLocallyReset
	// causeIo - the transport died underneath the stream.
	causeIo
	// causeScheduled - an internal reset was scheduled (refused stream,
	// implicit cancel on last handle drop).
	causeScheduled
)

type closeCause struct {
	kind   causeKind
	reason frame.ErrCode
}

type streamState struct {
	kind   stateKind
	local  peerState
	remote peerState
	cause  closeCause
}

var errStateProto = frame.ConnectionError(frame.ErrCodeProtocol)

// sendOpen moves an idle or reserved-local stream to open (or straight
// to halfClosedLocal when the first frame already carries END_STREAM).
func (s *streamState) sendOpen(eos bool) error {
	switch s.kind {
	case stateIdle:
		if eos {
			s.kind = stateHalfClosedLocal
			s.remote = peerAwaitingHeaders
		} else {
			s.kind = stateOpen
			s.local = peerStreaming
			s.remote = peerAwaitingHeaders
		}
	case stateReservedLocal:
		if eos {
			s.kind = stateClosed
			s.cause = closeCause{kind: causeEndStream}
		} else {
			s.kind = stateHalfClosedRemote
			s.local = peerStreaming
		}
	case stateOpen:
		if s.local != peerAwaitingHeaders {
			return ErrUnexpectedFrameType
		}
		s.local = peerStreaming
		if eos {
			s.kind = stateHalfClosedLocal
		}
	case stateHalfClosedRemote:
		// Response headers after the peer already sent END_STREAM.
		if s.local != peerAwaitingHeaders {
			return ErrUnexpectedFrameType
		}
		s.local = peerStreaming
		if eos {
			s.kind = stateClosed
			s.cause = closeCause{kind: causeEndStream}
		}
	default:
		return ErrUnexpectedFrameType
	}
	return nil
}

// recvOpen is the remote mirror of sendOpen. It reports whether this
// was the initial open of the stream, which is what decides if the
// stream starts counting against the concurrency limit.
func (s *streamState) recvOpen(eos bool) (initial bool, err error) {
	switch s.kind {
	case stateIdle:
		initial = true
		if eos {
			s.kind = stateHalfClosedRemote
			s.local = peerAwaitingHeaders
		} else {
			s.kind = stateOpen
			s.local = peerAwaitingHeaders
			s.remote = peerStreaming
		}
	case stateReservedRemote:
		initial = true
		if eos {
			s.kind = stateClosed
			s.cause = closeCause{kind: causeEndStream}
		} else {
			s.kind = stateHalfClosedLocal
			s.remote = peerStreaming
		}
	case stateOpen:
		if s.remote != peerAwaitingHeaders {
			return false, errStateProto
		}
		s.remote = peerStreaming
		if eos {
			s.kind = stateHalfClosedRemote
		}
	case stateHalfClosedLocal:
		// Response headers, or trailers ending the stream.
		if s.remote == peerAwaitingHeaders {
			s.remote = peerStreaming
		}
		if eos {
			s.kind = stateClosed
			s.cause = closeCause{kind: causeEndStream}
		}
	default:
		return false, errStateProto
	}
	return initial, nil
}

// reserveLocal is the PUSH_PROMISE send path; only legal from idle.
func (s *streamState) reserveLocal() error {
	if s.kind != stateIdle {
		return ErrUnexpectedFrameType
	}
	s.kind = stateReservedLocal
	return nil
}

// reserveRemote is the PUSH_PROMISE receive path; only legal from idle.
func (s *streamState) reserveRemote() error {
	if s.kind != stateIdle {
		return errStateProto
	}
	s.kind = stateReservedRemote
	return nil
}

// sendClose records the local END_STREAM.
func (s *streamState) sendClose() error {
	switch s.kind {
	case stateOpen:
		s.kind = stateHalfClosedLocal
	case stateHalfClosedRemote:
		s.kind = stateClosed
		s.cause = closeCause{kind: causeEndStream}
	default:
		return ErrUnexpectedFrameType
	}
	return nil
}

// recvClose records the remote END_STREAM.
func (s *streamState) recvClose() error {
	switch s.kind {
	case stateOpen:
		s.kind = stateHalfClosedRemote
	case stateHalfClosedLocal:
		s.kind = stateClosed
		s.cause = closeCause{kind: causeEndStream}
	default:
		return errStateProto
	}
	return nil
}

// recvReset closes the stream with the peer's reset code. queued is
// true when we had speculatively closed the stream ourselves (a local
// reset is sitting in the send queue); the peer's reset wins then, so
// the recorded cause reflects what actually happened on the wire.
func (s *streamState) recvReset(reason frame.ErrCode, queued bool) {
	if s.kind == stateClosed && !(queued && s.cause.kind == causeLocallyReset) {
		return
	}
	s.kind = stateClosed
	s.cause = closeCause{kind: causeProto, reason: reason}
}

// recvErr closes the stream because of a connection-level fault.
func (s *streamState) recvErr(err error) {
	if s.kind == stateClosed {
		return
	}
	s.kind = stateClosed
	if _, ok := err.(frame.ConnectionError); ok {
		s.cause = closeCause{kind: causeProto, reason: frame.ErrCodeProtocol}
		if ce, ok := err.(frame.ConnectionError); ok {
			s.cause.reason = frame.ErrCode(ce)
		}
		return
	}
	s.cause = closeCause{kind: causeIo}
}

// sendReset closes the stream as locally reset with the given code.
func (s *streamState) sendReset(reason frame.ErrCode, scheduled bool) {
	if s.kind == stateClosed {
		return
	}
	s.kind = stateClosed
	if scheduled {
		s.cause = closeCause{kind: causeScheduled, reason: reason}
	} else {
		s.cause = closeCause{kind: causeLocallyReset, reason: reason}
	}
}

// ensureRecvOpen reports whether more frames may arrive for the
// stream. A cleanly finished or locally reset stream returns false
// with no error; a stream the peer broke surfaces the stored reason.
func (s *streamState) ensureRecvOpen() (bool, error) {
	if s.kind != stateClosed {
		return true, nil
	}
	switch s.cause.kind {
	case causeProto:
		return false, frame.StreamErrorf(0, s.cause.reason, "stream reset by peer")
	case causeIo:
		return false, errors.New("transport error on closed stream")
	default:
		return false, nil
	}
}

// ensureReasonToRecv maps the terminal cause to the error a pending
// read should observe, or nil for a clean END_STREAM close.
func (s *streamState) ensureReasonToRecv() error {
	if s.kind != stateClosed {
		return nil
	}
	switch s.cause.kind {
	case causeProto, causeLocallyReset, causeScheduled:
		if s.cause.reason == frame.ErrCodeNo {
			return nil
		}
		return errStreamRST
	case causeIo:
		return ErrConnClosing
	}
	return nil
}

func (s *streamState) isClosed() bool { return s.kind == stateClosed }

// isRecvClosed reports that no more frames are expected from the peer.
func (s *streamState) isRecvClosed() bool {
	switch s.kind {
	case stateClosed, stateHalfClosedRemote, stateReservedLocal:
		return true
	}
	return false
}

// isSendClosed reports that the local side may not send any more frames.
func (s *streamState) isSendClosed() bool {
	switch s.kind {
	case stateClosed, stateHalfClosedLocal, stateReservedRemote:
		return true
	}
	return false
}

func (s *streamState) isIdle() bool { return s.kind == stateIdle }

// isLocallyReset reports a close we initiated (explicit or scheduled).
func (s *streamState) isLocallyReset() bool {
	return s.kind == stateClosed &&
		(s.cause.kind == causeLocallyReset || s.cause.kind == causeScheduled)
}

func (s *streamState) canRecvData() bool {
	switch s.kind {
	case stateOpen, stateHalfClosedLocal:
		return s.remote == peerStreaming
	}
	return false
}
