package h2

import (
	"testing"

	"github.com/h2mux/h2mux/h2/frame"
)

func TestStateCleanLifecycle(t *testing.T) {
	var s streamState
	if !s.isIdle() {
		t.Fatal("zero state should be idle")
	}
	if err := s.sendOpen(false); err != nil {
		t.Fatal(err)
	}
	if s.kind != stateOpen {
		t.Fatalf("state = %v, want open", s.kind)
	}
	if err := s.sendClose(); err != nil {
		t.Fatal(err)
	}
	if s.kind != stateHalfClosedLocal {
		t.Fatalf("state = %v, want halfClosedLocal", s.kind)
	}
	if _, err := s.recvOpen(false); err != nil {
		t.Fatal(err)
	}
	if err := s.recvClose(); err != nil {
		t.Fatal(err)
	}
	if !s.isClosed() || s.cause.kind != causeEndStream {
		t.Fatalf("state = %v cause %v, want clean close", s.kind, s.cause.kind)
	}
}

func TestStateOpenWithEndStream(t *testing.T) {
	var s streamState
	initial, err := s.recvOpen(true)
	if err != nil {
		t.Fatal(err)
	}
	if !initial {
		t.Fatal("first recvOpen should report the initial open")
	}
	if s.kind != stateHalfClosedRemote {
		t.Fatalf("state = %v, want halfClosedRemote", s.kind)
	}
	// Response after the peer finished.
	if err := s.sendOpen(true); err != nil {
		t.Fatal(err)
	}
	if !s.isClosed() || s.cause.kind != causeEndStream {
		t.Fatalf("state = %v, want closed clean", s.kind)
	}
}

func TestStateClosedIsTerminal(t *testing.T) {
	var s streamState
	s.sendOpen(false)
	s.sendReset(frame.ErrCodeCancel, false)
	if !s.isLocallyReset() {
		t.Fatal("expected locally reset")
	}
	// A later IO error must not overwrite the recorded cause.
	s.recvErr(ErrConnClosing)
	if s.cause.kind != causeLocallyReset {
		t.Fatalf("cause = %v, want causeLocallyReset", s.cause.kind)
	}
}

func TestStateRecvResetOverridesQueuedLocalReset(t *testing.T) {
	var s streamState
	s.sendOpen(false)
	s.sendReset(frame.ErrCodeCancel, false)
	// The peer's reset raced ours and arrived first; with the local
	// reset still queued, the wire truth wins.
	s.recvReset(frame.ErrCodeRefusedStream, true)
	if s.cause.kind != causeProto || s.cause.reason != frame.ErrCodeRefusedStream {
		t.Fatalf("cause = %v/%v, want peer reset recorded", s.cause.kind, s.cause.reason)
	}
	// Without a queued local reset, a late peer reset changes nothing.
	var s2 streamState
	s2.sendOpen(false)
	s2.sendReset(frame.ErrCodeCancel, false)
	s2.recvReset(frame.ErrCodeRefusedStream, false)
	if s2.cause.kind != causeLocallyReset {
		t.Fatalf("cause = %v, want local reset kept", s2.cause.kind)
	}
}

func TestStateHeadersInWrongOrder(t *testing.T) {
	var s streamState
	s.sendOpen(false)
	if err := s.sendOpen(false); err == nil {
		t.Fatal("second sendOpen while streaming should fail")
	}
	var r streamState
	r.recvOpen(false)
	r.recvClose()
	if _, err := r.recvOpen(false); err == nil {
		t.Fatal("recvOpen after recvClose should fail")
	}
}

func TestStateEnsureReasonToRecv(t *testing.T) {
	var s streamState
	s.sendOpen(false)
	s.recvReset(frame.ErrCodeCancel, false)
	if err := s.ensureReasonToRecv(); err != errStreamRST {
		t.Fatalf("err = %v, want errStreamRST", err)
	}
	var c streamState
	c.sendOpen(true)
	c.recvOpen(true)
	if err := c.ensureReasonToRecv(); err != nil {
		t.Fatalf("clean close should read as EOF, got %v", err)
	}
	var i streamState
	i.sendOpen(false)
	i.recvErr(ErrConnClosing)
	if err := i.ensureReasonToRecv(); err != ErrConnClosing {
		t.Fatalf("err = %v, want ErrConnClosing", err)
	}
}

func TestStateReserved(t *testing.T) {
	var s streamState
	if err := s.reserveLocal(); err != nil {
		t.Fatal(err)
	}
	if err := s.sendOpen(false); err != nil {
		t.Fatal(err)
	}
	if s.kind != stateHalfClosedRemote {
		t.Fatalf("state = %v, want halfClosedRemote", s.kind)
	}
	var r streamState
	if err := r.reserveRemote(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.recvOpen(true); err != nil {
		t.Fatal(err)
	}
	if !r.isClosed() {
		t.Fatalf("state = %v, want closed", r.kind)
	}
}
