package h2

import (
	"fmt"

	"github.com/h2mux/h2mux/h2/frame"
)

// flowControl tracks the credit for one direction of one entity, a
// stream or the whole connection.
//
// window is the credit the peer granted (or that we granted the peer,
// on the receive side). It can go negative: a SETTINGS shrink of
// INITIAL_WINDOW_SIZE applies retroactively to data already in flight.
//
// available is the part of the credit actually handed out: on the send
// side, connection capacity assigned to a specific stream; on the
// receive side, capacity consumed by the application but not yet
// returned to the peer with a WINDOW_UPDATE. The two move
// independently and are reconciled by the scheduler.
type flowControl struct {
	window    int32
	available int32
}

func newFlowControl(window uint32) flowControl {
	return flowControl{window: int32(window)}
}

func (f *flowControl) windowSize() int32 { return f.window }

func (f *flowControl) availableCapacity() int32 { return f.available }

// capacity is what a sender may actually put on the wire right now.
func (f *flowControl) capacity() int32 {
	if f.available < f.window {
		return f.available
	}
	return f.window
}

// incWindow grows the window by sz. Overflow past 2^31-1 is a
// FLOW_CONTROL_ERROR per RFC 7540 section 6.9.1.
func (f *flowControl) incWindow(sz uint32) error {
	v := int64(f.window) + int64(sz)
	if v > maxWindowSize {
		return frame.ConnectionError(frame.ErrCodeFlowControl)
	}
	f.window = int32(v)
	return nil
}

// decSendWindow shrinks the window without touching available. Used
// when the peer lowers INITIAL_WINDOW_SIZE; the result may be negative.
func (f *flowControl) decSendWindow(sz uint32) {
	f.window -= int32(sz)
}

// decRecvWindow is decSendWindow for the receive direction.
func (f *flowControl) decRecvWindow(sz uint32) {
	f.window -= int32(sz)
}

// assignCapacity hands sz of the window out as usable capacity.
func (f *flowControl) assignCapacity(sz uint32) {
	f.available += int32(sz)
}

// claimCapacity takes back capacity that was assigned but not used.
func (f *flowControl) claimCapacity(sz uint32) {
	if int32(sz) > f.available {
		panic(fmt.Sprintf("h2: claiming %d capacity, only %d assigned", sz, f.available))
	}
	f.available -= int32(sz)
}

// unclaimedCapacity returns the consumed-but-unannounced credit on a
// receive flow, but only once it exceeds half the current window.
// Batching WINDOW_UPDATEs this way trades a small bounded over-grant
// for far fewer frames on the wire.
func (f *flowControl) unclaimedCapacity() (uint32, bool) {
	unclaimed := f.available
	if unclaimed <= 0 {
		return 0, false
	}
	if int64(unclaimed)*2 <= int64(f.window) {
		return 0, false
	}
	return uint32(unclaimed), true
}

// sendData consumes sz from both the window and the assigned capacity.
// The caller must have checked capacity() first.
func (f *flowControl) sendData(sz uint32) {
	if int32(sz) > f.window {
		panic(fmt.Sprintf("h2: sending %d bytes with window %d", sz, f.window))
	}
	f.window -= int32(sz)
	f.available -= int32(sz)
}

// recvData accounts for sz bytes arriving. The peer violated flow
// control if it wrote past the window it was granted.
func (f *flowControl) recvData(sz uint32) error {
	if int32(sz) > f.window {
		return errFlowViolation
	}
	f.window -= int32(sz)
	return nil
}
