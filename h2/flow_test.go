package h2

import (
	"testing"

	"github.com/h2mux/h2mux/h2/frame"
)

func TestFlowWindowBasics(t *testing.T) {
	f := newFlowControl(100)
	if got := f.windowSize(); got != 100 {
		t.Fatalf("window = %d, want 100", got)
	}
	if got := f.capacity(); got != 0 {
		t.Fatalf("capacity with nothing assigned = %d, want 0", got)
	}
	f.assignCapacity(60)
	if got := f.capacity(); got != 60 {
		t.Fatalf("capacity = %d, want 60", got)
	}
	f.sendData(40)
	if got := f.windowSize(); got != 60 {
		t.Fatalf("window after send = %d, want 60", got)
	}
	if got := f.availableCapacity(); got != 20 {
		t.Fatalf("available after send = %d, want 20", got)
	}
}

func TestFlowCapacityIsMinOfWindowAndAvailable(t *testing.T) {
	f := newFlowControl(10)
	f.assignCapacity(100)
	if got := f.capacity(); got != 10 {
		t.Fatalf("capacity = %d, want window-limited 10", got)
	}
}

func TestFlowWindowOverflow(t *testing.T) {
	f := newFlowControl(maxWindowSize)
	if err := f.incWindow(1); err == nil {
		t.Fatal("expected FLOW_CONTROL_ERROR on window overflow")
	} else if _, ok := err.(frame.ConnectionError); !ok {
		t.Fatalf("overflow error = %T, want frame.ConnectionError", err)
	}
}

func TestFlowNegativeWindowAfterShrink(t *testing.T) {
	f := newFlowControl(100)
	f.sendData(0)
	f.assignCapacity(100)
	f.sendData(80)
	// Peer shrinks INITIAL_WINDOW_SIZE by more than is left.
	f.decSendWindow(50)
	if got := f.windowSize(); got != -30 {
		t.Fatalf("window = %d, want -30", got)
	}
	// Credit brings it back above zero.
	if err := f.incWindow(40); err != nil {
		t.Fatal(err)
	}
	if got := f.windowSize(); got != 10 {
		t.Fatalf("window = %d, want 10", got)
	}
}

func TestFlowRecvPastWindow(t *testing.T) {
	f := newFlowControl(10)
	if err := f.recvData(10); err != nil {
		t.Fatal(err)
	}
	if err := f.recvData(1); err != errFlowViolation {
		t.Fatalf("err = %v, want errFlowViolation", err)
	}
}

func TestFlowUnclaimedHysteresis(t *testing.T) {
	f := newFlowControl(100)
	f.recvData(20)
	f.assignCapacity(20)
	if _, over := f.unclaimedCapacity(); over {
		t.Fatal("20 owed against a window of 80 should not cross the threshold yet")
	}
	f.recvData(40)
	f.assignCapacity(40)
	// 60 owed vs window 40: over the half-window threshold.
	incr, over := f.unclaimedCapacity()
	if !over || incr != 60 {
		t.Fatalf("unclaimed = %d,%v want 60,true", incr, over)
	}
	f.claimCapacity(incr)
	if err := f.incWindow(incr); err != nil {
		t.Fatal(err)
	}
	if got := f.windowSize(); got != 100 {
		t.Fatalf("window after claim = %d, want 100", got)
	}
	if got := f.availableCapacity(); got != 0 {
		t.Fatalf("available after claim = %d, want 0", got)
	}
}
