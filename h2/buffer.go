package h2

import (
	"bytes"

	"github.com/h2mux/h2mux/h2/frame"
	"github.com/h2mux/h2mux/h2/hpack"
)

type outFrameKind uint8

const (
	outHeaders outFrameKind = iota
	outData
	outTrailers
	outReset
)

// outFrame is one queued outbound frame of a stream. Frames of one
// stream share a single deque, so HEADERS, DATA and trailers keep
// program order on the wire. A DATA frame is drained incrementally:
// the scheduler takes as many bytes as the windows allow and leaves
// the remainder queued.
type outFrame struct {
	kind outFrameKind

	// headers / trailers
	hf []hpack.HeaderField

	// data payload, pooled; owned by the frame once queued.
	data *bytes.Buffer

	endStream bool

	// reset
	code frame.ErrCode
}

// frameDeque is the per-stream queue of pending outbound frames.
type frameDeque struct {
	items []*outFrame
}

func (d *frameDeque) pushBack(f *outFrame) {
	d.items = append(d.items, f)
}

func (d *frameDeque) peekFront() *outFrame {
	if len(d.items) == 0 {
		return nil
	}
	return d.items[0]
}

func (d *frameDeque) popFront() *outFrame {
	if len(d.items) == 0 {
		return nil
	}
	f := d.items[0]
	d.items[0] = nil
	d.items = d.items[1:]
	return f
}

func (d *frameDeque) isEmpty() bool { return len(d.items) == 0 }
