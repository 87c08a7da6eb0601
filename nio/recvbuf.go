package nio

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// NewRecvBuffer creates a receive buffer.
//
// It holds frames, represented as bytes.Buffer, added with Put. The
// Read() method first returns buffered data, then blocks.
//
// recycleBuffer, if set, is called after a buffer has been fully
// consumed and can be reused.
// closeStream, if set, is called on any error except io.EOF or a
// deadline.
func NewRecvBuffer(ctxDone <-chan struct{},
	recycleBuffer func(*bytes.Buffer), closeStream func(err error)) *RecvBufferReader {

	return &RecvBufferReader{
		ctxDone:       ctxDone,
		recycleBuffer: recycleBuffer,
		c:             make(chan RecvMsg, 1),
		closeStream:   closeStream,
	}
}

// RecvBufferReader implements io.Reader over frames delivered by the
// connection's reader goroutine. Put never blocks: one message rides
// the channel, the rest queue in the backlog. The blocking Read drains
// everything already available before waiting on the channel, so a
// slow consumer still sees data in arrival order.
type RecvBufferReader struct {
	closeStream func(error)

	ctxDone <-chan struct{} // cache of ctx.Done() (for performance)

	c  chan RecvMsg
	mu sync.Mutex

	backlog []RecvMsg

	// Err is set when a message carrying it is Put. The backlog may
	// still hold data, but nothing new will be accepted. May be io.EOF.
	Err error

	// last holds the remainder of the previous message.
	last *bytes.Buffer

	recycleBuffer func(*bytes.Buffer)
	ReadDeadline  time.Time
}

// RecvMsg is one frame of data, or the terminal signal.
type RecvMsg struct {
	Buffer *bytes.Buffer
	// nil: carries data.
	// io.EOF: stream completed cleanly, Buffer is nil.
	// other non-nil error: transport failure, Buffer is nil.
	Err error
}

// Put adds the message to the channel or the backlog. After the first
// message with an error nothing more is accepted.
func (b *RecvBufferReader) Put(r RecvMsg) {
	b.mu.Lock()
	if b.Err != nil {
		b.mu.Unlock()
		return
	}
	if r.Err != nil {
		b.Err = r.Err
	}
	if len(b.backlog) == 0 {
		select {
		case b.c <- r:
			b.mu.Unlock()
			return
		default:
		}
	}
	b.backlog = append(b.backlog, r)
	b.mu.Unlock()
}

// reloadChannel moves the head of the backlog onto the channel. Must be
// called after every receive from the channel.
func (b *RecvBufferReader) reloadChannel() {
	b.mu.Lock()
	if len(b.backlog) > 0 {
		select {
		case b.c <- b.backlog[0]:
			b.backlog[0] = RecvMsg{}
			b.backlog = b.backlog[1:]
		default:
		}
	}
	b.mu.Unlock()
}

// RecvNB returns the next buffered frame without blocking, or (nil,
// nil) when nothing is pending.
func (r *RecvBufferReader) RecvNB() (*bytes.Buffer, error) {
	if r.last != nil {
		if r.last.Len() > 0 {
			return r.last, nil
		}
		r.last = nil
	}
	if r.Err != nil && r.Err != io.EOF {
		return nil, r.Err
	}
	select {
	case m := <-r.c:
		r.reloadChannel()
		return m.Buffer, m.Err
	case <-r.ctxDone:
		return nil, context.Canceled
	default:
		return nil, nil
	}
}

// Recv returns the next frame, blocking until one is available, the
// deadline passes or the context is done.
func (r *RecvBufferReader) Recv() (*bytes.Buffer, error) {
	if r.last != nil {
		if r.last.Len() > 0 {
			return r.last, nil
		}
		r.last = nil
	}
	if r.Err != nil && r.Err != io.EOF {
		return nil, r.Err
	}
	if d := r.ReadDeadline; !d.IsZero() {
		now := time.Now()
		if d.Before(now) {
			return nil, ErrDeadlineExceeded
		}
		timer := time.NewTimer(d.Sub(now))
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, ErrDeadlineExceeded
		case <-r.ctxDone:
			return nil, context.Canceled
		case m := <-r.c:
			r.reloadChannel()
			return m.Buffer, m.Err
		}
	}
	select {
	case m := <-r.c:
		r.reloadChannel()
		return m.Buffer, m.Err
	case <-r.ctxDone:
		return nil, context.Canceled
	}
}

// Read copies up to len(p) bytes from the buffered frames. It consumes
// everything already available before blocking, and once a terminal
// error is recorded it keeps returning it.
func (r *RecvBufferReader) Read(p []byte) (n int, err error) {
	copied := 0
	if r.last != nil {
		copied, _ = r.last.Read(p)
		if r.last.Len() == 0 {
			r.recycle(r.last)
			r.last = nil
		}
		if copied == len(p) {
			return copied, nil
		}
	}
	// Drain whatever already arrived while there is room.
	more := true
	for copied < len(p) && more && (r.Err == nil || r.Err == io.EOF) {
		select {
		case m := <-r.c:
			r.reloadChannel()
			if m.Buffer != nil {
				c1, _ := m.Buffer.Read(p[copied:])
				copied += c1
				if m.Buffer.Len() == 0 {
					r.recycle(m.Buffer)
				} else {
					r.last = m.Buffer
					more = false
				}
				if copied == len(p) {
					return copied, nil
				}
			}
			if m.Err != nil {
				return copied, m.Err
			}
		default:
			more = false
		}
	}
	if copied > 0 {
		return copied, nil
	}

	// Nothing buffered. Short-circuit recorded failures before
	// blocking.
	if r.Err != nil && r.Err != io.EOF {
		return 0, r.Err
	}
	if r.Err == io.EOF {
		return 0, io.EOF
	}

	n, err = r.readBlocking(p)
	if err == ErrDeadlineExceeded {
		// Transient; the stream stays usable.
		return n, err
	}
	if err != nil && r.Err == nil {
		r.Err = err
	}
	if err == io.EOF && n > 0 {
		return n, nil
	}
	if r.Err != nil && r.Err != io.EOF && r.closeStream != nil {
		r.closeStream(r.Err)
	}
	if n > 0 {
		return n, nil
	}
	return 0, err
}

func (r *RecvBufferReader) readBlocking(p []byte) (int, error) {
	if d := r.ReadDeadline; !d.IsZero() {
		now := time.Now()
		if d.Before(now) {
			return 0, ErrDeadlineExceeded
		}
		timer := time.NewTimer(d.Sub(now))
		defer timer.Stop()
		select {
		case <-timer.C:
			return 0, ErrDeadlineExceeded
		case <-r.ctxDone:
			return 0, context.Canceled
		case m := <-r.c:
			r.reloadChannel()
			return r.readAdditional(m, p)
		}
	}
	select {
	case <-r.ctxDone:
		return 0, context.Canceled
	case m := <-r.c:
		r.reloadChannel()
		return r.readAdditional(m, p)
	}
}

func (r *RecvBufferReader) readAdditional(m RecvMsg, p []byte) (int, error) {
	if m.Buffer != nil {
		copied, _ := m.Buffer.Read(p)
		if m.Buffer.Len() == 0 {
			r.recycle(m.Buffer)
			r.last = nil
		} else {
			r.last = m.Buffer
		}
		return copied, m.Err
	}
	return 0, m.Err
}

func (r *RecvBufferReader) recycle(b *bytes.Buffer) {
	if r.recycleBuffer != nil {
		r.recycleBuffer(b)
	}
}
