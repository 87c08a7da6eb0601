package nio

import (
	"context"
	"io"
	"testing"
	"time"
)

func msg(s string) RecvMsg {
	b := GetBuffer()
	b.WriteString(s)
	return RecvMsg{Buffer: b}
}

func TestReadDrainsInOrder(t *testing.T) {
	r := NewRecvBuffer(nil, PutBuffer, nil)
	r.Put(msg("hello "))
	r.Put(msg("wor"))
	r.Put(msg("ld"))
	r.Put(RecvMsg{Err: io.EOF})

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello world" {
		t.Fatalf("read %q", out)
	}
	// After EOF every read keeps returning it.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadSmallDestination(t *testing.T) {
	r := NewRecvBuffer(nil, PutBuffer, nil)
	r.Put(msg("abcdef"))
	p := make([]byte, 2)
	for _, want := range []string{"ab", "cd", "ef"} {
		n, err := r.Read(p)
		if err != nil || string(p[:n]) != want {
			t.Fatalf("read = %q, %v; want %q", p[:n], err, want)
		}
	}
}

func TestReadBlocksUntilPut(t *testing.T) {
	r := NewRecvBuffer(nil, PutBuffer, nil)
	got := make(chan string, 1)
	go func() {
		p := make([]byte, 16)
		n, _ := r.Read(p)
		got <- string(p[:n])
	}()
	time.Sleep(20 * time.Millisecond)
	r.Put(msg("late"))
	select {
	case s := <-got:
		if s != "late" {
			t.Fatalf("read %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read never unblocked")
	}
}

func TestErrorStopsIntake(t *testing.T) {
	r := NewRecvBuffer(nil, PutBuffer, nil)
	r.Put(RecvMsg{Err: io.ErrUnexpectedEOF})
	r.Put(msg("dropped"))

	// A transport error surfaces immediately and permanently; data put
	// after it was never accepted.
	p := make([]byte, 16)
	for i := 0; i < 2; i++ {
		if _, err := r.Read(p); err != io.ErrUnexpectedEOF {
			t.Fatalf("read %d: err = %v, want ErrUnexpectedEOF", i, err)
		}
	}
}

func TestContextCancelUnblocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRecvBuffer(ctx.Done(), PutBuffer, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read never unblocked")
	}
}

func TestReadDeadline(t *testing.T) {
	r := NewRecvBuffer(nil, PutBuffer, nil)
	r.ReadDeadline = time.Now().Add(30 * time.Millisecond)
	if _, err := r.Read(make([]byte, 1)); err != ErrDeadlineExceeded {
		t.Fatalf("err = %v, want ErrDeadlineExceeded", err)
	}
	// A deadline miss is transient; the buffer stays usable.
	r.ReadDeadline = time.Time{}
	r.Put(msg("after"))
	p := make([]byte, 8)
	n, err := r.Read(p)
	if err != nil || string(p[:n]) != "after" {
		t.Fatalf("read = %q, %v", p[:n], err)
	}
}

func TestRecvNB(t *testing.T) {
	r := NewRecvBuffer(nil, nil, nil)
	if b, err := r.RecvNB(); b != nil || err != nil {
		t.Fatalf("empty RecvNB = %v, %v", b, err)
	}
	r.Put(msg("x"))
	b, err := r.RecvNB()
	if err != nil || b == nil || b.String() != "x" {
		t.Fatalf("RecvNB = %v, %v", b, err)
	}
}

func TestBufferPoolRecycles(t *testing.T) {
	b := GetBuffer()
	b.WriteString("junk")
	PutBuffer(b)
	b2 := GetBuffer()
	if b2.Len() != 0 {
		t.Fatal("pooled buffer not reset")
	}
	PutBuffer(b2)
	// Nil is tolerated.
	PutBuffer(nil)
}

var _ io.Reader = (*RecvBufferReader)(nil)
