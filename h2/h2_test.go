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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/h2mux/h2mux/h2/frame"
)

// startPair dials a TCP loopback pair and runs the handshake on both
// ends. The server constructor blocks on the client preface, so it runs
// on its own goroutine.
func startPair(t *testing.T, ccfg, scfg *H2Config, handle func(*H2Stream)) (*H2Transport, *H2Transport) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	srvCh := make(chan *H2Transport, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			errCh <- err
			return
		}
		st, err := NewServerConnection(context.Background(), conn, scfg, handle)
		if err != nil {
			errCh <- err
			return
		}
		srvCh <- st
	}()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	ct, err := NewClientConnection(context.Background(), conn, ccfg)
	require.NoError(t, err)

	var st *H2Transport
	select {
	case st = <-srvCh:
	case err := <-errCh:
		t.Fatalf("server handshake: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
	}
	t.Cleanup(func() {
		ct.Close(nil)
		st.Close(nil)
	})
	return ct, st
}

func echoHandler(s *H2Stream) {
	s.Header().Set("X-Echo", "1")
	s.WriteHeader(200)
	io.Copy(s, s.Request.Body)
}

func getReq(t *testing.T, u string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", u, nil)
	require.NoError(t, err)
	return req
}

func TestRoundTripEcho(t *testing.T) {
	ct, _ := startPair(t, nil, nil, echoHandler)

	req, err := http.NewRequest("POST", "https://example.com/echo", strings.NewReader("hello echo"))
	require.NoError(t, err)
	resp, err := ct.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("X-Echo"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello echo", string(body))
	resp.Body.Close()
}

func TestRoundTripGet(t *testing.T) {
	ct, _ := startPair(t, nil, nil, func(s *H2Stream) {
		if s.Request.Method != "GET" {
			s.WriteHeader(405)
			return
		}
		s.Header().Set("Content-Type", "text/plain")
		s.WriteHeader(200)
		s.Write([]byte("static body"))
	})

	resp, err := ct.RoundTrip(getReq(t, "https://example.com/file"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "static body", string(body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

// A body much larger than both default windows forces DATA frames to
// wait for WINDOW_UPDATE credit in both directions.
func TestLargeBodyFlowControl(t *testing.T) {
	ct, _ := startPair(t, nil, nil, echoHandler)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	req, err := http.NewRequest("POST", "https://example.com/echo", bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := ct.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(body))
	require.True(t, bytes.Equal(payload, body), "echoed payload corrupted")
	resp.Body.Close()
}

func TestSmallWindowEcho(t *testing.T) {
	// Shrunken windows on both sides make the credit round trips, not
	// the buffer sizes, carry the transfer.
	cfg := &H2Config{InitialWindowSize: 4096, InitialConnWindowSize: 8192}
	ct, _ := startPair(t, cfg, cfg, echoHandler)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 8<<10)
	req, err := http.NewRequest("POST", "https://example.com/echo", bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := ct.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, body))
	resp.Body.Close()
}

func TestTrailers(t *testing.T) {
	ct, _ := startPair(t, nil, nil, func(s *H2Stream) {
		s.WriteHeader(200)
		s.Write([]byte("data"))
		s.Response.Trailer = http.Header{"X-Checksum": []string{"abc123"}}
	})

	resp, err := ct.RoundTrip(getReq(t, "https://example.com/t"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "data", string(body))
	// Trailers are filled in before the body reader sees EOF.
	require.Equal(t, "abc123", resp.Trailer.Get("X-Checksum"))
	resp.Body.Close()
}

func TestConnectBidirectional(t *testing.T) {
	ct, _ := startPair(t, nil, nil, func(s *H2Stream) {
		if s.Request.Method != "CONNECT" || s.Request.Host == "" {
			s.WriteHeader(400)
			return
		}
		s.WriteHeader(200)
		io.Copy(s, s.Request.Body)
	})

	req := &http.Request{Method: "CONNECT", URL: &url.URL{}, Host: "target.internal:443"}
	s, err := ct.NewStream(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, s.WaitHeaders(context.Background()))
	require.Equal(t, 200, s.Response.StatusCode)

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	require.NoError(t, s.CloseWrite())
	_, err = io.ReadAll(s)
	require.NoError(t, err)
	s.Close()
}

func TestClientCancelReachesServer(t *testing.T) {
	readErr := make(chan error, 1)
	started := make(chan struct{})
	ct, _ := startPair(t, nil, nil, func(s *H2Stream) {
		close(started)
		_, err := io.ReadAll(s.Request.Body)
		readErr <- err
	})

	req := &http.Request{Method: "CONNECT", URL: &url.URL{}, Host: "target:443"}
	s, err := ct.NewStream(context.Background(), req)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the stream")
	}
	s.CloseError(uint32(frame.ErrCodeCancel))

	select {
	case err := <-readErr:
		require.Error(t, err, "server read should fail after client reset")
	case <-time.After(5 * time.Second):
		t.Fatal("server read did not unblock after reset")
	}
}

func TestDrainRefusesNewStreams(t *testing.T) {
	ct, st := startPair(t, nil, nil, echoHandler)

	resp, err := ct.RoundTrip(getReq(t, "https://example.com/"))
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	st.Drain("maintenance")

	// The client refuses new streams once the GOAWAY arrives.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := ct.NewStream(context.Background(), getReq(t, "https://example.com/late"))
		if err == errStreamDrain || err == ErrConnClosing {
			break
		}
		if err == nil {
			// Raced ahead of the GOAWAY; don't leave it holding the drain.
			s.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("NewStream err = %v, want drain rejection", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// With no streams left the drain completes and both sides shut down.
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish draining")
	}
	select {
	case <-ct.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe the shutdown")
	}
}

func TestMaxConcurrentStreamsQueueing(t *testing.T) {
	started := make(chan uint32, 4)
	release := make(chan struct{}, 4)
	scfg := &H2Config{MaxConcurrentStreams: 1}
	ct, _ := startPair(t, nil, scfg, func(s *H2Stream) {
		started <- s.Id
		<-release
		s.WriteHeader(200)
	})

	// One full round trip guarantees the server's SETTINGS were applied
	// before the concurrency test begins.
	release <- struct{}{}
	resp, err := ct.RoundTrip(getReq(t, "https://example.com/warmup"))
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()
	<-started

	s1, err := ct.NewStream(context.Background(), getReq(t, "https://example.com/a"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream never started")
	}

	s2, err := ct.NewStream(context.Background(), getReq(t, "https://example.com/b"))
	require.NoError(t, err)
	// The peer limit is 1, so the second HEADERS must not be scheduled
	// while the first stream is open; its id is still unassigned.
	select {
	case id := <-started:
		t.Fatalf("second stream %d started despite the concurrency limit", id)
	case <-time.After(300 * time.Millisecond):
	}
	ct.mu.Lock()
	unsent := s2.Id == 0
	ct.mu.Unlock()
	require.True(t, unsent, "second stream was assigned an id while blocked")

	// Finishing the first stream frees the slot.
	release <- struct{}{}
	release <- struct{}{}
	require.NoError(t, s1.WaitHeaders(context.Background()))
	io.ReadAll(s1)
	s1.Close()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second stream never started after the slot freed")
	}
	require.NoError(t, s2.WaitHeaders(context.Background()))
	io.ReadAll(s2)
	s2.Close()
}

func TestStreamIDsMonotonic(t *testing.T) {
	ct, _ := startPair(t, nil, nil, echoHandler)
	want := []uint32{1, 3, 5}
	for _, id := range want {
		resp, err := ct.RoundTrip(getReq(t, "https://example.com/"))
		require.NoError(t, err)
		s := resp.Body.(*H2Stream)
		require.Equal(t, id, s.Id)
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}
}

func TestHeaderListTooBigRejectedLocally(t *testing.T) {
	limit := uint32(512)
	scfg := &H2Config{MaxHeaderListSize: &limit}
	ct, _ := startPair(t, nil, scfg, echoHandler)

	// One round trip first, so the peer's SETTINGS_MAX_HEADER_LIST_SIZE
	// is known to the client.
	resp, err := ct.RoundTrip(getReq(t, "https://example.com/"))
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	req := getReq(t, "https://example.com/big")
	req.Header.Set("X-Big", strings.Repeat("a", 2048))
	_, err = ct.NewStream(context.Background(), req)
	require.Equal(t, ErrHeaderListTooBig, err)
}

func TestGoAwayReasonTooManyPings(t *testing.T) {
	ct, st := startPair(t, nil, nil, echoHandler)
	st.mu.Lock()
	st.control = append(st.control, &controlFrame{
		kind:      ctrlGoAway,
		streamID:  0,
		code:      frame.ErrCodeEnhanceYourCalm,
		debug:     []byte("too_many_pings"),
		closeConn: true,
	})
	st.wcond.Signal()
	st.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		reason, debug := ct.GetGoAwayReason()
		if reason == GoAwayTooManyPings {
			require.Equal(t, "too_many_pings", debug)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reason = %v, want GoAwayTooManyPings", reason)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// The client side must interoperate with the reference server.
func TestInteropClientToReferenceServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		srv := &http2.Server{}
		srv.ServeConn(conn, &http2.ServeConnOpts{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Impl", "reference")
				io.Copy(w, r.Body)
			}),
		})
	}()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	ct, err := NewClientConnection(context.Background(), conn, nil)
	require.NoError(t, err)
	defer ct.Close(nil)

	req, err := http.NewRequest("POST", "https://example.com/echo", strings.NewReader("interop body"))
	require.NoError(t, err)
	resp, err := ct.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "reference", resp.Header.Get("X-Impl"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "interop body", string(body))
	resp.Body.Close()
}

// The server side must interoperate with the reference client.
func TestInteropReferenceClientToServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		NewServerConnection(context.Background(), conn, nil, echoHandler)
	}()

	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			return net.Dial(network, addr)
		},
	}
	req, err := http.NewRequest("POST", "http://"+lis.Addr().String()+"/echo", strings.NewReader("reference client"))
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("X-Echo"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "reference client", string(body))
}

// A request whose decoded header list blows the advertised limit gets a
// 431 response before the stream is reset, in that order on the wire.
func TestOversizeRequestHeaders431OnWire(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	limit := uint32(512)
	scfg := &H2Config{MaxHeaderListSize: &limit}
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		NewServerConnection(context.Background(), conn, scfg, echoHandler)
	}()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, http2.ClientPreface)
	require.NoError(t, err)
	fr := http2.NewFramer(conn, conn)
	fr.ReadMetaHeaders = xhpack.NewDecoder(4096, nil)
	require.NoError(t, fr.WriteSettings())

	var block bytes.Buffer
	enc := xhpack.NewEncoder(&block)
	enc.WriteField(xhpack.HeaderField{Name: ":method", Value: "POST"})
	enc.WriteField(xhpack.HeaderField{Name: ":scheme", Value: "http"})
	enc.WriteField(xhpack.HeaderField{Name: ":path", Value: "/big"})
	enc.WriteField(xhpack.HeaderField{Name: ":authority", Value: "example.com"})
	for i := 0; i < 20; i++ {
		enc.WriteField(xhpack.HeaderField{
			Name:  fmt.Sprintf("x-filler-%02d", i),
			Value: strings.Repeat("v", 30),
		})
	}
	require.NoError(t, fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block.Bytes(),
		EndHeaders:    true,
	}))

	sawHeaders := false
	for {
		f, err := fr.ReadFrame()
		require.NoError(t, err)
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			require.Equal(t, "431", f.PseudoValue("status"))
			require.True(t, f.StreamEnded())
			sawHeaders = true
		case *http2.RSTStreamFrame:
			require.True(t, sawHeaders, "RST_STREAM arrived before the 431 response")
			return
		case *http2.GoAwayFrame:
			t.Fatalf("connection error %v instead of a stream refusal", f.ErrCode)
		}
	}
}

// Writes on a stream the caller already reset fail with a distinct
// error rather than a generic closed-stream one.
func TestWriteAfterResetRejected(t *testing.T) {
	ct, _ := startPair(t, nil, nil, func(s *H2Stream) {
		io.Copy(io.Discard, s.Request.Body)
	})
	req := &http.Request{Method: "CONNECT", URL: &url.URL{}, Host: "target:443"}
	s, err := ct.NewStream(context.Background(), req)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	require.NoError(t, err)

	s.CloseError(uint32(frame.ErrCodeCancel))
	_, err = s.Write([]byte("y"))
	require.ErrorIs(t, err, ErrSendAfterReset)
}
