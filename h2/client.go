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
	"context"
	"io"
	"net"
	"net/http"

	"github.com/h2mux/h2mux/h2/frame"
)

// NewClientConnection performs the client half of the HTTP/2
// connection preface over conn and starts the reader and writer
// goroutines. conn is typically a TLS connection with ALPN "h2", but
// any byte stream works.
func NewClientConnection(ctx context.Context, conn net.Conn, cfg *H2Config) (*H2Transport, error) {
	t := newH2Transport(ctx, conn, cfg, clientSide)
	t.nextID = 1
	t.kp = t.opts.KeepaliveParams
	if t.kp.Time == 0 {
		t.kp.Time = defaultClientKeepaliveTime
	}
	if t.kp.Timeout == 0 {
		t.kp.Timeout = defaultClientKeepaliveTimeout
	}

	if _, err := conn.Write(clientPreface); err != nil {
		conn.Close()
		return nil, connectionErrorf(true, err, "write client preface: %v", err)
	}
	if err := t.framer.fr.WriteSettings(t.localSettings()...); err != nil {
		conn.Close()
		return nil, connectionErrorf(true, err, "write settings: %v", err)
	}
	if icw := t.opts.initialConnWindowSize(); icw > defaultWindowSize {
		delta := icw - defaultWindowSize
		t.recvFlow.incWindow(delta)
		if err := t.framer.fr.WriteWindowUpdate(0, delta); err != nil {
			conn.Close()
			return nil, connectionErrorf(true, err, "write window update: %v", err)
		}
	}
	if err := t.framer.writer.Flush(); err != nil {
		conn.Close()
		return nil, connectionErrorf(true, err, "flush preface: %v", err)
	}

	go t.reader()
	go t.writer()
	if t.kp.Time != infinity {
		t.keepaliveEnabled = true
		go t.keepalive()
	}
	t.MuxEvent(Event_Connect_Done)
	return t, nil
}

// RoundTrip sends req and blocks until the response headers arrive.
// The response body is the stream itself; closing the body closes the
// stream.
func (t *H2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	s, err := t.NewStream(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Body != nil {
		go func() {
			_, err := io.Copy(s, req.Body)
			req.Body.Close()
			if err != nil {
				s.CloseError(uint32(frame.ErrCodeCancel))
				return
			}
			s.CloseWrite()
		}()
	}
	if err := s.WaitHeaders(ctx); err != nil {
		return nil, err
	}
	if s.Response.StatusCode == 0 {
		err := s.Error
		if err == nil {
			err = ErrConnClosing
		}
		return nil, err
	}
	return s.Response, nil
}
