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
	"net"
)

// NewServerConnection reads and checks the client preface on conn,
// announces the server settings and starts dispatching accepted
// streams to handle. It returns once the handshake bytes are out; the
// connection then runs until Close or a fatal error.
func NewServerConnection(ctx context.Context, conn net.Conn, cfg *H2Config, handle func(*H2Stream)) (*H2Transport, error) {
	t := newH2Transport(ctx, conn, cfg, serverSide)
	t.nextID = 2
	t.Handle = handle
	t.kep = t.opts.KeepalivePolicy
	if t.kep.MinTime == 0 {
		t.kep.MinTime = defaultKeepalivePolicyMinTime
	}

	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(conn, preface); err != nil {
		conn.Close()
		return nil, connectionErrorf(true, err, "read client preface: %v", err)
	}
	if !bytes.Equal(preface, clientPreface) {
		conn.Close()
		return nil, connectionErrorf(false, nil, "invalid client connection preface")
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
		return nil, connectionErrorf(true, err, "flush handshake: %v", err)
	}

	go t.reader()
	go t.writer()
	t.keepaliveEnabled = true
	go t.serverKeepalive()
	t.MuxEvent(Event_Connect_Done)
	return t, nil
}
