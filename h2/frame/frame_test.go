// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/http2"

	"github.com/h2mux/h2mux/h2/hpack"
)

func testFramer() (*Framer, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	return NewFramer(buf, buf), buf
}

func TestWriteReadData(t *testing.T) {
	fr, _ := testFramer()
	if err := fr.WriteData(1, true, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	df, ok := f.(*DataFrame)
	if !ok {
		t.Fatalf("got %T, want *DataFrame", f)
	}
	if !df.StreamEnded() {
		t.Error("END_STREAM not set")
	}
	if df.Header().StreamID != 1 {
		t.Errorf("stream id = %d, want 1", df.Header().StreamID)
	}
	if string(df.Data()) != "hello" {
		t.Errorf("data = %q, want hello", df.Data())
	}
}

func TestWriteDataPadded(t *testing.T) {
	fr, _ := testFramer()
	if err := fr.WriteDataPadded(3, false, []byte("body"), []byte{0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	df := f.(*DataFrame)
	if string(df.Data()) != "body" {
		t.Errorf("data = %q, want body (padding stripped)", df.Data())
	}
	// The frame length on the wire includes the pad length byte and the
	// padding itself; flow control charges the whole thing.
	if got, want := df.Header().Length, uint32(1+4+3); got != want {
		t.Errorf("frame length = %d, want %d", got, want)
	}
}

func TestDataFrameOnStreamZero(t *testing.T) {
	fr, _ := testFramer()
	fr.WriteRawFrame(FrameData, 0, 0, []byte("x"))
	_, err := fr.ReadFrame()
	ce, ok := err.(ConnectionError)
	if !ok || ErrCode(ce) != ErrCodeProtocol {
		t.Fatalf("err = %v, want PROTOCOL_ERROR", err)
	}
	if fr.ErrorDetail() == nil {
		t.Error("expected a stashed error detail")
	}
}

func TestPaddingTooLarge(t *testing.T) {
	fr, _ := testFramer()
	// Pad length equal to the payload length leaves no room for data.
	fr.WriteRawFrame(FrameData, FlagDataPadded, 1, []byte{5, 'a', 'b'})
	_, err := fr.ReadFrame()
	ce, ok := err.(ConnectionError)
	if !ok || ErrCode(ce) != ErrCodeProtocol {
		t.Fatalf("err = %v, want PROTOCOL_ERROR", err)
	}
}

func TestWriteReadSettings(t *testing.T) {
	fr, _ := testFramer()
	in := []Setting{
		{ID: SettingInitialWindowSize, Val: 1 << 20},
		{ID: SettingMaxFrameSize, Val: 1 << 16},
	}
	if err := fr.WriteSettings(in...); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	sf := f.(*SettingsFrame)
	if sf.IsAck() {
		t.Error("unexpected ack")
	}
	if n := sf.NumSettings(); n != 2 {
		t.Fatalf("NumSettings = %d, want 2", n)
	}
	var out []Setting
	sf.ForeachSetting(func(s Setting) error {
		out = append(out, s)
		return nil
	})
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if v, ok := sf.Value(SettingInitialWindowSize); !ok || v != 1<<20 {
		t.Errorf("Value(INITIAL_WINDOW_SIZE) = %d,%v", v, ok)
	}
}

func TestSettingsAckWithPayload(t *testing.T) {
	fr, _ := testFramer()
	fr.WriteRawFrame(FrameSettings, FlagSettingsAck, 0, []byte{0, 0, 0, 0, 0, 0})
	_, err := fr.ReadFrame()
	ce, ok := err.(ConnectionError)
	if !ok || ErrCode(ce) != ErrCodeFrameSize {
		t.Fatalf("err = %v, want FRAME_SIZE_ERROR", err)
	}
}

func TestSettingInvalidValues(t *testing.T) {
	tests := []struct {
		s    Setting
		want ErrCode
	}{
		{Setting{ID: SettingInitialWindowSize, Val: 1 << 31}, ErrCodeFlowControl},
		{Setting{ID: SettingMaxFrameSize, Val: 1}, ErrCodeProtocol},
		{Setting{ID: SettingMaxFrameSize, Val: 1 << 24}, ErrCodeProtocol},
		{Setting{ID: SettingEnablePush, Val: 2}, ErrCodeProtocol},
		{Setting{ID: SettingEnablePush, Val: 1}, 0},
		{Setting{ID: SettingHeaderTableSize, Val: 0}, 0},
	}
	for _, tt := range tests {
		err := tt.s.Valid()
		if tt.want == 0 {
			if err != nil {
				t.Errorf("%v: unexpected error %v", tt.s, err)
			}
			continue
		}
		ce, ok := err.(ConnectionError)
		if !ok || ErrCode(ce) != tt.want {
			t.Errorf("%v: err = %v, want %v", tt.s, err, tt.want)
		}
	}
}

func TestWriteReadWindowUpdate(t *testing.T) {
	fr, _ := testFramer()
	if err := fr.WriteWindowUpdate(5, 12345); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	wu := f.(*WindowUpdateFrame)
	if wu.Header().StreamID != 5 || wu.Increment != 12345 {
		t.Errorf("got stream %d incr %d", wu.Header().StreamID, wu.Increment)
	}
}

func TestWindowUpdateZeroIncrement(t *testing.T) {
	fr, _ := testFramer()
	fr.WriteRawFrame(FrameWindowUpdate, 0, 0, []byte{0, 0, 0, 0})
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatal("zero increment on the connection should be rejected")
	}
}

func TestWriteReadGoAway(t *testing.T) {
	fr, _ := testFramer()
	if err := fr.WriteGoAway(101, ErrCodeEnhanceYourCalm, []byte("too_many_pings")); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	ga := f.(*GoAwayFrame)
	if ga.LastStreamID != 101 || ga.ErrCode != ErrCodeEnhanceYourCalm {
		t.Errorf("got last %d code %v", ga.LastStreamID, ga.ErrCode)
	}
	if string(ga.DebugData()) != "too_many_pings" {
		t.Errorf("debug = %q", ga.DebugData())
	}
}

func TestWriteReadPingRST(t *testing.T) {
	fr, _ := testFramer()
	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := fr.WritePing(true, data); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteRSTStream(7, ErrCodeCancel); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	pf := f.(*PingFrame)
	if !pf.IsAck() || pf.Data != data {
		t.Errorf("ping = %+v", pf)
	}
	f, err = fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	rf := f.(*RSTStreamFrame)
	if rf.Header().StreamID != 7 || rf.ErrCode != ErrCodeCancel {
		t.Errorf("rst = %+v", rf)
	}
}

func TestMaxReadFrameSize(t *testing.T) {
	fr, _ := testFramer()
	fr.SetMaxReadFrameSize(64)
	if err := fr.WriteData(1, false, make([]byte, 65)); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.ReadFrame(); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func encodeFields(t *testing.T, fields [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestMetaHeadersWithContinuation(t *testing.T) {
	buf := new(bytes.Buffer)
	fr := NewFramer(buf, buf)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	block := encodeFields(t, [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/index.html"},
		{":authority", "example.com"},
		{"accept", "*/*"},
	})
	// Split the block across HEADERS + CONTINUATION.
	half := len(block) / 2
	if err := fr.WriteHeaders(HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block[:half],
		EndStream:     true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteContinuation(1, true, block[half:]); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	mh, ok := f.(*MetaHeadersFrame)
	if !ok {
		t.Fatalf("got %T, want *MetaHeadersFrame", f)
	}
	if !mh.StreamEnded() {
		t.Error("END_STREAM lost")
	}
	// Lookup uses the wire name, colon included.
	for _, tt := range [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/index.html"},
		{":authority", "example.com"},
	} {
		if got := mh.PseudoValue(tt[0]); got != tt[1] {
			t.Errorf("PseudoValue(%q) = %q, want %q", tt[0], got, tt[1])
		}
	}
	if got := mh.PseudoValue(":status"); got != "" {
		t.Errorf("PseudoValue(:status) = %q on a request block", got)
	}
	reg := mh.RegularFields()
	if len(reg) != 1 || reg[0].Name != "accept" {
		t.Errorf("regular fields = %+v", reg)
	}
}

func TestMetaHeadersTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	fr := NewFramer(buf, buf)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	// Large enough for the first three fields (each costs len+32) but
	// not the fourth; no single string exceeds the limit, so decoding
	// succeeds and the frame is merely truncated.
	fr.MaxHeaderListSize = 150

	block := encodeFields(t, [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/"},
		{":authority", "example.com"},
	})
	if err := fr.WriteHeaders(HeadersFrameParam{StreamID: 1, BlockFragment: block, EndHeaders: true}); err != nil {
		t.Fatal(err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	mh := f.(*MetaHeadersFrame)
	if !mh.Truncated {
		t.Error("expected Truncated to be set")
	}
}

func TestPseudoAfterRegularRejected(t *testing.T) {
	buf := new(bytes.Buffer)
	fr := NewFramer(buf, buf)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	block := encodeFields(t, [][2]string{
		{":method", "GET"},
		{"accept", "*/*"},
		{":path", "/"},
	})
	if err := fr.WriteHeaders(HeadersFrameParam{StreamID: 1, BlockFragment: block, EndHeaders: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatal("pseudo header after regular header should be rejected")
	}
}

func TestContinuationOrderEnforced(t *testing.T) {
	fr, _ := testFramer()
	block := encodeFields(t, [][2]string{{":method", "GET"}})
	if err := fr.WriteHeaders(HeadersFrameParam{StreamID: 1, BlockFragment: block}); err != nil {
		t.Fatal(err)
	}
	// DATA in the middle of a header block is a connection error.
	if err := fr.WriteData(1, false, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.ReadFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatal("interleaved frame during header block should be rejected")
	}
}

// Frames we write must be readable by the reference implementation.
func TestInteropWriteOursReadTheirs(t *testing.T) {
	buf := new(bytes.Buffer)
	ours := NewFramer(buf, nil)
	if err := ours.WriteSettings(Setting{ID: SettingInitialWindowSize, Val: 777}); err != nil {
		t.Fatal(err)
	}
	if err := ours.WriteData(1, true, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := ours.WriteWindowUpdate(0, 4096); err != nil {
		t.Fatal(err)
	}
	if err := ours.WriteGoAway(9, ErrCodeNo, []byte("bye")); err != nil {
		t.Fatal(err)
	}

	theirs := http2.NewFramer(io.Discard, buf)
	f, err := theirs.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	sf := f.(*http2.SettingsFrame)
	if v, ok := sf.Value(http2.SettingInitialWindowSize); !ok || v != 777 {
		t.Errorf("settings value = %d,%v", v, ok)
	}
	f, err = theirs.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	df := f.(*http2.DataFrame)
	if string(df.Data()) != "payload" || !df.StreamEnded() {
		t.Errorf("data frame = %q ended=%v", df.Data(), df.StreamEnded())
	}
	f, err = theirs.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	wu := f.(*http2.WindowUpdateFrame)
	if wu.Increment != 4096 {
		t.Errorf("increment = %d", wu.Increment)
	}
	f, err = theirs.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	ga := f.(*http2.GoAwayFrame)
	if ga.LastStreamID != 9 || string(ga.DebugData()) != "bye" {
		t.Errorf("goaway = %+v", ga)
	}
}

// Frames the reference implementation writes must be readable by us.
func TestInteropWriteTheirsReadOurs(t *testing.T) {
	buf := new(bytes.Buffer)
	theirs := http2.NewFramer(buf, nil)
	if err := theirs.WriteSettingsAck(); err != nil {
		t.Fatal(err)
	}
	if err := theirs.WriteRSTStream(3, http2.ErrCodeRefusedStream); err != nil {
		t.Fatal(err)
	}
	if err := theirs.WritePing(false, [8]byte{9, 9, 9, 9, 9, 9, 9, 9}); err != nil {
		t.Fatal(err)
	}

	ours := NewFramer(nil, buf)
	f, err := ours.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if sf, ok := f.(*SettingsFrame); !ok || !sf.IsAck() {
		t.Fatalf("got %T, want settings ack", f)
	}
	f, err = ours.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	rf := f.(*RSTStreamFrame)
	if rf.Header().StreamID != 3 || rf.ErrCode != ErrCodeRefusedStream {
		t.Errorf("rst = %+v", rf)
	}
	f, err = ours.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	pf := f.(*PingFrame)
	if pf.IsAck() || pf.Data != [8]byte{9, 9, 9, 9, 9, 9, 9, 9} {
		t.Errorf("ping = %+v", pf)
	}
}
