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
	"errors"
	"fmt"
)

// Inbound faults come in two scopes. A frame.ConnectionError (or an IO
// error) terminates the whole connection with a GOAWAY; a
// frame.StreamError resets only the offending stream and the connection
// keeps serving the others. The reader loop makes the distinction.
//
// Outbound faults are either a ConnectionError (transport level) or a
// UserError: the caller violated the API contract and nothing was put
// on the wire.

// connectionErrorf creates an ConnectionError with the specified error description.
func connectionErrorf(temp bool, e error, format string, a ...interface{}) ConnectionError {
	return ConnectionError{
		Desc: fmt.Sprintf(format, a...),
		temp: temp,
		err:  e,
	}
}

// ConnectionError is an error that results in the termination of the
// entire connection and the failure of all active streams.
type ConnectionError struct {
	Desc string
	temp bool
	err  error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: desc = %q", e.Desc)
}

// Temporary indicates if this connection error is temporary or fatal.
func (e ConnectionError) Temporary() bool {
	return e.temp
}

// Unwrap returns the original error of this connection error or nil when the
// origin is nil.
func (e ConnectionError) Unwrap() error {
	return e.err
}

// UserError reports a violation of the API contract by the caller.
// Nothing reached the wire; the caller decides whether it is fatal.
type UserError int

const (
	// ErrUnexpectedFrameType - a frame was queued that the stream's
	// state cannot accept.
	ErrUnexpectedFrameType UserError = iota
	// ErrHeaderListTooBig - the header list exceeds the peer's
	// advertised SETTINGS_MAX_HEADER_LIST_SIZE.
	ErrHeaderListTooBig
	// ErrRejected - the remote refused the stream before processing it.
	ErrRejected
	// ErrOverflowedStreamID - the local stream id space is exhausted.
	ErrOverflowedStreamID
	// ErrMalformedHeaders - the headers cannot be represented on the wire.
	ErrMalformedHeaders
	// ErrMissingUriSchemeAndAuthority - request has no usable :scheme/:authority.
	ErrMissingUriSchemeAndAuthority
	// ErrSendAfterReset - send attempted on a stream that was already reset.
	ErrSendAfterReset
	// ErrTooManyResets - locally-reset stream bookkeeping is full.
	ErrTooManyResets
)

var userErrorName = map[UserError]string{
	ErrUnexpectedFrameType:          "unexpected frame type",
	ErrHeaderListTooBig:             "header list too big",
	ErrRejected:                     "stream refused by remote",
	ErrOverflowedStreamID:           "stream id space overflowed",
	ErrMalformedHeaders:             "malformed headers",
	ErrMissingUriSchemeAndAuthority: "request missing scheme and authority",
	ErrSendAfterReset:               "send after stream reset",
	ErrTooManyResets:                "too many locally reset streams",
}

func (e UserError) Error() string {
	if s, ok := userErrorName[e]; ok {
		return "user error: " + s
	}
	return fmt.Sprintf("user error: %d", int(e))
}

var (
	// ErrConnClosing indicates that the transport is closing.
	ErrConnClosing = connectionErrorf(true, nil, "transport is closing")
	// errStreamDrain indicates that the stream is rejected because the
	// connection is draining after a GOAWAY.
	errStreamDrain = errors.New("the connection is draining")
	// errStreamDone is returned from write after the stream finished.
	errStreamDone = errors.New("the stream is done")
	// errStreamRST is returned from read/write after the stream was reset.
	errStreamRST = errors.New("the stream is RST")
	// errFlowViolation - the peer wrote past the window it was granted.
	errFlowViolation = errors.New("received data exceeding the flow control window")
)

// GoAwayReason contains the reason for the GoAway frame received.
type GoAwayReason uint8

const (
	// GoAwayInvalid indicates that no GoAway frame is received.
	GoAwayInvalid GoAwayReason = 0
	// GoAwayNoReason is the default value when GoAway frame is received.
	GoAwayNoReason GoAwayReason = 1
	// GoAwayTooManyPings indicates that a GoAway frame with
	// ErrCodeEnhanceYourCalm was received and that the debug data said
	// "too_many_pings".
	GoAwayTooManyPings GoAwayReason = 2
)

// ContextErr converts the error from context package into a transport error.
func ContextErr(err error) error {
	switch err {
	case context.DeadlineExceeded, context.Canceled:
		return err
	}
	return fmt.Errorf("unexpected error from context: %w", err)
}
