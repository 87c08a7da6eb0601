package nio

import (
	"expvar"
	"os"
	"time"
)

// ErrDeadlineExceeded is returned from reads that time out; it is
// transient, the stream stays usable.
var ErrDeadlineExceeded = os.ErrDeadlineExceeded

// Stats for one stream. Embedded in the stream handle; the fields are
// advisory and not synchronized.
type Stats struct {
	Open time.Time

	// last send toward the remote
	LastWrite time.Time

	// last receive from the remote
	LastRead time.Time

	SentBytes   int64
	SentPackets int64

	RcvdBytes   int64
	RcvdPackets int64
}

// Varz interface.
// Varz is a wrapper for atomic operation, with a json http interface.
// Prometheus, OTel etc can directly use them.
var (
	// Buffers handed out and not yet returned would show here as skew.
	VarzBuffersRecycled = expvar.NewInt("nio_buffers_recycled_total")
)
