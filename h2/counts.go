package h2

// counts gates stream concurrency for one connection. Send streams are
// the ones we initiate and are limited by the peer's
// SETTINGS_MAX_CONCURRENT_STREAMS; recv streams are the peer's and are
// limited by our own setting. Locally reset streams are remembered for
// a while (so late frames are tolerated) and that memory is capped too.
type counts struct {
	// maxSend is the peer's advertised limit on streams we open.
	maxSend uint32
	numSend uint32

	// maxRecv is our configured limit on streams the peer opens.
	maxRecv uint32
	numRecv uint32

	// maxReset caps how many locally reset streams are tracked at once.
	maxReset uint32
	numReset uint32
}

func newCounts(peerMaxSend, localMaxRecv uint32) counts {
	return counts{
		maxSend:  peerMaxSend,
		maxRecv:  localMaxRecv,
		maxReset: resetStreamMax,
	}
}

// canOpenSend reports whether one more locally initiated stream fits
// under the peer's limit right now. When it does not, the open is
// queued as pending rather than failed.
func (c *counts) canOpenSend() bool {
	return c.numSend < c.maxSend
}

func (c *counts) incSend() { c.numSend++ }

// canOpenRecv reports whether one more peer-initiated stream fits
// under our limit. When it does not, the stream is refused.
func (c *counts) canOpenRecv() bool {
	return c.numRecv < c.maxRecv
}

func (c *counts) incRecv() { c.numRecv++ }

// decStream returns a counted stream's slot when it closes.
func (c *counts) decStream(localInit bool) {
	if localInit {
		if c.numSend == 0 {
			panic("h2: send stream count underflow")
		}
		c.numSend--
	} else {
		if c.numRecv == 0 {
			panic("h2: recv stream count underflow")
		}
		c.numRecv--
	}
}

func (c *counts) canTrackReset() bool {
	return c.numReset < c.maxReset
}

func (c *counts) incReset() { c.numReset++ }

func (c *counts) decReset() {
	if c.numReset == 0 {
		panic("h2: reset stream count underflow")
	}
	c.numReset--
}

// applyRemoteMaxConcurrent follows a SETTINGS update from the peer.
// The count may temporarily exceed the new maximum; existing streams
// are not reset, only new opens are held back.
func (c *counts) applyRemoteMaxConcurrent(max uint32) {
	c.maxSend = max
}
