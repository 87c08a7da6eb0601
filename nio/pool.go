package nio

import (
	"bytes"
	"sync"
)

// Buffer pools shared by the transport. Frame payloads travel between
// the reader goroutine and the application as pooled bytes.Buffers;
// the reader of the data returns the buffer once it is drained.

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// GetBuffer returns an empty pooled buffer.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer returns a buffer to the pool. The caller must not touch it
// afterwards.
func PutBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	b.Reset()
	bufferPool.Put(b)
	VarzBuffersRecycled.Add(1)
}
