package assetcache

import (
	"bytes"
	"sync"
)

// maxPooledBuffer keeps oversized buffers from being retained by the pool.
const maxPooledBuffer = 4 << 20

// bufferPool reuses encoder output buffers for WebP and brotli artifacts.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}

// detach copies the buffer contents so the buffer can return to the pool.
func detach(buf *bytes.Buffer) []byte {
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
