package util

import "sync"

// RelayBufSize is the chunk size used by the relay copy loops (16 KiB,
// matching typical TDS/Postgres packet sizes — one chunk usually holds
// a whole database message).
const RelayBufSize = 16 * 1024

// bufPool recycles relay buffers so back-to-back client sessions don't
// churn the GC.
var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, RelayBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	bufPool.Put(buf)
}
